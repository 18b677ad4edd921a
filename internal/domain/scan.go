package domain

import (
	"fmt"
	"strings"
)

// ScanDepth 扫描深度
type ScanDepth string

const (
	ScanDepthQuick ScanDepth = "QUICK" // 跳过文件系统，只检查用户安装的应用
	ScanDepthFull  ScanDepth = "FULL"  // 全部阶段，全部应用
)

// ParseScanDepth 解析扫描深度，空值默认 QUICK
func ParseScanDepth(v string) (ScanDepth, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", string(ScanDepthQuick):
		return ScanDepthQuick, nil
	case string(ScanDepthFull):
		return ScanDepthFull, nil
	default:
		return "", fmt.Errorf("%w: unknown scan depth %q", ErrConfiguration, v)
	}
}

// Capabilities 运行环境能力
type Capabilities struct {
	FileSystem bool `json:"file_system"` // 是否具备存储访问能力
}

// ScanConfig 单次扫描配置
type ScanConfig struct {
	ScanID       string       `json:"scan_id"`
	Depth        ScanDepth    `json:"depth"`
	Capabilities Capabilities `json:"capabilities"`
}

// Validate 校验配置（违反约定时返回 ErrConfiguration）
func (c ScanConfig) Validate() error {
	if strings.TrimSpace(c.ScanID) == "" {
		return fmt.Errorf("%w: scan id is required", ErrConfiguration)
	}
	if c.Depth != ScanDepthQuick && c.Depth != ScanDepthFull {
		return fmt.Errorf("%w: unknown scan depth %q", ErrConfiguration, c.Depth)
	}
	return nil
}

// IncludesSystemApps FULL 扫描包含系统应用
func (c ScanConfig) IncludesSystemApps() bool {
	return c.Depth == ScanDepthFull
}
