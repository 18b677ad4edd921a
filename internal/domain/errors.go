package domain

import "errors"

var (
	// ErrProbeUnavailable 探针无法获取信号（缺少权限、提供方异常）
	ErrProbeUnavailable = errors.New("probe unavailable")
	// ErrProviderTimeout 有界操作超时，按该探针的阴性结果处理
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrConfiguration 扫描配置不满足前置条件
	ErrConfiguration = errors.New("configuration error")
	// ErrNoProbeAvailable 所有探针均不可用
	ErrNoProbeAvailable = errors.New("no probe available")
)
