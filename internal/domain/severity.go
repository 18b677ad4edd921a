package domain

import (
	"fmt"
	"strings"
)

// Severity 严重程度（可比较：LOW < MEDIUM < HIGH < CRITICAL）
type Severity int

const (
	SeverityNone Severity = iota // 无
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "NONE",
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity 解析严重程度字符串（不区分大小写）
func ParseSeverity(v string) (Severity, error) {
	upper := strings.ToUpper(strings.TrimSpace(v))
	for sev, name := range severityNames {
		if name == upper {
			return sev, nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", v)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// AtLeast 是否不低于给定级别
func (s Severity) AtLeast(other Severity) bool {
	return s >= other
}

// RiskLevel 整体风险等级
type RiskLevel string

const (
	RiskLevelSecure   RiskLevel = "SECURE"
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// LevelForScore 分数到风险等级的映射，每档包含下界：
// 0-20 SECURE, 21-40 LOW, 41-60 MEDIUM, 61-80 HIGH, 81-100 CRITICAL
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= 81:
		return RiskLevelCritical
	case score >= 61:
		return RiskLevelHigh
	case score >= 41:
		return RiskLevelMedium
	case score >= 21:
		return RiskLevelLow
	default:
		return RiskLevelSecure
	}
}

// IssueCounts 按严重程度统计的问题数量
type IssueCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Add 计入一个问题
func (c *IssueCounts) Add(sev Severity) {
	switch sev {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	}
}

// Total 问题总数
func (c IssueCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low
}
