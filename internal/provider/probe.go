package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

// ProbeState 探针三态结果
type ProbeState int

const (
	ProbeNotDetected ProbeState = iota
	ProbeDetected
	ProbeUnavailable
)

func (s ProbeState) String() string {
	switch s {
	case ProbeDetected:
		return "detected"
	case ProbeUnavailable:
		return "unavailable"
	default:
		return "not_detected"
	}
}

// ParseProbeState 解析探针状态，空值视为未检出
func ParseProbeState(v string) (ProbeState, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "not_detected", "false", "no":
		return ProbeNotDetected, nil
	case "detected", "true", "yes":
		return ProbeDetected, nil
	case "unavailable":
		return ProbeUnavailable, nil
	default:
		return ProbeNotDetected, fmt.Errorf("unknown probe state %q", v)
	}
}

// ProbeResult 单个探针的结果
type ProbeResult struct {
	State    ProbeState
	Evidence string
	Err      error
}

// Detected 检出
func Detected(evidence string) ProbeResult {
	return ProbeResult{State: ProbeDetected, Evidence: evidence}
}

// NotDetected 未检出
func NotDetected() ProbeResult {
	return ProbeResult{State: ProbeNotDetected}
}

// Unavailable 探针不可用，err 为空时使用 ErrProbeUnavailable
func Unavailable(err error) ProbeResult {
	if err == nil {
		err = domain.ErrProbeUnavailable
	}
	return ProbeResult{State: ProbeUnavailable, Err: err}
}

// FromError 把提供方错误归类为探针结果：超时按未检出处理，其余为不可用
func FromError(err error) ProbeResult {
	if errors.Is(err, domain.ErrProviderTimeout) {
		return ProbeResult{State: ProbeNotDetected, Err: err}
	}
	return Unavailable(err)
}

// IsDetected 是否检出
func (r ProbeResult) IsDetected() bool {
	return r.State == ProbeDetected
}

// Available 探针是否成功执行
func (r ProbeResult) Available() bool {
	return r.State != ProbeUnavailable
}
