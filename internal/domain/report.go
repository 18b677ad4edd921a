package domain

import "time"

// ActionKind 建议动作类型
type ActionKind string

const (
	ActionInvestigate      ActionKind = "INVESTIGATE"
	ActionUninstallApp     ActionKind = "UNINSTALL_APP"
	ActionRevokePermission ActionKind = "REVOKE_PERMISSION"
	ActionDisableFeature   ActionKind = "DISABLE_FEATURE"
	ActionSecureNetwork    ActionKind = "SECURE_NETWORK"
	ActionRestoreFirmware  ActionKind = "RESTORE_FIRMWARE"
	ActionDeleteFile       ActionKind = "DELETE_FILE"
	ActionReview           ActionKind = "REVIEW"
)

// Recommendation 修复建议（派生数据，不单独持久化）
type Recommendation struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    Severity   `json:"priority"`
	ActionKind  ActionKind `json:"action_kind"`
	Subject     string     `json:"subject,omitempty"`
	FindingIDs  []string   `json:"finding_ids"`
}

// ScanReport 扫描报告，聚合器封存后不可变
type ScanReport struct {
	ScanID          string                   `json:"scan_id"`
	Depth           ScanDepth                `json:"depth"`
	StartedAt       time.Time                `json:"started_at"`
	EndedAt         time.Time                `json:"ended_at"`
	PhaseResults    map[PhaseID]*PhaseResult `json:"phase_results"`
	PhaseStatus     map[PhaseID]PhaseStatus  `json:"phase_status"`
	OverallScore    int                      `json:"overall_score"`
	OverallLevel    RiskLevel                `json:"overall_level"`
	IssueCounts     IssueCounts              `json:"issue_counts"`
	Recommendations []Recommendation         `json:"recommendations"`
	Cancelled       bool                     `json:"cancelled"`
}

// AllFindings 按阶段顺序返回所有成功阶段的发现项
func (r *ScanReport) AllFindings() []Finding {
	var out []Finding
	for _, phase := range PhaseOrder {
		result := r.PhaseResults[phase]
		if result == nil || !result.Succeeded {
			continue
		}
		out = append(out, result.Findings...)
	}
	return out
}

// Duration 扫描耗时
func (r *ScanReport) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
