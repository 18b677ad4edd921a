package domain

// PhaseID 扫描阶段
type PhaseID string

const (
	PhaseIntegrity      PhaseID = "integrity"
	PhaseAppThreatMatch PhaseID = "app_threat_match"
	PhaseFileSystem     PhaseID = "file_system"
	PhaseNetworkPosture PhaseID = "network_posture"
	PhasePrivacyAudit   PhaseID = "privacy_audit"
	PhaseAggregate      PhaseID = "aggregate"
)

// PhaseOrder 固定的阶段执行顺序
var PhaseOrder = []PhaseID{
	PhaseIntegrity,
	PhaseAppThreatMatch,
	PhaseFileSystem,
	PhaseNetworkPosture,
	PhasePrivacyAudit,
	PhaseAggregate,
}

// PhaseStatus 阶段执行状态
type PhaseStatus string

const (
	PhaseStatusCompleted PhaseStatus = "completed" // 正常完成
	PhaseStatusFailed    PhaseStatus = "failed"    // 检查器失败（已隔离）
	PhaseStatusSkipped   PhaseStatus = "skipped"   // 因配置/能力跳过
	PhaseStatusCancelled PhaseStatus = "cancelled" // 执行中被取消
	PhaseStatusNotRun    PhaseStatus = "not_run"   // 取消后未执行
)

// PhaseResult 单个阶段的结果，阶段结束后不再修改
type PhaseResult struct {
	Phase          PhaseID   `json:"phase"`
	Findings       []Finding `json:"findings"`
	SubScore       int       `json:"sub_score"`
	Succeeded      bool      `json:"succeeded"`
	ItemsProcessed int       `json:"items_processed"`
	Error          string    `json:"error,omitempty"`

	// 各阶段的附加明细
	Threats    *ThreatSummary     `json:"threats,omitempty"`
	FileSystem *FileSystemSummary `json:"file_system,omitempty"`
	Network    *NetworkSummary    `json:"network,omitempty"`
	Privacy    *PrivacySummary    `json:"privacy,omitempty"`
}

// FailedPhaseResult 构造失败的阶段结果
func FailedPhaseResult(phase PhaseID, err error) *PhaseResult {
	result := &PhaseResult{
		Phase:     phase,
		Findings:  []Finding{},
		Succeeded: false,
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// ClampScore 把分数限制在 [0, limit]
func ClampScore(score, limit int) int {
	if score < 0 {
		return 0
	}
	if score > limit {
		return limit
	}
	return score
}

// SumWeights 累加发现项权重并封顶 100
func SumWeights(findings []Finding) int {
	total := 0
	for _, f := range findings {
		total += f.Weight
	}
	return ClampScore(total, 100)
}
