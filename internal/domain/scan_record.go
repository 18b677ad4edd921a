package domain

import "time"

// ScanStatus 扫描任务状态
type ScanStatus string

const (
	ScanStatusQueued    ScanStatus = "queued"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusCancelled ScanStatus = "cancelled"
	ScanStatusFailed    ScanStatus = "failed"
)

// IsFinal 是否为终态
func (s ScanStatus) IsFinal() bool {
	return s == ScanStatusCompleted || s == ScanStatusCancelled || s == ScanStatusFailed
}

// ScanRecord 扫描记录表
type ScanRecord struct {
	ID       string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	DeviceID string     `gorm:"type:varchar(100);index:idx_device_id" json:"device_id"`
	Depth    ScanDepth  `gorm:"type:varchar(10);not null" json:"depth"`
	Status   ScanStatus `gorm:"type:varchar(20);index:idx_status;default:'queued'" json:"status"`

	// 能力
	FileSystemCapable bool `gorm:"default:false" json:"file_system_capable"`

	// 结果摘要（冗余存储，方便查询）
	OverallScore  int       `gorm:"default:0" json:"overall_score"`
	OverallLevel  RiskLevel `gorm:"type:varchar(20)" json:"overall_level,omitempty"`
	CriticalCount int       `gorm:"default:0" json:"critical_count"`
	HighCount     int       `gorm:"default:0" json:"high_count"`
	MediumCount   int       `gorm:"default:0" json:"medium_count"`
	LowCount      int       `gorm:"default:0" json:"low_count"`
	FailedPhases  int       `gorm:"default:0" json:"failed_phases"`

	// 完整报告
	ReportJSON   string `gorm:"type:mediumtext" json:"-"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (ScanRecord) TableName() string {
	return "device_scans"
}

// ApplyReport 用报告摘要填充记录
func (r *ScanRecord) ApplyReport(report *ScanReport) {
	r.OverallScore = report.OverallScore
	r.OverallLevel = report.OverallLevel
	r.CriticalCount = report.IssueCounts.Critical
	r.HighCount = report.IssueCounts.High
	r.MediumCount = report.IssueCounts.Medium
	r.LowCount = report.IssueCounts.Low
	r.FailedPhases = 0
	for _, status := range report.PhaseStatus {
		if status == PhaseStatusFailed {
			r.FailedPhases++
		}
	}
}
