package domain

import "time"

// EventType 进度事件类型
type EventType string

const (
	EventPhaseStarted    EventType = "phase_started"
	EventItemProcessed   EventType = "item_processed"
	EventFindingDetected EventType = "finding_detected"
	EventPhaseFinished   EventType = "phase_finished"
	EventScanCompleted   EventType = "scan_completed"
)

// ProgressEvent 扫描进度事件，流的最后一个事件携带报告
type ProgressEvent struct {
	Type      EventType `json:"type"`
	ScanID    string    `json:"scan_id"`
	Phase     PhaseID   `json:"phase,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// ItemProcessed
	Label string `json:"label,omitempty"`
	Count int    `json:"count,omitempty"`

	// PhaseFinished（累计计数）
	SubScore       int         `json:"sub_score,omitempty"`
	Status         PhaseStatus `json:"status,omitempty"`
	ItemsProcessed int         `json:"items_processed,omitempty"`
	FindingsSoFar  int         `json:"findings_so_far,omitempty"`

	Finding *Finding    `json:"finding,omitempty"`
	Report  *ScanReport `json:"report,omitempty"`
}

// ProgressFunc 检查器在批次边界上报进度
type ProgressFunc func(label string, count int)
