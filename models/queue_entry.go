package models

import "time"

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	StatusWaiting    QueueStatus = "waiting"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
	StatusTimeout    QueueStatus = "timeout"
	StatusCancelled  QueueStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// AnalysisMode selects which stage sequence the pipeline runs.
type AnalysisMode string

const (
	// ModeQuick is the 3-round council deliberation ending in a synthesis.
	ModeQuick AnalysisMode = "quick"
	// ModeDeep is the tech audit + legal audit + executive synthesis.
	ModeDeep AnalysisMode = "deep"
)

// Valid reports whether m names a known stage sequence.
func (m AnalysisMode) Valid() bool {
	return m == ModeQuick || m == ModeDeep
}

// StageRecord is one completed pipeline stage with its completion time.
type StageRecord struct {
	StageID     string    `json:"stage_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// QueueEntry is one admitted analysis session.
type QueueEntry struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	Mode         AnalysisMode  `json:"mode"`
	Status       QueueStatus   `json:"status"`
	Position     int           `json:"position"` // 1-based among waiting; 0 otherwise
	CurrentStage string        `json:"current_stage,omitempty"` // set while processing
	StageHistory []StageRecord `json:"stage_history,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// WaitEstimate is a non-binding forecast of how long an entry will wait.
type WaitEstimate struct {
	WaitSeconds   int    `json:"wait_seconds"`
	WaitFormatted string `json:"wait_formatted"`
}

// QuotaSnapshot is the client-visible view of the daily run budget.
type QuotaSnapshot struct {
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	IsExhausted bool      `json:"is_exhausted"`
	ResetsAt    time.Time `json:"resets_at"`
}

// QueueInfo is the point-in-time summary returned alongside enqueue responses
// and from the info endpoint.
type QueueInfo struct {
	QueueLength          int           `json:"queue_length"`
	IsProcessing         bool          `json:"is_processing"`
	EstimatedWaitSeconds int           `json:"estimated_wait_seconds"`
	DailyQuota           QuotaSnapshot `json:"daily_quota"`
}
