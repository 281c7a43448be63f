package models

import (
	"encoding/json"
	"time"
)

// AuditRecord is a finished analysis persisted to the audits table.
type AuditRecord struct {
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id"`
	AuditType string          `json:"audit_type"` // quick | deep
	Verdict   json.RawMessage `json:"verdict"`
	Duration  float64         `json:"duration_seconds"`
	CreatedAt time.Time       `json:"created_at"`
}
