package models

import "time"

type Level string

const (
	InfoLevel  Level = "INFO"
	WarnLevel  Level = "WARN"
	ErrorLevel Level = "ERROR"
	DebugLevel Level = "DEBUG"
)

// AuditLogEntry is one immutable event in a workflow's audit trail.
type AuditLogEntry struct {
	ID         int64     `json:"id" db:"id"`                  // Store-assigned, increasing; breaks timestamp ties
	WorkflowID string    `json:"workflowId" db:"workflow_id"` // Owning workflow
	Level      Level     `json:"level" db:"level"`            // "INFO", "WARN", "ERROR", "DEBUG"
	EventType  string    `json:"eventType" db:"event_type"`   // e.g. "TASK_STARTED"
	Details    Value     `json:"details" db:"details"`        // Opaque event payload
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`    // Assigned at write time
}
