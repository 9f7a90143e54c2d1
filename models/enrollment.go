package models

import (
	"time"

	"gorm.io/gorm"
)

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCompleted EnrollmentStatus = "completed"
)

type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionProcessing ExecutionStatus = "processing"
	ExecutionSent       ExecutionStatus = "sent"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCompleted  ExecutionStatus = "completed"
)

// Enrollment is a lead's participation in a sequence. A lead has at most one open enrollment per sequence.
type Enrollment struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index;uniqueIndex:idx_enrollments_open,priority:1,where:status <> 'completed' AND deleted_at IS NULL" json:"sequence_id"`
	LeadID     uint `gorm:"not null;index;uniqueIndex:idx_enrollments_open,priority:2" json:"lead_id"`

	Status      EnrollmentStatus `gorm:"not null;default:'active';index" json:"status"` // active, paused, completed
	StartedAt   time.Time        `gorm:"not null" json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at"`
	PausedAt    *time.Time       `json:"paused_at"`
	PauseReason string           `json:"pause_reason,omitempty"`

	// Relations
	Executions []Execution `gorm:"foreignKey:EnrollmentID" json:"executions,omitempty"`
}

// Execution is one scheduled unit of work advancing an enrollment through one step.
// Rows are append-only per enrollment and kept as the audit trail.
type Execution struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	StepID       uint `gorm:"not null;index" json:"step_id"`

	Status       ExecutionStatus `gorm:"not null;default:'pending';index:idx_executions_due,priority:1" json:"status"`
	ScheduledAt  time.Time       `gorm:"not null;index:idx_executions_due,priority:2" json:"scheduled_at"`
	ClaimedAt    *time.Time      `json:"claimed_at"`
	ExecutedAt   *time.Time      `json:"executed_at"`
	ErrorMessage *string         `gorm:"type:text" json:"error_message"`
	Attempts     int             `gorm:"default:0" json:"attempts"` // number of claims, reclaims included
}

// SentMessage records a delivered message for audit and reply correlation
type SentMessage struct {
	gorm.Model
	ExecutionID  uint `gorm:"not null;index" json:"execution_id"`
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	LeadID       uint `gorm:"not null;index" json:"lead_id"`
	SenderID     uint `gorm:"not null;index" json:"sender_id"`

	MessageID  string    `gorm:"not null;uniqueIndex" json:"message_id"`
	TrackingID string    `gorm:"not null;uniqueIndex" json:"tracking_id"`
	ThreadID   string    `gorm:"not null;index" json:"thread_id"`
	Subject    string    `json:"subject"`
	SentAt     time.Time `gorm:"not null" json:"sent_at"`
}
