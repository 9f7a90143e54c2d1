package models

import (
	"time"

	"gorm.io/gorm"
)

type SequenceStatus string

const (
	SequenceDraft    SequenceStatus = "draft"
	SequenceActive   SequenceStatus = "active"
	SequenceArchived SequenceStatus = "archived"
)

// StepKind tags the payload a Step carries. Only the columns belonging to the tag are meaningful.
type StepKind string

const (
	StepMessage   StepKind = "message"
	StepWait      StepKind = "wait"
	StepCondition StepKind = "condition"
)

// Sequence represents an automated multi-step outreach sequence
type Sequence struct {
	gorm.Model
	UserID   uint `gorm:"not null;index" json:"user_id"`
	SenderID uint `gorm:"index" json:"sender_id"` // 0 means rotate across the owner's senders

	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	Status      SequenceStatus `gorm:"default:'draft'" json:"status"` // draft, active, archived

	// Relations
	Steps []Step `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// Step is one node of a sequence graph
type Step struct {
	gorm.Model
	SequenceID    uint     `gorm:"not null;index" json:"sequence_id"`
	OrderPosition int      `gorm:"not null" json:"order_position"`
	Kind          StepKind `gorm:"not null" json:"kind" validate:"required,oneof=message wait condition"`

	// Message step fields
	Subject string `json:"subject,omitempty" validate:"required_if=Kind message"`
	Body    string `gorm:"type:text" json:"body,omitempty" validate:"required_if=Kind message"`

	// Wait step fields
	WaitDuration int    `json:"wait_duration,omitempty" validate:"required_if=Kind wait"`
	WaitUnit     string `json:"wait_unit,omitempty" validate:"required_if=Kind wait"`

	// Condition step fields
	ConditionType   string `json:"condition_type,omitempty" validate:"required_if=Kind condition"`
	CheckDelayHours int    `json:"check_delay_hours,omitempty" validate:"gte=0"` // wait-before-check, applied to scheduled_at
	LookbackHours   int    `json:"lookback_hours,omitempty" validate:"gte=0"`    // 0 uses the configured default
	TrueNextStepID  *uint  `json:"true_next_step_id,omitempty"`
	FalseNextStepID *uint  `json:"false_next_step_id,omitempty"`
}

// WaitHours converts the wait payload to hours. Zero for an unknown unit.
func (s *Step) WaitHours() int {
	switch s.WaitUnit {
	case "weeks":
		return s.WaitDuration * 168
	case "days":
		return s.WaitDuration * 24
	case "hours":
		return s.WaitDuration
	default:
		return 0
	}
}

// CheckDelay is the time a condition step waits before it is evaluated. Zero for every other kind.
func (s *Step) CheckDelay() time.Duration {
	if s.Kind != StepCondition {
		return 0
	}
	return time.Duration(s.CheckDelayHours) * time.Hour
}
