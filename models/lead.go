package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Activity types written to the lead activity store
const (
	ActivitySent         = "sent"
	ActivityOpened       = "opened"
	ActivityClicked      = "clicked"
	ActivityReplied      = "replied"
	ActivityBounced      = "bounced"
	ActivityUnsubscribed = "unsubscribed"
)

// Lead represents a single contact/lead
type Lead struct {
	gorm.Model
	UserID uint `gorm:"index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`

	// Status
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	LastContact *time.Time `json:"last_contact"`
}

// DisplayName joins first and last name.
func (l *Lead) DisplayName() string {
	return strings.TrimSpace(strings.TrimSpace(l.FirstName) + " " + strings.TrimSpace(l.LastName))
}

// Contactable reports whether the lead may still receive mail.
func (l *Lead) Contactable() bool {
	return !l.IsBounced && !l.IsUnsubscribed && !l.IsDoNotContact
}

// LeadActivity tracks all activities for a lead across sequences.
// Rows are written by the tracking and reply ingestion pipelines and read by condition steps.
type LeadActivity struct {
	gorm.Model
	LeadID   uint  `gorm:"not null;index:idx_lead_activity,priority:1" json:"lead_id"`
	SenderID *uint `json:"sender_id,omitempty"`

	ActivityType string    `gorm:"not null;index:idx_lead_activity,priority:2" json:"activity_type"` // sent, opened, clicked, replied, bounced, etc.
	ActivityAt   time.Time `gorm:"not null;index:idx_lead_activity,priority:3" json:"activity_at"`
	Details      string    `gorm:"type:text" json:"details"`
}
