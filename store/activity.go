package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"sequencer/models"
)

// RecordMessage stores the send artifact, logs a sent activity for the lead and counts the send against the sender's daily usage.
func (s *Store) RecordMessage(ctx context.Context, m *models.SentMessage) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		sent := &models.LeadActivity{
			LeadID:       m.LeadID,
			SenderID:     &m.SenderID,
			ActivityType: models.ActivitySent,
			ActivityAt:   m.SentAt,
			Details:      m.MessageID,
		}
		if err := tx.Create(sent).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Lead{}).Where("id = ?", m.LeadID).Update("last_contact", m.SentAt).Error; err != nil {
			return err
		}
		return tx.Model(&models.Sender{}).
			Where("id = ?", m.SenderID).
			Updates(map[string]interface{}{
				"sent_today": gorm.Expr("sent_today + ?", 1),
				"total_sent": gorm.Expr("total_sent + ?", 1),
			}).Error
	})
}

// LastThreadID returns the thread of the enrollment's most recent message, or "".
func (s *Store) LastThreadID(ctx context.Context, enrollmentID uint) (string, error) {
	var m models.SentMessage
	err := s.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return m.ThreadID, nil
}

// SentMessageByMessageID finds the artifact for any of the given Message-IDs.
func (s *Store) SentMessageByMessageID(ctx context.Context, messageIDs []string) (*models.SentMessage, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var m models.SentMessage
	err := s.db.WithContext(ctx).Where("message_id IN ?", messageIDs).Order("id DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SentMessageByTrackingID finds the artifact referenced by a tracking link.
func (s *Store) SentMessageByTrackingID(ctx context.Context, trackingID string) (*models.SentMessage, error) {
	var m models.SentMessage
	err := s.db.WithContext(ctx).Where("tracking_id = ?", trackingID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// HasRecentActivity reports whether the lead has activity of kind at or after since.
func (s *Store) HasRecentActivity(ctx context.Context, leadID uint, kind string, since time.Time) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.LeadActivity{}).
		Where("lead_id = ? AND activity_type = ? AND activity_at >= ?", leadID, kind, since).
		Count(&n).Error
	return n > 0, err
}

// RecordActivity appends to the activity store. Replies bump the sender's reply count;
// bounces and unsubscribes flag the lead so later message steps refuse it.
func (s *Store) RecordActivity(ctx context.Context, a *models.LeadActivity) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(a).Error; err != nil {
			return err
		}
		switch a.ActivityType {
		case models.ActivityReplied:
			if a.SenderID != nil {
				return tx.Model(&models.Sender{}).Where("id = ?", *a.SenderID).
					Update("reply_count", gorm.Expr("reply_count + ?", 1)).Error
			}
		case models.ActivityBounced:
			return tx.Model(&models.Lead{}).Where("id = ?", a.LeadID).Update("is_bounced", true).Error
		case models.ActivityUnsubscribed:
			return tx.Model(&models.Lead{}).Where("id = ?", a.LeadID).Update("is_unsubscribed", true).Error
		}
		return nil
	})
}
