package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"sequencer/engine"
	"sequencer/models"
)

// SendingIdentity returns the sequence's configured sender when it is active and has capacity left,
// otherwise the owner's active sender with the most remaining capacity today.
func (s *Store) SendingIdentity(ctx context.Context, seq *models.Sequence) (*models.Sender, error) {
	if seq.SenderID != 0 {
		var sender models.Sender
		err := s.db.WithContext(ctx).
			Where("id = ? AND user_id = ? AND is_active = ?", seq.SenderID, seq.UserID, true).
			First(&sender).Error
		if err == nil && sender.Remaining() > 0 {
			return &sender, nil
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return s.RotateSender(ctx, seq.UserID)
}

// RotateSender selects the owner's sender with the most available capacity
func (s *Store) RotateSender(ctx context.Context, userID uint) (*models.Sender, error) {
	var senders []models.Sender
	if err := s.db.WithContext(ctx).Where("user_id = ? AND is_active = ?", userID, true).Find(&senders).Error; err != nil {
		return nil, err
	}
	if len(senders) == 0 {
		return nil, fmt.Errorf("%w: user %d has no active senders", engine.ErrNoIdentity, userID)
	}

	var bestSender *models.Sender
	maxAvailable := 0
	for i := range senders {
		if available := senders[i].Remaining(); available > maxAvailable {
			maxAvailable = available
			bestSender = &senders[i]
		}
	}
	if bestSender == nil {
		return nil, fmt.Errorf("%w: user %d has no sender capacity left today", engine.ErrNoIdentity, userID)
	}
	return bestSender, nil
}

// InboxSenders lists active senders with IMAP configured.
func (s *Store) InboxSenders(ctx context.Context) ([]models.Sender, error) {
	var senders []models.Sender
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND imap_host IS NOT NULL AND imap_host <> ''", true).
		Find(&senders).Error
	return senders, err
}

// MarkSenderPolled records the outcome of an inbox poll.
func (s *Store) MarkSenderPolled(ctx context.Context, senderID uint, at time.Time, pollErr error) error {
	updates := map[string]interface{}{"last_polled_at": at, "last_error": nil}
	if pollErr != nil {
		updates["last_error"] = pollErr.Error()
	}
	return s.db.WithContext(ctx).Model(&models.Sender{}).Where("id = ?", senderID).Updates(updates).Error
}

// ResetDailyCounters zeroes every sender's daily send counter
func (s *Store) ResetDailyCounters(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Sender{}).
		Where("sent_today > 0").
		Update("sent_today", 0)
	return res.RowsAffected, res.Error
}
