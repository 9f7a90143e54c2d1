package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"sequencer/engine"
	"sequencer/models"
)

// Sequence loads a sequence with its steps ordered by position
func (s *Store) Sequence(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("order_position ASC")
		}).
		First(&seq, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: sequence %d", engine.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (s *Store) SetSequenceStatus(ctx context.Context, id uint, status models.SequenceStatus) error {
	res := s.db.WithContext(ctx).Model(&models.Sequence{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: sequence %d", engine.ErrNotFound, id)
	}
	return nil
}

func (s *Store) Enrollment(ctx context.Context, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := s.db.WithContext(ctx).First(&e, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: enrollment %d", engine.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// OpenEnrollment returns the lead's active or paused enrollment in the sequence, or nil.
func (s *Store) OpenEnrollment(ctx context.Context, sequenceID, leadID uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := s.db.WithContext(ctx).
		Where("sequence_id = ? AND lead_id = ? AND status <> ?", sequenceID, leadID, models.EnrollmentCompleted).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEnrollment inserts the enrollment and its first execution together. Losing the race
// against the open enrollment index returns ErrAlreadyEnrolled.
func (s *Store) CreateEnrollment(ctx context.Context, e *models.Enrollment, first *models.Execution) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(e).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: lead %d in sequence %d", engine.ErrAlreadyEnrolled, e.LeadID, e.SequenceID)
			}
			return fmt.Errorf("failed to create enrollment: %w", err)
		}
		first.EnrollmentID = e.ID
		if err := tx.Create(first).Error; err != nil {
			return fmt.Errorf("failed to create first execution: %w", err)
		}
		return nil
	})
}

func (s *Store) Lead(ctx context.Context, id uint) (*models.Lead, error) {
	var lead models.Lead
	err := s.db.WithContext(ctx).First(&lead, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: lead %d", engine.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &lead, nil
}
