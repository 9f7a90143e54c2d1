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

// Store is the gorm-backed persistence for the sequence engine
type Store struct {
	db *gorm.DB
}

var _ engine.Store = (*Store)(nil)

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DueExecutions returns pending executions scheduled at or before now whose enrollment is active, oldest first.
func (s *Store) DueExecutions(ctx context.Context, now time.Time, limit int) ([]models.Execution, error) {
	var execs []models.Execution
	err := s.db.WithContext(ctx).
		Select("executions.*").
		Joins("JOIN enrollments ON enrollments.id = executions.enrollment_id AND enrollments.deleted_at IS NULL").
		Where("executions.status = ? AND executions.scheduled_at <= ? AND enrollments.status = ?",
			models.ExecutionPending, now, models.EnrollmentActive).
		Order("executions.scheduled_at ASC, executions.id ASC").
		Limit(limit).
		Find(&execs).Error
	return execs, err
}

// ClaimExecution moves an execution from pending to processing with one conditional update.
// It refuses while another execution of the same enrollment is processing.
func (s *Store) ClaimExecution(ctx context.Context, id uint, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Execution{}).
		Where("id = ? AND status = ?", id, models.ExecutionPending).
		Where("NOT EXISTS (SELECT 1 FROM executions AS busy WHERE busy.enrollment_id = executions.enrollment_id AND busy.status = ? AND busy.deleted_at IS NULL)",
			models.ExecutionProcessing).
		Updates(map[string]interface{}{
			"status":     models.ExecutionProcessing,
			"claimed_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim execution %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReclaimStale returns executions stuck in processing since before cutoff to pending.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Execution{}).
		Where("status = ? AND claimed_at < ?", models.ExecutionProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":     models.ExecutionPending,
			"claimed_at": nil,
		})
	return res.RowsAffected, res.Error
}

func (s *Store) FailExecution(ctx context.Context, id uint, message string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Execution{}).
		Where("id = ? AND status = ?", id, models.ExecutionProcessing).
		Updates(map[string]interface{}{
			"status":        models.ExecutionFailed,
			"error_message": message,
			"executed_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: execution %d", engine.ErrClaimLost, id)
	}
	return nil
}

// DeferExecution returns a claimed execution to pending, due at until.
func (s *Store) DeferExecution(ctx context.Context, id uint, until time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Execution{}).
		Where("id = ? AND status = ?", id, models.ExecutionProcessing).
		Updates(map[string]interface{}{
			"status":       models.ExecutionPending,
			"scheduled_at": until,
			"claimed_at":   nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: execution %d", engine.ErrClaimLost, id)
	}
	return nil
}

// LatestExecution returns the most recently created execution of an enrollment, or nil.
func (s *Store) LatestExecution(ctx context.Context, enrollmentID uint) (*models.Execution, error) {
	var exec models.Execution
	err := s.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("id DESC").
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// Executions lists an enrollment's audit trail in creation order.
func (s *Store) Executions(ctx context.Context, enrollmentID uint) ([]models.Execution, error) {
	var execs []models.Execution
	err := s.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("id ASC").
		Find(&execs).Error
	return execs, err
}

// ApplyTransition writes every part of t in one transaction.
func (s *Store) ApplyTransition(ctx context.Context, t engine.Transition) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c := t.Close; c != nil {
			res := tx.Model(&models.Execution{}).
				Where("id = ? AND status = ?", c.ExecutionID, models.ExecutionProcessing).
				Updates(map[string]interface{}{
					"status":      c.Status,
					"executed_at": c.At,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: execution %d", engine.ErrClaimLost, c.ExecutionID)
			}
		}

		if r := t.Reschedule; r != nil {
			res := tx.Model(&models.Execution{}).
				Where("id = ? AND status = ?", r.ExecutionID, models.ExecutionPending).
				Update("scheduled_at", r.At)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: execution %d is no longer pending", engine.ErrNotResumable, r.ExecutionID)
			}
		}

		if next := t.Next; next != nil {
			if next.EnrollmentID == 0 {
				next.EnrollmentID = t.EnrollmentID
			}
			if err := tx.Create(next).Error; err != nil {
				return fmt.Errorf("failed to schedule next execution: %w", err)
			}
		}

		if change := t.Enrollment; change != nil {
			updates := map[string]interface{}{"status": change.Status}
			switch change.Status {
			case models.EnrollmentCompleted:
				updates["completed_at"] = change.At
			case models.EnrollmentPaused:
				updates["paused_at"] = change.At
				updates["pause_reason"] = change.Reason
			case models.EnrollmentActive:
				updates["paused_at"] = nil
				updates["pause_reason"] = ""
			}
			if err := tx.Model(&models.Enrollment{}).Where("id = ?", t.EnrollmentID).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update enrollment: %w", err)
			}
		}
		return nil
	})
}
