package engine

import (
	"context"
	"fmt"
	"time"

	"sequencer/models"
)

// StateManager owns the enrollment lifecycle and appends executions.
//
// Every processed execution ends in exactly one of: a successor scheduled, the enrollment
// completed, or the enrollment paused. A pause parks the branch target as a pending execution that
// the scheduler ignores until the enrollment is resumed.
type StateManager struct {
	Sequences  SequenceStore
	Executions ExecutionStore
}

// Enroll starts a lead on a sequence at its lowest-order step.
func (m *StateManager) Enroll(ctx context.Context, sequenceID, leadID uint, now time.Time) (*models.Enrollment, error) {
	seq, err := m.Sequences.Sequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status != models.SequenceActive {
		return nil, fmt.Errorf("%w: sequence %d is %s", ErrNotActive, seq.ID, seq.Status)
	}

	open, err := m.Sequences.OpenEnrollment(ctx, sequenceID, leadID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, fmt.Errorf("%w: lead %d in sequence %d (enrollment %d)", ErrAlreadyEnrolled, leadID, sequenceID, open.ID)
	}

	first := FirstStep(seq.Steps)
	if first == nil {
		return nil, fmt.Errorf("%w: sequence %d has no steps", ErrInvalidSequence, seq.ID)
	}

	enrollment := &models.Enrollment{
		SequenceID: sequenceID,
		LeadID:     leadID,
		Status:     models.EnrollmentActive,
		StartedAt:  now,
	}
	exec := &models.Execution{
		StepID:      first.ID,
		Status:      models.ExecutionPending,
		ScheduledAt: now.Add(first.CheckDelay()),
	}
	if err := m.Sequences.CreateEnrollment(ctx, enrollment, exec); err != nil {
		return nil, err
	}
	return enrollment, nil
}

// Advance applies an executor outcome to the job's enrollment.
func (m *StateManager) Advance(ctx context.Context, job Job, out Outcome) error {
	if out.Pause {
		return m.Pause(ctx, job, out)
	}
	return m.ScheduleNext(ctx, job, out)
}

// ScheduleNext closes the job's execution and either schedules the resolved successor at
// job.Now + out.Delay or completes the enrollment when there is none.
func (m *StateManager) ScheduleNext(ctx context.Context, job Job, out Outcome) error {
	next, err := m.successor(job, out.Override, out.Delay)
	if err != nil {
		return err
	}

	t := m.closing(job, out)
	if next != nil {
		t.Next = next
	} else {
		t.Enrollment = &EnrollmentChange{Status: models.EnrollmentCompleted, At: job.Now}
	}
	return m.Executions.ApplyTransition(ctx, t)
}

// Pause closes the job's execution and pauses the enrollment. The branch target, if any, is kept
// as a parked pending execution for Resume.
func (m *StateManager) Pause(ctx context.Context, job Job, out Outcome) error {
	next, err := m.successor(job, out.Override, 0)
	if err != nil {
		return err
	}

	t := m.closing(job, out)
	t.Next = next
	t.Enrollment = &EnrollmentChange{Status: models.EnrollmentPaused, At: job.Now, Reason: out.PauseReason}
	return m.Executions.ApplyTransition(ctx, t)
}

// PauseEnrollment pauses an active enrollment on operator request.
func (m *StateManager) PauseEnrollment(ctx context.Context, enrollmentID uint, reason string, now time.Time) error {
	e, err := m.Sequences.Enrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if e.Status != models.EnrollmentActive {
		return fmt.Errorf("%w: enrollment %d is %s", ErrNotResumable, e.ID, e.Status)
	}
	return m.Executions.ApplyTransition(ctx, Transition{
		EnrollmentID: e.ID,
		Enrollment:   &EnrollmentChange{Status: models.EnrollmentPaused, At: now, Reason: reason},
	})
}

// Resume reactivates a paused enrollment, or retries the failed step of an active one.
// A parked execution is made due now, or at its own time if that is later; a failed or skipped step is run again; an enrollment whose
// last step was processed with no successor is completed.
func (m *StateManager) Resume(ctx context.Context, enrollmentID uint, now time.Time) error {
	e, err := m.Sequences.Enrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	last, err := m.Executions.LatestExecution(ctx, e.ID)
	if err != nil {
		return err
	}
	if last == nil {
		return fmt.Errorf("%w: enrollment %d has no executions", ErrNotResumable, e.ID)
	}

	retry := last.Status == models.ExecutionFailed || last.Status == models.ExecutionCompleted
	switch {
	case e.Status == models.EnrollmentPaused:
	case e.Status == models.EnrollmentActive && retry:
	default:
		return fmt.Errorf("%w: enrollment %d is %s with last execution %s", ErrNotResumable, e.ID, e.Status, last.Status)
	}

	t := Transition{
		EnrollmentID: e.ID,
		Enrollment:   &EnrollmentChange{Status: models.EnrollmentActive, At: now},
	}
	switch {
	case last.Status == models.ExecutionPending:
		// A wait still running when the enrollment was paused keeps its due time.
		at := now
		if last.ScheduledAt.After(now) {
			at = last.ScheduledAt
		}
		t.Reschedule = &Reschedule{ExecutionID: last.ID, At: at}
	case retry:
		t.Next = &models.Execution{
			EnrollmentID: e.ID,
			StepID:       last.StepID,
			Status:       models.ExecutionPending,
			ScheduledAt:  now,
		}
	case last.Status == models.ExecutionSent:
		t.Enrollment = &EnrollmentChange{Status: models.EnrollmentCompleted, At: now}
	default:
		return fmt.Errorf("%w: execution %d is %s", ErrNotResumable, last.ID, last.Status)
	}
	return m.Executions.ApplyTransition(ctx, t)
}

func (m *StateManager) closing(job Job, out Outcome) Transition {
	status := out.Status
	if status == "" {
		status = models.ExecutionSent
	}
	return Transition{
		EnrollmentID: job.Enrollment.ID,
		Close:        &ExecutionClose{ExecutionID: job.Execution.ID, Status: status, At: job.Now},
	}
}

func (m *StateManager) successor(job Job, override *uint, delay time.Duration) (*models.Execution, error) {
	next, err := NextStep(job.Sequence.Steps, job.Step, override)
	if err != nil || next == nil {
		return nil, err
	}
	return &models.Execution{
		EnrollmentID: job.Enrollment.ID,
		StepID:       next.ID,
		Status:       models.ExecutionPending,
		ScheduledAt:  job.Now.Add(delay + next.CheckDelay()),
	}, nil
}
