package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sequencer/models"
	"sequencer/utils"
)

// Options tunes a scheduler run.
type Options struct {
	BatchSize    int           // executions claimed per run
	Concurrency  int           // executions processed in parallel
	ReclaimAfter time.Duration // processing executions older than this are returned to pending; 0 disables
	DeferDelay   time.Duration // how far a deferred execution is pushed back
}

// RunSummary is reported by every run.
type RunSummary struct {
	Processed int   `json:"processed_count"`
	Failed    int   `json:"failed_count"`
	Skipped   int   `json:"skipped_count"`
	Deferred  int   `json:"deferred_count"`
	Reclaimed int64 `json:"reclaimed_count"`
}

type result int

const (
	resultProcessed result = iota
	resultFailed
	resultSkipped
	resultDeferred
)

var errInactive = errors.New("enrollment is not active")

// Scheduler claims due executions and dispatches them to step executors.
type Scheduler struct {
	store     Store
	state     *StateManager
	executors Executors
	opts      Options
	now       func() time.Time
	log       *logrus.Entry
}

func NewScheduler(store Store, executors Executors, opts Options) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.DeferDelay <= 0 {
		opts.DeferDelay = time.Minute
	}
	return &Scheduler{
		store:     store,
		state:     &StateManager{Sequences: store, Executions: store},
		executors: executors,
		opts:      opts,
		now:       time.Now,
		log:       logrus.WithField("component", "scheduler"),
	}
}

// WithClock replaces the scheduler's time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// State exposes the enrollment state manager sharing the scheduler's store.
func (s *Scheduler) State() *StateManager {
	return s.state
}

// RunOnce processes one batch of due executions. Failures of single executions are recorded on
// the execution and never abort the batch.
func (s *Scheduler) RunOnce(ctx context.Context) (RunSummary, error) {
	var summary RunSummary
	start := s.now()

	if s.opts.ReclaimAfter > 0 {
		n, err := s.store.ReclaimStale(ctx, start.Add(-s.opts.ReclaimAfter))
		if err != nil {
			utils.LogError("execution_reclaim_failed", err, nil)
		} else if n > 0 {
			summary.Reclaimed = n
			s.log.WithField("count", n).Warn("Reclaimed stale executions")
		}
	}

	due, err := s.store.DueExecutions(ctx, start, s.opts.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("failed to load due executions: %w", err)
	}

	// One execution per enrollment per run keeps an enrollment's steps in order.
	seen := make(map[uint]bool, len(due))
	batch := make([]models.Execution, 0, len(due))
	for _, exec := range due {
		if seen[exec.EnrollmentID] {
			summary.Skipped++
			continue
		}
		seen[exec.EnrollmentID] = true
		batch = append(batch, exec)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.opts.Concurrency)
	for _, exec := range batch {
		exec := exec
		g.Go(func() error {
			res := s.runExecution(ctx, exec)
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case resultProcessed:
				summary.Processed++
			case resultFailed:
				summary.Failed++
			case resultDeferred:
				summary.Deferred++
			default:
				summary.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	utils.LogEvent("sequence_run_completed", map[string]interface{}{
		"processed": summary.Processed,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"deferred":  summary.Deferred,
		"reclaimed": summary.Reclaimed,
		"duration":  s.now().Sub(start).String(),
	})
	return summary, nil
}

func (s *Scheduler) runExecution(ctx context.Context, exec models.Execution) (res result) {
	log := s.log.WithFields(logrus.Fields{
		"execution_id":  exec.ID,
		"enrollment_id": exec.EnrollmentID,
		"step_id":       exec.StepID,
	})

	claimed, err := s.store.ClaimExecution(ctx, exec.ID, s.now())
	if err != nil {
		log.WithError(err).Error("Failed to claim execution")
		return resultSkipped
	}
	if !claimed {
		log.Debug("Execution claimed elsewhere")
		return resultSkipped
	}

	defer func() {
		if r := recover(); r != nil {
			s.fail(ctx, exec, fmt.Errorf("panic: %v", r))
			res = resultFailed
		}
	}()

	err = s.process(ctx, &exec)
	switch {
	case errors.Is(err, errInactive):
		log.Info("Enrollment no longer active, execution closed")
		return resultSkipped
	case errors.Is(err, ErrDeferred):
		until := s.now().Add(s.opts.DeferDelay)
		if derr := s.store.DeferExecution(ctx, exec.ID, until); derr != nil {
			s.fail(ctx, exec, fmt.Errorf("%v (defer failed: %w)", err, derr))
			return resultFailed
		}
		log.WithError(err).WithField("until", until).Info("Execution deferred")
		return resultDeferred
	case err != nil:
		s.fail(ctx, exec, err)
		return resultFailed
	}
	log.Debug("Execution processed")
	return resultProcessed
}

func (s *Scheduler) process(ctx context.Context, exec *models.Execution) error {
	enrollment, err := s.store.Enrollment(ctx, exec.EnrollmentID)
	if err != nil {
		return fmt.Errorf("failed to load enrollment: %w", err)
	}
	if enrollment.Status != models.EnrollmentActive {
		err := s.store.ApplyTransition(ctx, Transition{
			EnrollmentID: enrollment.ID,
			Close:        &ExecutionClose{ExecutionID: exec.ID, Status: models.ExecutionCompleted, At: s.now()},
		})
		if err != nil {
			return err
		}
		return errInactive
	}

	seq, err := s.store.Sequence(ctx, enrollment.SequenceID)
	if err != nil {
		return fmt.Errorf("failed to load sequence: %w", err)
	}
	step, ok := FindStep(seq.Steps, exec.StepID)
	if !ok {
		return fmt.Errorf("%w: execution %d targets step %d", ErrUnknownStep, exec.ID, exec.StepID)
	}
	lead, err := s.store.Lead(ctx, enrollment.LeadID)
	if err != nil {
		return fmt.Errorf("failed to load lead: %w", err)
	}

	job := Job{
		Execution:  exec,
		Step:       step,
		Enrollment: enrollment,
		Sequence:   seq,
		Lead:       lead,
		Now:        s.now(),
	}
	out, err := s.executors.Dispatch(ctx, job)
	if err != nil {
		return err
	}
	return s.state.Advance(ctx, job, out)
}

func (s *Scheduler) fail(ctx context.Context, exec models.Execution, cause error) {
	fields := map[string]interface{}{
		"execution_id":  exec.ID,
		"enrollment_id": exec.EnrollmentID,
		"step_id":       exec.StepID,
	}
	utils.LogError("execution_failed", cause, fields)
	if err := s.store.FailExecution(ctx, exec.ID, cause.Error(), s.now()); err != nil {
		utils.LogError("execution_fail_write_failed", err, fields)
	}
}
