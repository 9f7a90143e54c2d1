package engine

import (
	"context"
	"fmt"
	"time"

	"sequencer/models"
)

// Job is everything a step executor sees for one execution.
type Job struct {
	Execution  *models.Execution
	Step       *models.Step
	Enrollment *models.Enrollment
	Sequence   *models.Sequence
	Lead       *models.Lead
	Now        time.Time
}

// Outcome is what a step executor reports on success.
type Outcome struct {
	Status      models.ExecutionStatus
	Override    *uint
	Delay       time.Duration
	Pause       bool
	PauseReason string
}

// Executor runs one kind of step.
type Executor interface {
	Execute(ctx context.Context, job Job) (Outcome, error)
}

// Executors is the closed dispatch table from step kind to executor.
type Executors map[models.StepKind]Executor

// Dispatch runs the executor registered for the job's step kind.
func (e Executors) Dispatch(ctx context.Context, job Job) (Outcome, error) {
	ex, ok := e[job.Step.Kind]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownStepKind, job.Step.Kind)
	}
	return ex.Execute(ctx, job)
}

// WaitExecutor performs no side effect; the wait is applied as the delay of the next execution.
type WaitExecutor struct{}

func (WaitExecutor) Execute(_ context.Context, job Job) (Outcome, error) {
	step := job.Step
	if !waitUnits[step.WaitUnit] || step.WaitDuration <= 0 {
		return Outcome{}, fmt.Errorf("%w: step %d waits %d %q", ErrInvalidSequence, step.ID, step.WaitDuration, step.WaitUnit)
	}
	return Outcome{
		Status: models.ExecutionSent,
		Delay:  time.Duration(job.Step.WaitHours()) * time.Hour,
	}, nil
}
