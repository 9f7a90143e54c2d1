package engine

import (
	"context"
	"fmt"
	"time"

	"sequencer/models"
)

// DefaultLookback is the activity window used when neither the step nor the evaluator sets one.
const DefaultLookback = 7 * 24 * time.Hour

// conditionKinds maps condition types to whether a match disqualifies the lead from further steps.
var conditionKinds = map[string]bool{
	models.ActivityReplied:      true,
	models.ActivityBounced:      true,
	models.ActivityUnsubscribed: true,
	models.ActivityOpened:       false,
	models.ActivityClicked:      false,
}

// IsDisqualifying reports whether a true predicate of this type pauses the enrollment.
func IsDisqualifying(conditionType string) bool {
	return conditionKinds[conditionType]
}

// ConditionEvaluator answers activity predicates against the activity store.
type ConditionEvaluator struct {
	Activities ActivityStore
	Lookback   time.Duration
}

// Window returns the lookback applied to a step.
func (e *ConditionEvaluator) Window(step *models.Step) time.Duration {
	if step.LookbackHours > 0 {
		return time.Duration(step.LookbackHours) * time.Hour
	}
	if e.Lookback > 0 {
		return e.Lookback
	}
	return DefaultLookback
}

// Evaluate reports whether the lead had activity of the step's condition type inside the window ending at now.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, leadID uint, step *models.Step, now time.Time) (bool, error) {
	if _, ok := conditionKinds[step.ConditionType]; !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownCondition, step.ConditionType)
	}
	since := now.Add(-e.Window(step))
	matched, err := e.Activities.HasRecentActivity(ctx, leadID, step.ConditionType, since)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate %s condition: %w", step.ConditionType, err)
	}
	return matched, nil
}

// ConditionExecutor branches on a predicate. The wait-before-check is already spent: the
// execution was scheduled after it.
type ConditionExecutor struct {
	Evaluator *ConditionEvaluator
}

func (c *ConditionExecutor) Execute(ctx context.Context, job Job) (Outcome, error) {
	matched, err := c.Evaluator.Evaluate(ctx, job.Lead.ID, job.Step, job.Now)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Status: models.ExecutionSent, Override: job.Step.FalseNextStepID}
	if matched {
		out.Override = job.Step.TrueNextStepID
		if IsDisqualifying(job.Step.ConditionType) {
			out.Pause = true
			out.PauseReason = "lead " + job.Step.ConditionType
		}
	}
	return out, nil
}
