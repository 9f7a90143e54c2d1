package engine

import (
	"fmt"

	"sequencer/models"
)

// FindStep looks a step up by ID in a sequence's steps.
func FindStep(steps []models.Step, id uint) (*models.Step, bool) {
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i], true
		}
	}
	return nil, false
}

// NextStep resolves the successor of current. A non-nil override wins; otherwise the step with the
// smallest order position greater than current's is returned. A nil step with a nil error is terminal.
func NextStep(steps []models.Step, current *models.Step, override *uint) (*models.Step, error) {
	if override != nil {
		next, ok := FindStep(steps, *override)
		if !ok || next.SequenceID != current.SequenceID {
			return nil, fmt.Errorf("%w: step %d branches to %d", ErrUnknownStep, current.ID, *override)
		}
		return next, nil
	}

	var next *models.Step
	for i := range steps {
		s := &steps[i]
		if s.SequenceID != current.SequenceID || s.OrderPosition <= current.OrderPosition {
			continue
		}
		if next == nil || s.OrderPosition < next.OrderPosition {
			next = s
		}
	}
	return next, nil
}

// FirstStep returns the step with the lowest order position.
func FirstStep(steps []models.Step) *models.Step {
	var first *models.Step
	for i := range steps {
		if first == nil || steps[i].OrderPosition < first.OrderPosition {
			first = &steps[i]
		}
	}
	return first
}

// successors lists every step reachable in one hop from s.
func successors(steps []models.Step, s *models.Step) ([]*models.Step, error) {
	overrides := []*uint{nil}
	if s.Kind == models.StepCondition {
		overrides = []*uint{s.TrueNextStepID, s.FalseNextStepID}
	}

	var out []*models.Step
	for _, o := range overrides {
		next, err := NextStep(steps, s, o)
		if err != nil {
			return nil, err
		}
		if next != nil {
			out = append(out, next)
		}
	}
	return out, nil
}
