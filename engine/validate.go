package engine

import (
	"fmt"
	"strings"

	"sequencer/models"
	"sequencer/utils"
)

var waitUnits = map[string]bool{"hours": true, "days": true, "weeks": true}

// ValidateSequence checks a sequence's steps before it is published: payloads, order positions,
// branch targets and the absence of cycles.
func ValidateSequence(steps []models.Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: sequence has no steps", ErrInvalidSequence)
	}

	positions := make(map[int]uint, len(steps))
	for i := range steps {
		s := &steps[i]
		if err := validateStep(s); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidSequence, s.ID, err)
		}
		if other, dup := positions[s.OrderPosition]; dup {
			return fmt.Errorf("%w: steps %d and %d share order position %d", ErrInvalidSequence, other, s.ID, s.OrderPosition)
		}
		positions[s.OrderPosition] = s.ID
	}

	return detectCycle(steps)
}

func validateStep(s *models.Step) error {
	if err := utils.ValidateStruct(s); err != nil {
		return err
	}
	switch s.Kind {
	case models.StepWait:
		if s.WaitDuration <= 0 {
			return fmt.Errorf("wait_duration must be positive")
		}
		if !waitUnits[s.WaitUnit] {
			return fmt.Errorf("wait_unit %q must be one of hours, days, weeks", s.WaitUnit)
		}
	case models.StepCondition:
		if _, ok := conditionKinds[s.ConditionType]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownCondition, s.ConditionType)
		}
	}
	return nil
}

// detectCycle walks the step graph depth-first, colouring nodes grey while on the stack.
func detectCycle(steps []models.Step) error {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[uint]int, len(steps))
	var path []uint

	var visit func(s *models.Step) error
	visit = func(s *models.Step) error {
		colour[s.ID] = grey
		path = append(path, s.ID)

		next, err := successors(steps, s)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSequence, err)
		}
		for _, n := range next {
			switch colour[n.ID] {
			case grey:
				return fmt.Errorf("%w: %s", ErrSequenceCycle, formatPath(append(path, n.ID)))
			case white:
				if err := visit(n); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		colour[s.ID] = black
		return nil
	}

	for i := range steps {
		if colour[steps[i].ID] == white {
			if err := visit(&steps[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func formatPath(ids []uint) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, " -> ")
}
