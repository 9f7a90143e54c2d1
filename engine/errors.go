package engine

import "errors"

var (
	// ErrUnknownStep is returned when a step or branch target does not exist in the sequence.
	ErrUnknownStep = errors.New("unknown step")
	// ErrUnknownStepKind is returned when no executor is registered for a step kind.
	ErrUnknownStepKind = errors.New("unknown step kind")
	// ErrUnknownCondition is returned for a condition type the evaluator cannot answer.
	ErrUnknownCondition = errors.New("unknown condition type")
	// ErrUndeliverable is returned when a lead cannot receive a message.
	ErrUndeliverable = errors.New("lead is not deliverable")
	// ErrNoIdentity is returned when no active sending identity exists for the sequence owner.
	ErrNoIdentity = errors.New("no active sending identity")
	// ErrSequenceCycle is returned by ValidateSequence when the step graph loops.
	ErrSequenceCycle = errors.New("sequence contains a cycle")
	// ErrInvalidSequence wraps structural problems found at publish time.
	ErrInvalidSequence = errors.New("invalid sequence")
	// ErrNotActive is returned when enrolling into a sequence that is not active.
	ErrNotActive = errors.New("sequence is not active")
	// ErrAlreadyEnrolled is returned when the lead already has an open enrollment in the sequence.
	ErrAlreadyEnrolled = errors.New("lead already enrolled")
	// ErrNotResumable is returned when an enrollment is in a state Resume cannot act on.
	ErrNotResumable = errors.New("enrollment cannot be resumed")
	// ErrDeferred is returned by executors when the step could not run yet and should be retried later.
	ErrDeferred = errors.New("execution deferred")
	// ErrClaimLost is returned by stores when an execution is no longer held by this worker.
	ErrClaimLost = errors.New("execution claim lost")
	// ErrNotFound is returned by stores for missing rows.
	ErrNotFound = errors.New("not found")
)
