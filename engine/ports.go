package engine

import (
	"context"
	"time"

	"sequencer/models"
	"sequencer/utils"
)

// ExecutionStore persists executions. ClaimExecution must be a single conditional write.
type ExecutionStore interface {
	DueExecutions(ctx context.Context, now time.Time, limit int) ([]models.Execution, error)
	ClaimExecution(ctx context.Context, id uint, now time.Time) (bool, error)
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	FailExecution(ctx context.Context, id uint, message string, now time.Time) error
	DeferExecution(ctx context.Context, id uint, until time.Time) error
	LatestExecution(ctx context.Context, enrollmentID uint) (*models.Execution, error)
	ApplyTransition(ctx context.Context, t Transition) error
}

// SequenceStore reads sequences and owns enrollment rows.
type SequenceStore interface {
	Sequence(ctx context.Context, id uint) (*models.Sequence, error)
	SetSequenceStatus(ctx context.Context, id uint, status models.SequenceStatus) error
	Enrollment(ctx context.Context, id uint) (*models.Enrollment, error)
	OpenEnrollment(ctx context.Context, sequenceID, leadID uint) (*models.Enrollment, error)
	CreateEnrollment(ctx context.Context, e *models.Enrollment, first *models.Execution) error
}

// MessageLog stores send artifacts.
type MessageLog interface {
	RecordMessage(ctx context.Context, m *models.SentMessage) error
	LastThreadID(ctx context.Context, enrollmentID uint) (string, error)
}

// ActivityStore answers whether a lead had activity of a kind since a timestamp.
type ActivityStore interface {
	HasRecentActivity(ctx context.Context, leadID uint, kind string, since time.Time) (bool, error)
}

// LeadDirectory looks leads up by ID.
type LeadDirectory interface {
	Lead(ctx context.Context, id uint) (*models.Lead, error)
}

// IdentityProvider resolves the mailbox allowed to send for a sequence's owner.
type IdentityProvider interface {
	SendingIdentity(ctx context.Context, seq *models.Sequence) (*models.Sender, error)
}

// Gateway delivers a rendered message through a sender.
type Gateway interface {
	Send(ctx context.Context, sender *models.Sender, email utils.Email) (utils.Receipt, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	ExecutionStore
	SequenceStore
	MessageLog
	ActivityStore
	LeadDirectory
	IdentityProvider
}

// EnrollmentChange is a status change applied to an enrollment in a transition.
type EnrollmentChange struct {
	Status models.EnrollmentStatus
	At     time.Time
	Reason string
}

// ExecutionClose writes the terminal status of the execution being processed.
type ExecutionClose struct {
	ExecutionID uint
	Status      models.ExecutionStatus
	At          time.Time
}

// Reschedule moves a pending execution to a new time.
type Reschedule struct {
	ExecutionID uint
	At          time.Time
}

// Transition is applied atomically by the store.
type Transition struct {
	EnrollmentID uint
	Close        *ExecutionClose
	Reschedule   *Reschedule
	Next         *models.Execution
	Enrollment   *EnrollmentChange
}
