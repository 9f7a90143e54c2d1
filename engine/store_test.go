package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sequencer/models"
	"sequencer/utils"
)

// memStore is an in-memory Store with the same claim and transition rules as the database one.
type memStore struct {
	mu          sync.Mutex
	nextID      uint
	sequences   map[uint]*models.Sequence
	enrollments map[uint]*models.Enrollment
	executions  []*models.Execution
	leads       map[uint]*models.Lead
	senders     []*models.Sender
	activities  []models.LeadActivity
	messages    []*models.SentMessage

	applyErr  error // returned by ApplyTransition when set
	recordErr error // returned by RecordMessage when set
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		nextID:      100,
		sequences:   make(map[uint]*models.Sequence),
		enrollments: make(map[uint]*models.Enrollment),
		leads:       make(map[uint]*models.Lead),
	}
}

func (m *memStore) id() uint {
	m.nextID++
	return m.nextID
}

// addSequence stores an active sequence. Steps keep the IDs they were given.
func (m *memStore) addSequence(steps ...models.Step) *models.Sequence {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := &models.Sequence{UserID: 1, Name: "seq", Status: models.SequenceActive}
	seq.ID = m.id()
	for i := range steps {
		steps[i].SequenceID = seq.ID
	}
	seq.Steps = steps
	m.sequences[seq.ID] = seq
	return seq
}

func (m *memStore) addLead(lead models.Lead) *models.Lead {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lead.ID == 0 {
		lead.ID = m.id()
	}
	m.leads[lead.ID] = &lead
	return &lead
}

func (m *memStore) addSender(sender models.Sender) *models.Sender {
	m.mu.Lock()
	defer m.mu.Unlock()
	sender.ID = m.id()
	m.senders = append(m.senders, &sender)
	return &sender
}

func (m *memStore) addActivity(leadID uint, kind string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = append(m.activities, models.LeadActivity{LeadID: leadID, ActivityType: kind, ActivityAt: at})
}

// executionsOf returns copies of an enrollment's executions in creation order.
func (m *memStore) executionsOf(enrollmentID uint) []models.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Execution
	for _, e := range m.executions {
		if e.EnrollmentID == enrollmentID {
			out = append(out, *e)
		}
	}
	return out
}

func (m *memStore) enrollment(id uint) models.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.enrollments[id]
}

func (m *memStore) execution(id uint) *models.Execution {
	for _, e := range m.executions {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (m *memStore) DueExecutions(_ context.Context, now time.Time, limit int) ([]models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.Execution
	for _, e := range m.executions {
		enr := m.enrollments[e.EnrollmentID]
		if e.Status == models.ExecutionPending && !e.ScheduledAt.After(now) && enr != nil && enr.Status == models.EnrollmentActive {
			due = append(due, *e)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memStore) ClaimExecution(_ context.Context, id uint, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.execution(id)
	if e == nil || e.Status != models.ExecutionPending {
		return false, nil
	}
	for _, other := range m.executions {
		if other.EnrollmentID == e.EnrollmentID && other.Status == models.ExecutionProcessing {
			return false, nil
		}
	}
	e.Status = models.ExecutionProcessing
	e.ClaimedAt = utils.Pointer(now)
	e.Attempts++
	return true, nil
}

func (m *memStore) ReclaimStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.executions {
		if e.Status == models.ExecutionProcessing && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = models.ExecutionPending
			e.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memStore) FailExecution(_ context.Context, id uint, message string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.execution(id)
	if e == nil || e.Status != models.ExecutionProcessing {
		return ErrClaimLost
	}
	e.Status = models.ExecutionFailed
	e.ErrorMessage = utils.Pointer(message)
	e.ExecutedAt = utils.Pointer(now)
	return nil
}

func (m *memStore) DeferExecution(_ context.Context, id uint, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.execution(id)
	if e == nil || e.Status != models.ExecutionProcessing {
		return ErrClaimLost
	}
	e.Status = models.ExecutionPending
	e.ScheduledAt = until
	e.ClaimedAt = nil
	return nil
}

func (m *memStore) LatestExecution(_ context.Context, enrollmentID uint) (*models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Execution
	for _, e := range m.executions {
		if e.EnrollmentID == enrollmentID && (latest == nil || e.ID > latest.ID) {
			latest = e
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) ApplyTransition(_ context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}

	// Check every precondition before writing anything.
	var closing, rescheduled *models.Execution
	if t.Close != nil {
		closing = m.execution(t.Close.ExecutionID)
		if closing == nil || closing.Status != models.ExecutionProcessing {
			return ErrClaimLost
		}
	}
	if t.Reschedule != nil {
		rescheduled = m.execution(t.Reschedule.ExecutionID)
		if rescheduled == nil || rescheduled.Status != models.ExecutionPending {
			return ErrNotResumable
		}
	}
	enr := m.enrollments[t.EnrollmentID]
	if t.Enrollment != nil && enr == nil {
		return ErrNotFound
	}

	if closing != nil {
		closing.Status = t.Close.Status
		closing.ExecutedAt = utils.Pointer(t.Close.At)
	}
	if rescheduled != nil {
		rescheduled.ScheduledAt = t.Reschedule.At
	}
	if t.Next != nil {
		next := *t.Next
		if next.EnrollmentID == 0 {
			next.EnrollmentID = t.EnrollmentID
		}
		next.ID = m.id()
		m.executions = append(m.executions, &next)
	}
	if c := t.Enrollment; c != nil {
		enr.Status = c.Status
		switch c.Status {
		case models.EnrollmentCompleted:
			enr.CompletedAt = utils.Pointer(c.At)
		case models.EnrollmentPaused:
			enr.PausedAt = utils.Pointer(c.At)
			enr.PauseReason = c.Reason
		case models.EnrollmentActive:
			enr.PausedAt = nil
			enr.PauseReason = ""
		}
	}
	return nil
}

func (m *memStore) Sequence(_ context.Context, id uint) (*models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequences[id]
	if !ok {
		return nil, fmt.Errorf("%w: sequence %d", ErrNotFound, id)
	}
	cp := *seq
	cp.Steps = append([]models.Step(nil), seq.Steps...)
	sort.SliceStable(cp.Steps, func(i, j int) bool { return cp.Steps[i].OrderPosition < cp.Steps[j].OrderPosition })
	return &cp, nil
}

func (m *memStore) SetSequenceStatus(_ context.Context, id uint, status models.SequenceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequences[id]
	if !ok {
		return ErrNotFound
	}
	seq.Status = status
	return nil
}

func (m *memStore) Enrollment(_ context.Context, id uint) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, fmt.Errorf("%w: enrollment %d", ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) OpenEnrollment(_ context.Context, sequenceID, leadID uint) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.enrollments {
		if e.SequenceID == sequenceID && e.LeadID == leadID && e.Status != models.EnrollmentCompleted {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

// CreateEnrollment enforces the open enrollment index like the database does.
func (m *memStore) CreateEnrollment(_ context.Context, e *models.Enrollment, first *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.enrollments {
		if other.SequenceID == e.SequenceID && other.LeadID == e.LeadID && other.Status != models.EnrollmentCompleted {
			return fmt.Errorf("%w: lead %d in sequence %d", ErrAlreadyEnrolled, e.LeadID, e.SequenceID)
		}
	}
	e.ID = m.id()
	cp := *e
	m.enrollments[e.ID] = &cp
	first.EnrollmentID = e.ID
	first.ID = m.id()
	exec := *first
	m.executions = append(m.executions, &exec)
	return nil
}

func (m *memStore) RecordMessage(_ context.Context, msg *models.SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	msg.ID = m.id()
	m.messages = append(m.messages, msg)
	m.activities = append(m.activities, models.LeadActivity{LeadID: msg.LeadID, ActivityType: models.ActivitySent, ActivityAt: msg.SentAt})
	return nil
}

func (m *memStore) LastThreadID(_ context.Context, enrollmentID uint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].EnrollmentID == enrollmentID {
			return m.messages[i].ThreadID, nil
		}
	}
	return "", nil
}

func (m *memStore) HasRecentActivity(_ context.Context, leadID uint, kind string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.activities {
		if a.LeadID == leadID && a.ActivityType == kind && !a.ActivityAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) Lead(_ context.Context, id uint) (*models.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lead, ok := m.leads[id]
	if !ok {
		return nil, fmt.Errorf("%w: lead %d", ErrNotFound, id)
	}
	cp := *lead
	return &cp, nil
}

func (m *memStore) SendingIdentity(_ context.Context, seq *models.Sequence) (*models.Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.senders {
		if s.IsActive && s.UserID == seq.UserID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNoIdentity
}

// fakeGateway records sends and fails for addresses listed in failFor.
type fakeGateway struct {
	mu      sync.Mutex
	sent    []utils.Email
	failFor map[string]error
}

func (g *fakeGateway) Send(_ context.Context, _ *models.Sender, email utils.Email) (utils.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failFor[email.To]; err != nil {
		return utils.Receipt{}, err
	}
	g.sent = append(g.sent, email)
	thread := email.ThreadID
	if thread == "" {
		thread = email.MessageID
	}
	return utils.Receipt{MessageID: email.MessageID, ThreadID: thread}, nil
}

func (g *fakeGateway) emails() []utils.Email {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]utils.Email(nil), g.sent...)
}

var errSMTPDown = errors.New("smtp: 554 transaction failed")

// clock is a settable time source for schedulers under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Step builders with explicit IDs
func messageStep(id uint, pos int, subject, body string) models.Step {
	s := models.Step{OrderPosition: pos, Kind: models.StepMessage, Subject: subject, Body: body}
	s.ID = id
	return s
}

func waitStep(id uint, pos int, duration int, unit string) models.Step {
	s := models.Step{OrderPosition: pos, Kind: models.StepWait, WaitDuration: duration, WaitUnit: unit}
	s.ID = id
	return s
}

func conditionStep(id uint, pos int, condition string, onTrue, onFalse *uint) models.Step {
	s := models.Step{OrderPosition: pos, Kind: models.StepCondition, ConditionType: condition, TrueNextStepID: onTrue, FalseNextStepID: onFalse}
	s.ID = id
	return s
}
