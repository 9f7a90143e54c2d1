package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sequencer/engine"
	"sequencer/models"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return New(gdb), mock
}

func TestStore_DueExecutions(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "enrollment_id", "step_id", "status", "scheduled_at"}).
		AddRow(1, 10, 100, "pending", now.Add(-time.Hour)).
		AddRow(2, 11, 100, "pending", now)
	mock.ExpectQuery(`SELECT executions\.\* FROM "executions" JOIN enrollments ON enrollments\.id = executions\.enrollment_id .* WHERE \(executions\.status = \$1 AND executions\.scheduled_at <= \$2 AND enrollments\.status = \$3\) .*ORDER BY executions\.scheduled_at ASC, executions\.id ASC LIMIT \$4`).
		WithArgs(models.ExecutionPending, now, models.EnrollmentActive, 50).
		WillReturnRows(rows)

	due, err := s.DueExecutions(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, uint(10), due[0].EnrollmentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ClaimExecution(t *testing.T) {
	s, mock := newMockStore(t)
	claim := `UPDATE "executions" SET .*"status"=.* WHERE \(id = \$\d+ AND status = \$\d+\) AND \(?NOT EXISTS \(SELECT 1 FROM executions AS busy WHERE busy\.enrollment_id = executions\.enrollment_id AND busy\.status = \$\d+`

	mock.ExpectExec(claim).WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.ClaimExecution(context.Background(), 5, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Already claimed by another worker
	mock.ExpectExec(claim).WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = s.ClaimExecution(context.Background(), 5, now)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ReclaimStale(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE "executions" SET .* WHERE \(status = \$\d+ AND claimed_at < \$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.ReclaimStale(context.Background(), now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FailExecutionRequiresClaim(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE "executions" SET .*"error_message"=.* WHERE \(id = \$\d+ AND status = \$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.FailExecution(context.Background(), 5, "boom", now)
	assert.ErrorIs(t, err, engine.ErrClaimLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeferExecution(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE "executions" SET "claimed_at"=.*"scheduled_at"=.*"status"=.* WHERE \(id = \$\d+ AND status = \$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "executions" SET "claimed_at"=.*"scheduled_at"=.*"status"=.*`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.DeferExecution(context.Background(), 5, now.Add(time.Minute)))
	err := s.DeferExecution(context.Background(), 5, now.Add(time.Minute))
	assert.ErrorIs(t, err, engine.ErrClaimLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ApplyTransition(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "executions" SET .* WHERE \(id = \$\d+ AND status = \$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO "executions"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(6))
	mock.ExpectExec(`UPDATE "enrollments" SET "pause_reason"=.*"paused_at"=.*"status"=.* WHERE id = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	next := &models.Execution{StepID: 4, Status: models.ExecutionPending, ScheduledAt: now}
	err := s.ApplyTransition(context.Background(), engine.Transition{
		EnrollmentID: 10,
		Close:        &engine.ExecutionClose{ExecutionID: 5, Status: models.ExecutionSent, At: now},
		Next:         next,
		Enrollment:   &engine.EnrollmentChange{Status: models.EnrollmentPaused, At: now, Reason: "lead replied"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint(6), next.ID)
	assert.Equal(t, uint(10), next.EnrollmentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ApplyTransitionRollsBackLostClaim(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "executions" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.ApplyTransition(context.Background(), engine.Transition{
		EnrollmentID: 10,
		Close:        &engine.ExecutionClose{ExecutionID: 5, Status: models.ExecutionSent, At: now},
		Next:         &models.Execution{StepID: 4, Status: models.ExecutionPending, ScheduledAt: now},
	})
	assert.ErrorIs(t, err, engine.ErrClaimLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LatestExecutionNone(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "executions" WHERE enrollment_id = \$1 .*ORDER BY id DESC`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	exec, err := s.LatestExecution(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, exec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SequenceNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "sequences" WHERE "sequences"\."id" = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.Sequence(context.Background(), 3)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SequencePreloadsOrderedSteps(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "sequences"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "status"}).AddRow(3, 1, "active"))
	mock.ExpectQuery(`SELECT \* FROM "steps" WHERE "steps"\."sequence_id" = \$1 .*ORDER BY order_position ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence_id", "order_position", "kind"}).
			AddRow(8, 3, 1, "message").
			AddRow(9, 3, 2, "wait"))

	seq, err := s.Sequence(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, seq.Steps, 2)
	assert.Equal(t, models.StepWait, seq.Steps[1].Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateEnrollment(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "enrollments"`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
	mock.ExpectQuery(`INSERT INTO "executions"`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
	mock.ExpectCommit()

	e := &models.Enrollment{SequenceID: 3, LeadID: 4, Status: models.EnrollmentActive, StartedAt: now}
	first := &models.Execution{StepID: 8, Status: models.ExecutionPending, ScheduledAt: now}
	require.NoError(t, s.CreateEnrollment(context.Background(), e, first))
	assert.Equal(t, uint(9), first.EnrollmentID)
	assert.Equal(t, uint(21), first.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateEnrollmentLosesRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "enrollments"`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_enrollments_open"})
	mock.ExpectRollback()

	e := &models.Enrollment{SequenceID: 3, LeadID: 4, Status: models.EnrollmentActive, StartedAt: now}
	first := &models.Execution{StepID: 8, Status: models.ExecutionPending, ScheduledAt: now}
	err := s.CreateEnrollment(context.Background(), e, first)
	assert.ErrorIs(t, err, engine.ErrAlreadyEnrolled)
	assert.Zero(t, first.EnrollmentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_HasRecentActivity(t *testing.T) {
	s, mock := newMockStore(t)
	since := now.Add(-72 * time.Hour)
	mock.ExpectQuery(`SELECT count\(\*\) FROM "lead_activities" WHERE \(lead_id = \$1 AND activity_type = \$2 AND activity_at >= \$3\)`).
		WithArgs(4, models.ActivityReplied, since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, err := s.HasRecentActivity(context.Background(), 4, models.ActivityReplied, since)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RecordMessage(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "sent_messages"`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO "lead_activities"`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), uint(4), uint(2), models.ActivitySent, now, "<a@acme.io>").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(`UPDATE "leads" SET "last_contact"=`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "senders" SET .*"sent_today"=sent_today \+ \$\d+.*"total_sent"=total_sent \+ \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RecordMessage(context.Background(), &models.SentMessage{
		ExecutionID: 5, EnrollmentID: 10, LeadID: 4, SenderID: 2,
		MessageID: "<a@acme.io>", TrackingID: "a", ThreadID: "<a@acme.io>", SentAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func senderRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "from_email", "is_active", "daily_limit", "sent_today"})
}

func TestStore_SendingIdentity(t *testing.T) {
	t.Run("configured sender", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "senders" WHERE \(id = \$1 AND user_id = \$2 AND is_active = \$3\)`).
			WillReturnRows(senderRows().AddRow(2, 1, "rep@acme.io", true, 100, 10))

		sender, err := s.SendingIdentity(context.Background(), &models.Sequence{UserID: 1, SenderID: 2})
		require.NoError(t, err)
		assert.Equal(t, uint(2), sender.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exhausted sender rotates", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "senders" WHERE \(id = \$1`).
			WillReturnRows(senderRows().AddRow(2, 1, "rep@acme.io", true, 100, 100))
		mock.ExpectQuery(`SELECT \* FROM "senders" WHERE \(user_id = \$1 AND is_active = \$2\)`).
			WillReturnRows(senderRows().
				AddRow(2, 1, "rep@acme.io", true, 100, 100).
				AddRow(3, 1, "ops@acme.io", true, 100, 40).
				AddRow(4, 1, "cto@acme.io", true, 50, 5))

		sender, err := s.SendingIdentity(context.Background(), &models.Sequence{UserID: 1, SenderID: 2})
		require.NoError(t, err)
		assert.Equal(t, uint(3), sender.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no senders", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "senders" WHERE \(user_id = \$1 AND is_active = \$2\)`).
			WillReturnRows(senderRows())

		_, err := s.SendingIdentity(context.Background(), &models.Sequence{UserID: 1})
		assert.ErrorIs(t, err, engine.ErrNoIdentity)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("all senders at capacity", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "senders"`).
			WillReturnRows(senderRows().AddRow(2, 1, "rep@acme.io", true, 100, 100))

		_, err := s.SendingIdentity(context.Background(), &models.Sequence{UserID: 1})
		assert.ErrorIs(t, err, engine.ErrNoIdentity)
	})
}

func TestStore_RecordActivityBumpsReplyCount(t *testing.T) {
	s, mock := newMockStore(t)
	senderID := uint(2)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "lead_activities"`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(`UPDATE "senders" SET "reply_count"=reply_count \+ \$1`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RecordActivity(context.Background(), &models.LeadActivity{
		LeadID: 4, SenderID: &senderID, ActivityType: models.ActivityReplied, ActivityAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RecordActivityFlagsBouncedLead(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "lead_activities"`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(`UPDATE "leads" SET "is_bounced"=`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RecordActivity(context.Background(), &models.LeadActivity{LeadID: 4, ActivityType: models.ActivityBounced, ActivityAt: now})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
