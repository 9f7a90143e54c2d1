package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"

	"sequencer/models"
	"sequencer/utils"
)

// MessageExecutor renders a message step for the lead and sends it through the gateway.
type MessageExecutor struct {
	Gateway    Gateway
	Identities IdentityProvider
	Messages   MessageLog
	Tracker    *utils.Tracker // nil disables open and click tracking
}

func (m *MessageExecutor) Execute(ctx context.Context, job Job) (Outcome, error) {
	lead := job.Lead
	to := strings.TrimSpace(lead.Email)
	if to == "" {
		return Outcome{}, fmt.Errorf("%w: lead %d has no delivery address", ErrUndeliverable, lead.ID)
	}
	if err := checkmail.ValidateFormat(to); err != nil {
		return Outcome{}, fmt.Errorf("%w: lead %d address %q: %v", ErrUndeliverable, lead.ID, to, err)
	}
	if !lead.Contactable() {
		return Outcome{}, fmt.Errorf("%w: lead %d is bounced, unsubscribed or marked do-not-contact", ErrUndeliverable, lead.ID)
	}

	sender, err := m.Identities.SendingIdentity(ctx, job.Sequence)
	if err != nil {
		return Outcome{}, err
	}

	threadID, err := m.Messages.LastThreadID(ctx, job.Enrollment.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to look up thread: %w", err)
	}

	trackingID := uuid.NewString()
	profile := ProfileOf(lead)
	email := utils.Email{
		MessageID: utils.MessageIDFor(trackingID, sender.FromEmail),
		From:      sender.FromEmail,
		FromName:  sender.FromName,
		To:        to,
		Subject:   Render(job.Step.Subject, profile),
		Body:      Render(job.Step.Body, profile),
		ThreadID:  threadID,
	}
	if m.Tracker != nil {
		email.Body = m.Tracker.Inject(email.Body, trackingID)
	}

	receipt, err := m.Gateway.Send(ctx, sender, email)
	if errors.Is(err, utils.ErrRateLimited) || errors.Is(err, utils.ErrLimiterUnavailable) {
		return Outcome{}, fmt.Errorf("%w: %v", ErrDeferred, err)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("send failed: %w", err)
	}

	sent := &models.SentMessage{
		ExecutionID:  job.Execution.ID,
		EnrollmentID: job.Enrollment.ID,
		LeadID:       lead.ID,
		SenderID:     sender.ID,
		MessageID:    receipt.MessageID,
		TrackingID:   trackingID,
		ThreadID:     receipt.ThreadID,
		Subject:      email.Subject,
		SentAt:       job.Now,
	}
	// The send already happened, so the step stays sent.
	if err := m.Messages.RecordMessage(ctx, sent); err != nil {
		utils.LogError("sent_message_record_failed", err, map[string]interface{}{
			"execution_id": job.Execution.ID,
			"message_id":   receipt.MessageID,
		})
	}

	return Outcome{Status: models.ExecutionSent}, nil
}
