package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"sequencer/models"
)

// Email is a rendered message ready for delivery
type Email struct {
	MessageID string // RFC 5322 Message-ID including angle brackets; generated when empty
	From      string
	FromName  string
	To        string
	Subject   string
	Body      string
	ThreadID  string // Message-ID of the thread root; empty starts a new thread
}

// Receipt identifies a delivered message
type Receipt struct {
	MessageID string
	ThreadID  string
}

// MessageIDFor builds a Message-ID from a local id and the sender's address domain.
func MessageIDFor(id, fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", id, domain)
}

// GatewayConfig controls delivery behaviour of the SMTP gateway.
type GatewayConfig struct {
	EncryptionKey string
	Timeout       time.Duration // per attempt
	MaxAttempts   int
	Backoff       time.Duration // first retry delay, doubled per attempt
	Limiter       SendLimiter
}

// Transport hands a message to a sender's SMTP server.
type Transport func(sender *models.Sender, password string, m *gomail.Message) error

// SMTPGateway sends sequence messages through the sender's own SMTP credentials.
type SMTPGateway struct {
	cfg       GatewayConfig
	transport Transport
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewSMTPGateway(cfg GatewayConfig) *SMTPGateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPGateway{cfg: cfg, transport: dialAndSend, sleep: sleepCtx}
}

// WithTransport swaps the SMTP transport.
func (g *SMTPGateway) WithTransport(t Transport) *SMTPGateway {
	g.transport = t
	return g
}

// Send delivers the email, retrying temporary failures with exponential backoff.
// A timed out attempt is not retried: the server may already have accepted the message.
// A refusal from the send limiter is returned at once wrapping ErrRateLimited; nothing was sent.
func (g *SMTPGateway) Send(ctx context.Context, sender *models.Sender, email Email) (Receipt, error) {
	if g.cfg.Limiter != nil {
		if err := g.cfg.Limiter.Allow(ctx, sender.ID); err != nil {
			return Receipt{}, fmt.Errorf("sender %d: %w", sender.ID, err)
		}
	}

	password, err := DecryptWithKey(g.cfg.EncryptionKey, sender.SMTPPassword)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}

	if email.MessageID == "" {
		email.MessageID = MessageIDFor(uuid.NewString(), sender.FromEmail)
	}
	receipt := Receipt{MessageID: email.MessageID, ThreadID: email.ThreadID}
	if receipt.ThreadID == "" {
		receipt.ThreadID = email.MessageID
	}
	m := buildMessage(email)

	var lastErr error
	attempt := 0
	for attempt < g.cfg.MaxAttempts {
		attempt++
		if attempt > 1 {
			backoff := g.cfg.Backoff << (attempt - 2)
			if err := g.sleep(ctx, backoff); err != nil {
				return Receipt{}, err
			}
		}

		lastErr = g.attempt(ctx, sender, password, m)
		if lastErr == nil {
			return receipt, nil
		}
		if !IsTemporaryError(lastErr) {
			break
		}
	}

	return Receipt{}, fmt.Errorf("failed after %d attempts: %w", attempt, lastErr)
}

func (g *SMTPGateway) attempt(ctx context.Context, sender *models.Sender, password string, m *gomail.Message) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- g.transport(sender, password, m) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("smtp %s:%d: %w", sender.SMTPHost, sender.SMTPPort, ctx.Err())
	}
}

func buildMessage(email Email) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", email.From, email.FromName)
	m.SetHeader("To", email.To)
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", email.MessageID)
	if email.ThreadID != "" {
		m.SetHeader("In-Reply-To", email.ThreadID)
		m.SetHeader("References", email.ThreadID)
	}
	m.SetHeader("X-Mailer", "Sequencer/1.0")
	m.SetBody("text/html", email.Body)
	return m
}

func dialAndSend(sender *models.Sender, password string, m *gomail.Message) error {
	dialer := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	dialer.TLSConfig = &tls.Config{ServerName: sender.SMTPHost}
	if strings.EqualFold(sender.Encryption, "SSL") {
		dialer.SSL = true
	}
	if err := dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTemporaryError reports whether a delivery error is worth retrying.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrLimiterUnavailable) {
		return false
	}

	// SMTP reply codes: 4xx is transient, 5xx permanent
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 400 && tpErr.Code < 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	tempErrors := []string{
		"try again",
		"temporary",
		"connection refused",
		"connection reset",
		"421 ",
		"450 ",
		"451 ",
		"452 ",
	}
	for _, tempErr := range tempErrors {
		if strings.Contains(errStr, tempErr) {
			return true
		}
	}

	return false
}
