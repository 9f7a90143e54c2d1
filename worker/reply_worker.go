package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"sequencer/models"
	"sequencer/utils"
)

// ReplyStore is the persistence the reply worker needs
type ReplyStore interface {
	InboxSenders(ctx context.Context) ([]models.Sender, error)
	SentMessageByMessageID(ctx context.Context, messageIDs []string) (*models.SentMessage, error)
	RecordActivity(ctx context.Context, a *models.LeadActivity) error
	MarkSenderPolled(ctx context.Context, senderID uint, at time.Time, pollErr error) error
}

// Mailbox walks the unseen messages of a sender's inbox. Only messages handle accepts are
// flagged seen; the rest stay unseen for the mailbox owner.
type Mailbox interface {
	Unseen(ctx context.Context, sender *models.Sender, handle func(InboundMessage) bool) error
}

// ReplyWorker turns replies and bounces into lead activity so condition steps can see them
type ReplyWorker struct {
	store    ReplyStore
	mailbox  Mailbox
	interval time.Duration
	now      func() time.Time
	logger   *logrus.Entry
}

func NewReplyWorker(store ReplyStore, mailbox Mailbox, interval time.Duration) *ReplyWorker {
	return &ReplyWorker{
		store:    store,
		mailbox:  mailbox,
		interval: interval,
		now:      time.Now,
		logger:   logrus.WithField("worker", "reply"),
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.logger.Println("Starting reply worker...")
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rw.PollAll(ctx)
		case <-ctx.Done():
			rw.logger.Println("Stopping reply worker...")
			return
		}
	}
}

// PollAll polls every inbox once. One sender failing does not stop the others.
func (rw *ReplyWorker) PollAll(ctx context.Context) int {
	senders, err := rw.store.InboxSenders(ctx)
	if err != nil {
		utils.LogError("inbox_senders_fetch_failed", err, nil)
		return 0
	}

	total := 0
	for i := range senders {
		sender := &senders[i]
		n, pollErr := rw.Poll(ctx, sender)
		total += n
		if pollErr != nil {
			utils.LogError("inbox_poll_failed", pollErr, map[string]interface{}{"sender_id": sender.ID})
		}
		if err := rw.store.MarkSenderPolled(ctx, sender.ID, rw.now(), pollErr); err != nil {
			rw.logger.WithError(err).WithField("sender_id", sender.ID).Warn("Failed to record poll")
		}
	}
	return total
}

// Poll processes one inbox and returns the number of messages correlated to a sent message.
func (rw *ReplyWorker) Poll(ctx context.Context, sender *models.Sender) (int, error) {
	matched := 0
	err := rw.mailbox.Unseen(ctx, sender, func(msg InboundMessage) bool {
		ok, err := rw.Handle(ctx, sender, msg)
		if err != nil {
			rw.logger.WithError(err).WithField("message_id", msg.MessageID).Warn("Failed to process inbound message")
			return false
		}
		if ok {
			matched++
		}
		return ok
	})
	return matched, err
}

// Handle records a replied or bounced activity when msg references a message we sent.
func (rw *ReplyWorker) Handle(ctx context.Context, sender *models.Sender, msg InboundMessage) (bool, error) {
	sent, err := rw.store.SentMessageByMessageID(ctx, msg.Candidates())
	if err != nil {
		return false, err
	}
	if sent == nil {
		return false, nil
	}

	kind := models.ActivityReplied
	if msg.Bounce {
		kind = models.ActivityBounced
	}
	at := msg.Date
	if at.IsZero() {
		at = rw.now()
	}

	senderID := sender.ID
	activity := &models.LeadActivity{
		LeadID:       sent.LeadID,
		SenderID:     &senderID,
		ActivityType: kind,
		ActivityAt:   at,
		Details:      msg.Subject,
	}
	if err := rw.store.RecordActivity(ctx, activity); err != nil {
		return false, fmt.Errorf("failed to record %s activity: %w", kind, err)
	}

	utils.LogEvent("lead_"+kind, map[string]interface{}{
		"lead_id":       sent.LeadID,
		"enrollment_id": sent.EnrollmentID,
		"sender_id":     sender.ID,
	})
	return true, nil
}

// IMAPMailbox reads inboxes over IMAP
type IMAPMailbox struct {
	Timeout time.Duration
}

// unseenCriteria selects unseen messages, bounded to the day before the last poll when there was one.
func unseenCriteria(sender *models.Sender) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	if sender.LastPolledAt != nil {
		criteria.Since = sender.LastPolledAt.Add(-24 * time.Hour)
	}
	return criteria
}

func (m *IMAPMailbox) Unseen(ctx context.Context, sender *models.Sender, handle func(InboundMessage) bool) error {
	password, err := utils.Decrypt(sender.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	imapClient, err := m.dial(sender)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(sender.IMAPUsername, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := "INBOX"
	if sender.IMAPMailbox != "" {
		mailbox = sender.IMAPMailbox
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	uids, err := imapClient.UidSearch(unseenCriteria(sender))
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(uids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	// Peek leaves \Seen alone until a message is accepted.
	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
	}()

	type fetched struct {
		uid uint32
		msg InboundMessage
	}
	var inbound []fetched
	for msg := range messages {
		if ctx.Err() != nil {
			continue
		}
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		parsed, err := ParseInbound(literal)
		if err != nil {
			logrus.WithError(err).WithField("uid", msg.Uid).Warn("Skipping unparsable message")
			continue
		}
		inbound = append(inbound, fetched{uid: msg.Uid, msg: parsed})
	}
	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var accepted []uint32
	for _, f := range inbound {
		if handle(f.msg) {
			accepted = append(accepted, f.uid)
		}
	}
	if len(accepted) == 0 {
		return nil
	}

	seen := new(imap.SeqSet)
	seen.AddNum(accepted...)
	flags := []interface{}{imap.SeenFlag}
	if err := imapClient.UidStore(seen, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return fmt.Errorf("failed to mark messages seen: %w", err)
	}
	return nil
}

func (m *IMAPMailbox) dial(sender *models.Sender) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)
	tlsConfig := &tls.Config{ServerName: sender.IMAPHost}

	var (
		c   *client.Client
		err error
	)
	switch strings.ToUpper(sender.IMAPEncryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			if err = c.StartTLS(tlsConfig); err != nil {
				c.Logout()
			}
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, err
	}
	if m.Timeout > 0 {
		c.Timeout = m.Timeout
	}
	return c, nil
}
