package worker

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// InboundMessage is the part of a received message needed for correlation
type InboundMessage struct {
	MessageID  string
	InReplyTo  []string
	References []string
	From       string
	Subject    string
	Date       time.Time
	Bounce     bool

	// OriginalMessageID is the Message-ID of the returned message a bounce report carries.
	OriginalMessageID string
}

const maxReturnedHeaders = 64 << 10

// ParseInbound reads the headers of a raw RFC 5322 message.
func ParseInbound(r io.Reader) (InboundMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return InboundMessage{}, fmt.Errorf("failed to create message reader: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	var msg InboundMessage
	msg.MessageID, _ = h.MessageID()
	msg.InReplyTo, _ = h.MsgIDList("In-Reply-To")
	msg.References, _ = h.MsgIDList("References")
	msg.Subject, _ = h.Subject()
	msg.Date, _ = h.Date()

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}

	contentType, params, _ := h.ContentType()
	msg.Bounce = isBounce(msg.From, contentType, params["report-type"])
	if msg.Bounce {
		msg.OriginalMessageID = returnedMessageID(mr)
	}
	return msg, nil
}

// returnedMessageID finds the message/rfc822 or text/rfc822-headers part of a delivery report
// and reads the Message-ID of the original message from it.
func returnedMessageID(mr *mail.Reader) string {
	for {
		p, err := mr.NextPart()
		if err != nil {
			return ""
		}
		mediaType, _, err := mime.ParseMediaType(p.Header.Get("Content-Type"))
		if err != nil {
			continue
		}
		mediaType = strings.ToLower(mediaType)
		if mediaType != "message/rfc822" && mediaType != "text/rfc822-headers" {
			continue
		}

		raw, err := io.ReadAll(io.LimitReader(p.Body, maxReturnedHeaders))
		if err != nil {
			return ""
		}
		if !bytes.Contains(raw, []byte("\n\n")) && !bytes.Contains(raw, []byte("\r\n\r\n")) {
			raw = append(raw, "\r\n\r\n"...)
		}
		inner, err := mail.CreateReader(bytes.NewReader(raw))
		if err != nil {
			return ""
		}
		id, _ := inner.Header.MessageID()
		inner.Close()
		if id != "" {
			return id
		}
	}
}

// Candidates returns the referenced Message-IDs in the bracketed form they were sent with,
// the returned message of a bounce first, then the direct parent.
func (m InboundMessage) Candidates() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		id = strings.Trim(strings.TrimSpace(id), "<>")
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, "<"+id+">")
	}
	add(m.OriginalMessageID)
	for _, id := range m.InReplyTo {
		add(id)
	}
	for i := len(m.References) - 1; i >= 0; i-- {
		add(m.References[i])
	}
	return ids
}

func isBounce(from, contentType, reportType string) bool {
	if strings.EqualFold(contentType, "multipart/report") && strings.EqualFold(reportType, "delivery-status") {
		return true
	}
	local := strings.ToLower(strings.SplitN(from, "@", 2)[0])
	return local == "mailer-daemon" || local == "postmaster"
}
