package model

import (
	"errors"
	"time"
)

type Channel string

const (
	SMS      Channel = "sms"
	WhatsApp Channel = "whatsapp"
	Email    Channel = "email"
)

var Channels = []Channel{SMS, WhatsApp, Email}

func (c Channel) Valid() bool {
	switch c {
	case SMS, WhatsApp, Email:
		return true
	}
	return false
}

type Status string

const (
	Queued        Status = "queued"
	Sending       Status = "sending"
	Sent          Status = "sent"
	Delivered     Status = "delivered"
	Failed        Status = "failed"
	Undeliverable Status = "undeliverable"
)

// rank orders statuses for the callback non-regression guard.
func (s Status) rank() int {
	switch s {
	case Queued:
		return 0
	case Sending:
		return 1
	case Sent:
		return 2
	case Failed:
		return 3
	case Delivered, Undeliverable:
		return 4
	}
	return -1
}

func (s Status) Valid() bool { return s.rank() >= 0 }

// Active reports whether a message in this status must not be re-admitted.
func (s Status) Active() bool {
	switch s {
	case Queued, Sending, Sent, Delivered:
		return true
	}
	return false
}

// TerminalFailure reports whether re-dispatch may reset the message.
func (s Status) TerminalFailure() bool {
	return s == Failed || s == Undeliverable
}

var (
	ErrStaleJob        = errors.New("job does not match current message attempt")
	ErrAlreadyFinal    = errors.New("message already reached a final status")
	ErrStaleTransition = errors.New("status transition would regress message")
	ErrNotResettable   = errors.New("message is not in a terminal failure status")
)

// Payload is the opaque structured body sent to providers.
type Payload struct {
	Text         string            `json:"text,omitempty"`
	HTML         string            `json:"html,omitempty"`
	MediaURLs    []string          `json:"mediaUrls,omitempty"`
	TemplateData map[string]any    `json:"templateData,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (p Payload) Empty() bool {
	return p.Text == "" && p.HTML == "" && len(p.MediaURLs) == 0 && len(p.TemplateData) == 0
}

type Message struct {
	ID                string     `json:"id"`
	Channel           Channel    `json:"channel"`
	To                string     `json:"to"`
	From              string     `json:"from,omitempty"`
	Subject           string     `json:"subject,omitempty"`
	TemplateKey       string     `json:"templateKey,omitempty"`
	Payload           Payload    `json:"payload"`
	Status            Status     `json:"status"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	ErrorCode         *string    `json:"errorCode,omitempty"`
	ErrorMessage      *string    `json:"errorMessage,omitempty"`
	Attempts          int        `json:"attempts"`
	IdempotencyKey    *string    `json:"idempotencyKey,omitempty"`
	QueuedAt          *time.Time `json:"queuedAt,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	FailedAt          *time.Time `json:"failedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Content is the re-dispatchable part of a message.
type Content struct {
	To          string  `json:"to"`
	From        string  `json:"from,omitempty"`
	Subject     string  `json:"subject,omitempty"`
	TemplateKey string  `json:"templateKey,omitempty"`
	Payload     Payload `json:"payload"`
}

// BeginAttempt moves the message into sending for the next attempt.
// expectedAttempts is the attempt count the job was enqueued with; a mismatch
// means a duplicate or superseded delivery. A message stuck in sending since
// before staleBefore may be picked up again.
func (m *Message) BeginAttempt(expectedAttempts int, staleBefore, now time.Time) error {
	switch m.Status {
	case Sent, Delivered, Undeliverable:
		return ErrAlreadyFinal
	case Sending:
		if !m.UpdatedAt.Before(staleBefore) {
			return ErrStaleJob
		}
	}
	if m.Attempts != expectedAttempts {
		return ErrStaleJob
	}

	m.Attempts++
	m.Status = Sending
	m.UpdatedAt = now
	return nil
}

// SameCycle reports whether a job stamped with queuedAt belongs to the
// current admission cycle. Reset and replay restamp QueuedAt, which turns
// jobs left over from an earlier cycle stale. A zero stamp matches any cycle.
func (m *Message) SameCycle(queuedAt time.Time) bool {
	if queuedAt.IsZero() {
		return true
	}
	return m.QueuedAt != nil && m.QueuedAt.Equal(queuedAt)
}

// ApplyResult records the outcome of the attempt in flight. A callback that
// already advanced the message further wins over the job's result status, but
// the provider id is still kept.
func (m *Message) ApplyResult(res SendResult, now time.Time) {
	if res.ProviderMessageID != "" && m.ProviderMessageID == nil {
		id := res.ProviderMessageID
		m.ProviderMessageID = &id
	}
	m.UpdatedAt = now

	if m.Status != Sending && res.Status.rank() <= m.Status.rank() {
		return
	}

	m.Status = res.Status
	switch res.Status {
	case Sent:
		m.SentAt = &now
		m.clearError()
	case Delivered:
		if m.SentAt == nil {
			m.SentAt = &now
		}
		m.DeliveredAt = &now
		m.clearError()
	case Failed, Undeliverable:
		m.FailedAt = &now
		m.setError(res.ErrorCode, res.ErrorMessage)
	}
}

// ApplyCallback applies a provider-reported status. It never moves a message
// backwards and never leaves delivered or undeliverable.
func (m *Message) ApplyCallback(status Status, errCode, errMsg string, now time.Time) error {
	if !status.Valid() {
		return ErrStaleTransition
	}
	if status == m.Status {
		return nil
	}
	if m.Status == Delivered || m.Status == Undeliverable || status.rank() < m.Status.rank() {
		return ErrStaleTransition
	}

	m.Status = status
	m.UpdatedAt = now
	switch status {
	case Sent:
		m.SentAt = &now
	case Delivered:
		if m.SentAt == nil {
			m.SentAt = &now
		}
		m.DeliveredAt = &now
		m.clearError()
	case Failed, Undeliverable:
		m.FailedAt = &now
		m.setError(errCode, errMsg)
	}
	return nil
}

// ResetForRetry re-opens a terminally failed message for a new attempt cycle.
func (m *Message) ResetForRetry(c Content, now time.Time) error {
	if !m.Status.TerminalFailure() {
		return ErrNotResettable
	}

	m.To = c.To
	m.From = c.From
	m.Subject = c.Subject
	m.TemplateKey = c.TemplateKey
	m.Payload = c.Payload

	m.Status = Queued
	m.ProviderMessageID = nil
	m.ErrorCode = nil
	m.ErrorMessage = nil
	m.Attempts = 0
	m.SentAt = nil
	m.DeliveredAt = nil
	m.FailedAt = nil
	m.QueuedAt = &now
	m.UpdatedAt = now
	return nil
}

// MarkExhausted fails the message terminally after an unrecoverable job error.
func (m *Message) MarkExhausted(code, msg string, now time.Time) {
	m.Status = Failed
	m.FailedAt = &now
	m.UpdatedAt = now
	m.setError(code, msg)
}

func (m *Message) Content() Content {
	return Content{
		To:          m.To,
		From:        m.From,
		Subject:     m.Subject,
		TemplateKey: m.TemplateKey,
		Payload:     m.Payload,
	}
}

func (m *Message) setError(code, msg string) {
	m.ErrorCode = nil
	m.ErrorMessage = nil
	if code != "" {
		m.ErrorCode = &code
	}
	if msg != "" {
		m.ErrorMessage = &msg
	}
}

func (m *Message) clearError() {
	m.ErrorCode = nil
	m.ErrorMessage = nil
}

// MaskRecipient keeps the last four characters of an address for logs.
func MaskRecipient(to string) string {
	const keep = 4
	if len(to) <= keep {
		return "****"
	}
	return "****" + to[len(to)-keep:]
}
