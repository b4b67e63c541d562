package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/LeventeLantos/dispatcher/internal/model"
	"github.com/LeventeLantos/dispatcher/internal/queue"
	"github.com/LeventeLantos/dispatcher/internal/repo"
)

var ErrInvalidRequest = errors.New("invalid dispatch request")

// Request describes one message to admit.
type Request struct {
	Channel        model.Channel `json:"channel" validate:"required,oneof=sms whatsapp email"`
	To             string        `json:"to" validate:"required,max=320"`
	From           string        `json:"from,omitempty" validate:"max=320"`
	Subject        string        `json:"subject,omitempty" validate:"max=998"`
	Content        model.Payload `json:"content"`
	TemplateKey    string        `json:"templateKey,omitempty" validate:"max=255"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty" validate:"max=255"`
	SendAt         *time.Time    `json:"sendAt,omitempty"`
}

func (r Request) content() model.Content {
	return model.Content{
		To:          r.To,
		From:        r.From,
		Subject:     r.Subject,
		TemplateKey: r.TemplateKey,
		Payload:     r.Content,
	}
}

type DispatcherConfig struct {
	// CreateAttempts bounds insert retries while a conflicting writer has not
	// committed yet.
	CreateAttempts int
	// CreateRetryDelay grows linearly between insert attempts.
	CreateRetryDelay time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		CreateAttempts:   3,
		CreateRetryDelay: 20 * time.Millisecond,
	}
}

// Dispatcher admits send requests: it validates them, collapses duplicates on
// the idempotency key and enqueues one job per admission.
type Dispatcher struct {
	messages repo.MessageRepository
	queue    queue.Queue
	observer Observer
	log      *slog.Logger
	validate *validator.Validate
	cfg      DispatcherConfig

	now   func() time.Time
	newID func() (string, error)
}

func NewDispatcher(messages repo.MessageRepository, q queue.Queue, obs Observer, log *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := DefaultDispatcherConfig()
	if cfg.CreateAttempts <= 0 {
		cfg.CreateAttempts = d.CreateAttempts
	}
	if cfg.CreateRetryDelay <= 0 {
		cfg.CreateRetryDelay = d.CreateRetryDelay
	}

	return &Dispatcher{
		messages: messages,
		queue:    q,
		observer: observerOrNop(obs),
		log:      log.With("component", "dispatcher"),
		validate: newValidator(),
		cfg:      cfg,
		now:      storageNow,
		newID:    newMessageID,
	}
}

// Dispatch admits one request and returns the message id. A duplicate key
// returns the existing id without enqueueing anything.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	if err := d.Validate(req); err != nil {
		return "", err
	}
	return d.admit(ctx, req)
}

// DispatchBatch validates every request before admitting any. On a storage
// error it returns the ids admitted so far together with the error.
func (d *Dispatcher) DispatchBatch(ctx context.Context, reqs []Request) ([]string, error) {
	for i, req := range reqs {
		if err := d.Validate(req); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
	}

	ids := make([]string, 0, len(reqs))
	for i, req := range reqs {
		id, err := d.admit(ctx, req)
		if err != nil {
			return ids, fmt.Errorf("request %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (d *Dispatcher) Validate(req Request) error {
	if err := d.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, describeValidation(err))
	}
	return nil
}

func (d *Dispatcher) admit(ctx context.Context, req Request) (string, error) {
	if req.IdempotencyKey != "" {
		existing, err := d.messages.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			return d.reuse(ctx, existing, req)
		case !errors.Is(err, repo.ErrNotFound):
			return "", fmt.Errorf("lookup idempotency key: %w", err)
		}
	}
	return d.create(ctx, req)
}

// reuse handles an existing row for the request's key: active messages are
// returned as is, terminal failures are reset and dispatched again.
func (d *Dispatcher) reuse(ctx context.Context, existing *model.Message, req Request) (string, error) {
	if existing.Status.Active() {
		d.duplicate(ctx, existing)
		return existing.ID, nil
	}

	now := d.now()
	queuedAt := d.queuedAt(req, now)
	m, err := d.messages.Transition(ctx, existing.ID, func(m *model.Message) error {
		if err := m.ResetForRetry(req.content(), now); err != nil {
			return err
		}
		m.QueuedAt = &queuedAt
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrNotResettable) {
			// A concurrent admission reset it first.
			d.duplicate(ctx, existing)
			return existing.ID, nil
		}
		return "", fmt.Errorf("reset message %s: %w", existing.ID, err)
	}

	d.log.Info("message reset for retry", "message_id", m.ID, "channel", m.Channel, "to", model.MaskRecipient(m.To))
	d.enqueue(ctx, m, now)
	d.observer.Observe(ctx, Event{Kind: EventReset, MessageID: m.ID, Channel: m.Channel, Status: m.Status, At: now})
	return m.ID, nil
}

func (d *Dispatcher) create(ctx context.Context, req Request) (string, error) {
	for attempt := 1; ; attempt++ {
		m, err := d.newMessage(req)
		if err != nil {
			return "", err
		}

		err = d.messages.Create(ctx, m)
		if err == nil {
			d.log.Info("message admitted", "message_id", m.ID, "channel", m.Channel, "to", model.MaskRecipient(m.To))
			d.enqueue(ctx, m, m.CreatedAt)
			d.observer.Observe(ctx, Event{Kind: EventAdmitted, MessageID: m.ID, Channel: m.Channel, Status: m.Status, At: m.CreatedAt})
			return m.ID, nil
		}
		if !errors.Is(err, repo.ErrDuplicateKey) {
			return "", fmt.Errorf("create message: %w", err)
		}

		// Another admission won the race for this key.
		winner, ferr := d.messages.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		if ferr == nil {
			return d.reuse(ctx, winner, req)
		}
		if !errors.Is(ferr, repo.ErrNotFound) {
			return "", fmt.Errorf("lookup idempotency key: %w", ferr)
		}
		if attempt >= d.cfg.CreateAttempts {
			return "", fmt.Errorf("create message: key %q conflicts with an uncommitted writer: %w", req.IdempotencyKey, err)
		}

		if err := sleepCtx(ctx, time.Duration(attempt)*d.cfg.CreateRetryDelay); err != nil {
			return "", err
		}
	}
}

func (d *Dispatcher) newMessage(req Request) (*model.Message, error) {
	id, err := d.newID()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	now := d.now()
	queuedAt := d.queuedAt(req, now)
	m := &model.Message{
		ID:          id,
		Channel:     req.Channel,
		To:          req.To,
		From:        req.From,
		Subject:     req.Subject,
		TemplateKey: req.TemplateKey,
		Payload:     req.Content,
		Status:      model.Queued,
		QueuedAt:    &queuedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		m.IdempotencyKey = &key
	}
	return m, nil
}

// queuedAt is when the message becomes due: now, or the requested send time.
func (d *Dispatcher) queuedAt(req Request, now time.Time) time.Time {
	if req.SendAt != nil && req.SendAt.After(now) {
		return req.SendAt.UTC().Truncate(time.Microsecond)
	}
	return now
}

// enqueue hands the admitted message to the queue. A failure is only logged:
// the row is stored in queued and the recovery sweep re-enqueues it.
func (d *Dispatcher) enqueue(ctx context.Context, m *model.Message, now time.Time) {
	job := queue.Job{
		MessageID: m.ID,
		Channel:   m.Channel,
		Attempt:   m.Attempts,
		QueuedAt:  *m.QueuedAt,
	}
	delay := m.QueuedAt.Sub(now)

	if err := d.queue.Enqueue(ctx, job, delay); err != nil {
		d.log.Error("enqueue failed; left for recovery sweep", "message_id", m.ID, "err", err)
	}
}

func (d *Dispatcher) duplicate(ctx context.Context, m *model.Message) {
	d.log.Debug("duplicate admission skipped", "message_id", m.ID, "status", m.Status)
	d.observer.Observe(ctx, Event{Kind: EventDuplicate, MessageID: m.ID, Channel: m.Channel, Status: m.Status, At: d.now()})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateRequest, Request{})
	return v
}

// validateRequest applies the channel-dependent rules.
func validateRequest(sl validator.StructLevel) {
	req := sl.Current().Interface().(Request)
	v := sl.Validator()

	switch req.Channel {
	case model.SMS, model.WhatsApp:
		if req.To != "" && v.Var(req.To, "e164") != nil {
			sl.ReportError(req.To, "To", "to", "e164", "")
		}
	case model.Email:
		if req.To != "" && v.Var(req.To, "email") != nil {
			sl.ReportError(req.To, "To", "to", "email", "")
		}
		if strings.TrimSpace(req.Subject) == "" {
			sl.ReportError(req.Subject, "Subject", "subject", "required_for_email", "")
		}
	}

	if req.Content.Empty() && req.TemplateKey == "" {
		sl.ReportError(req.Content, "Content", "content", "required", "")
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func newMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// storageNow truncates to the precision Postgres keeps so that timestamps
// survive a round trip unchanged.
func storageNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
