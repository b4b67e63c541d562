package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/LeventeLantos/dispatcher/internal/backoff"
	"github.com/LeventeLantos/dispatcher/internal/breaker"
	"github.com/LeventeLantos/dispatcher/internal/cache"
	"github.com/LeventeLantos/dispatcher/internal/model"
	"github.com/LeventeLantos/dispatcher/internal/queue"
	"github.com/LeventeLantos/dispatcher/internal/repo"
)

// Sender delivers one message through a provider. Transport problems are
// returned as errors; provider answers are classified into a SendResult.
type Sender interface {
	Provider() string
	Send(ctx context.Context, m *model.Message) (model.SendResult, error)
}

type RetryPolicy struct {
	MaxAttempts int
	Backoff     backoff.Strategy
}

type ProcessorConfig struct {
	Retry map[model.Channel]RetryPolicy
	// JobTimeout bounds a single send attempt. Zero disables it.
	JobTimeout time.Duration
	// StaleAfter is how long a message may sit in sending before another
	// job may take it over.
	StaleAfter time.Duration
	// RequeueDelay is used when a job could not even start its attempt.
	RequeueDelay time.Duration
}

// Processor runs send jobs: it drives one attempt through the breaker and the
// channel's sender, stores the outcome and decides between retry and dead
// letter.
type Processor struct {
	messages    repo.MessageRepository
	deadLetters repo.DeadLetterRepository
	queue       queue.Queue
	senders     map[model.Channel]Sender
	breakers    *breaker.Registry
	index       cache.ProviderIndex
	observer    Observer
	tracer      trace.Tracer
	log         *slog.Logger
	cfg         ProcessorConfig

	now func() time.Time
}

type ProcessorDeps struct {
	Messages    repo.MessageRepository
	DeadLetters repo.DeadLetterRepository
	Queue       queue.Queue
	Senders     map[model.Channel]Sender
	Breakers    *breaker.Registry
	// Index is optional.
	Index    cache.ProviderIndex
	Observer Observer
	// Tracer defaults to the global provider.
	Tracer trace.Tracer
	Log    *slog.Logger
}

func NewProcessor(deps ProcessorDeps, cfg ProcessorConfig) *Processor {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry(breaker.DefaultSettings())
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/LeventeLantos/dispatcher/internal/service")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 5 * time.Second
	}

	return &Processor{
		messages:    deps.Messages,
		deadLetters: deps.DeadLetters,
		queue:       deps.Queue,
		senders:     deps.Senders,
		breakers:    deps.Breakers,
		index:       deps.Index,
		observer:    observerOrNop(deps.Observer),
		tracer:      deps.Tracer,
		log:         log.With("component", "processor"),
		cfg:         cfg,
		now:         storageNow,
	}
}

// Process runs one job. Duplicate and superseded deliveries are dropped
// without side effects.
func (p *Processor) Process(ctx context.Context, job queue.Job) (err error) {
	ctx, span := p.tracer.Start(ctx, "dispatcher.send_attempt", trace.WithAttributes(
		attribute.String("message.id", job.MessageID),
		attribute.String("message.channel", string(job.Channel)),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	now := p.now()
	m, err := p.messages.Transition(ctx, job.MessageID, func(m *model.Message) error {
		if !m.SameCycle(job.QueuedAt) {
			return model.ErrStaleJob
		}
		return m.BeginAttempt(job.Attempt, now.Add(-p.cfg.StaleAfter), now)
	})
	switch {
	case errors.Is(err, model.ErrStaleJob), errors.Is(err, model.ErrAlreadyFinal), errors.Is(err, repo.ErrNotFound):
		p.log.Debug("dropping stale job", "message_id", job.MessageID, "attempt", job.Attempt, "reason", err)
		return nil
	case err != nil:
		if qerr := p.queue.Enqueue(ctx, job, p.cfg.RequeueDelay); qerr != nil {
			err = errors.Join(err, qerr)
		}
		return fmt.Errorf("begin attempt for %s: %w", job.MessageID, err)
	}

	span.SetAttributes(attribute.Int("message.attempts", m.Attempts))
	p.observer.Observe(ctx, Event{Kind: EventAttempt, MessageID: m.ID, Channel: m.Channel, Attempt: m.Attempts, At: now})

	defer func() {
		if r := recover(); r != nil {
			err = p.abandon(ctx, m, fmt.Sprintf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	res, provider := p.attempt(ctx, m)
	span.SetAttributes(attribute.String("send.status", string(res.Status)))

	if err := p.record(ctx, m, res, provider, job); err != nil {
		return p.abandon(ctx, m, err.Error())
	}
	return nil
}

// attempt makes the provider call unless the breaker rejects it. Rejected
// attempts are not reported back to the breaker.
func (p *Processor) attempt(ctx context.Context, m *model.Message) (model.SendResult, string) {
	sender, ok := p.senders[m.Channel]
	if !ok {
		return model.FailedResult(model.CodeNoSender, fmt.Sprintf("no sender configured for channel %s", m.Channel)), ""
	}

	provider := sender.Provider()
	key := breaker.Key(provider, string(m.Channel))
	br := p.breakers.Get(key)

	ticket, ok := br.Allow()
	if !ok {
		p.observer.Observe(ctx, Event{Kind: EventCircuitRejected, MessageID: m.ID, Channel: m.Channel, Provider: provider, Attempt: m.Attempts, At: p.now()})
		return model.FailedResult(model.CodeCircuitOpen, fmt.Sprintf("circuit %s is open", key)), provider
	}

	reported := false
	defer func() {
		// A panicking sender still releases its breaker slot.
		if !reported {
			br.RecordFailure(ticket)
		}
	}()

	sendCtx := ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	res, err := sender.Send(sendCtx, m)
	res = classify(sendCtx, res, err)

	reported = true
	if res.Status == model.Failed {
		br.RecordFailure(ticket)
	} else {
		br.RecordSuccess(ticket)
	}
	return res, provider
}

func classify(ctx context.Context, res model.SendResult, err error) model.SendResult {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.FailedResult(model.CodeTimeout, err.Error())
		}
		return model.FailedResult(model.CodeSendError, err.Error())
	}

	switch res.Status {
	case model.Sent, model.Delivered, model.Failed, model.Undeliverable:
		return res
	}
	return model.FailedResult(model.CodeSendError, fmt.Sprintf("sender returned unexpected status %q", res.Status))
}

// record stores the attempt's outcome and schedules what follows it.
func (p *Processor) record(ctx context.Context, m *model.Message, res model.SendResult, provider string, job queue.Job) error {
	now := p.now()
	updated, err := p.messages.Transition(ctx, m.ID, func(cur *model.Message) error {
		if cur.Attempts != m.Attempts {
			return model.ErrStaleJob
		}
		cur.ApplyResult(res, now)
		return nil
	})
	if errors.Is(err, model.ErrStaleJob) {
		p.log.Warn("attempt superseded before its result was stored", "message_id", m.ID, "attempt", m.Attempts)
		return nil
	}
	if err != nil {
		return fmt.Errorf("store result for %s: %w", m.ID, err)
	}

	ev := Event{MessageID: updated.ID, Channel: updated.Channel, Provider: provider, Status: updated.Status, Attempt: updated.Attempts, ErrorCode: res.ErrorCode, At: now}

	if res.Succeeded() && res.ProviderMessageID != "" && p.index != nil && provider != "" {
		if err := p.index.StoreSent(ctx, provider, res.ProviderMessageID, updated.ID, now); err != nil {
			p.log.Warn("provider index write failed", "message_id", updated.ID, "err", err)
		}
	}

	switch res.Status {
	case model.Sent:
		ev.Kind = EventSent
	case model.Delivered:
		ev.Kind = EventDelivered
	case model.Undeliverable:
		ev.Kind = EventUndeliverable
	case model.Failed:
		if updated.Status != model.Failed {
			// A callback already settled the message.
			return nil
		}
		return p.failed(ctx, updated, job, ev)
	}
	p.observer.Observe(ctx, ev)
	return nil
}

func (p *Processor) failed(ctx context.Context, m *model.Message, job queue.Job, ev Event) error {
	policy := p.policy(m.Channel)

	if m.Attempts >= policy.MaxAttempts {
		return p.deadLetter(ctx, m, nil)
	}

	delay := policy.Backoff.Next(m.Attempts-1, job.PrevDelay)
	next := queue.Job{
		MessageID: m.ID,
		Channel:   m.Channel,
		Attempt:   m.Attempts,
		PrevDelay: delay,
		QueuedAt:  job.QueuedAt,
	}
	if err := p.queue.Enqueue(ctx, next, delay); err != nil {
		return fmt.Errorf("schedule retry for %s: %w", m.ID, err)
	}

	p.log.Info("retry scheduled", "message_id", m.ID, "attempt", m.Attempts, "delay_ms", delay.Milliseconds(), "error_code", ev.ErrorCode)
	ev.Kind = EventRetryScheduled
	ev.Delay = delay
	p.observer.Observe(ctx, ev)
	return nil
}

// abandon fails the message for good after an error the job could not
// handle, and dead-letters it with the diagnostic.
func (p *Processor) abandon(ctx context.Context, m *model.Message, diag string) error {
	p.log.Error("send job aborted", "message_id", m.ID, "attempt", m.Attempts, "err", diag)

	now := p.now()
	updated, err := p.messages.Transition(ctx, m.ID, func(cur *model.Message) error {
		switch cur.Status {
		case model.Sent, model.Delivered, model.Undeliverable:
			return model.ErrAlreadyFinal
		}
		cur.MarkExhausted(model.CodeJobException, "send job aborted", now)
		return nil
	})
	if errors.Is(err, model.ErrAlreadyFinal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("abandon %s: %w", m.ID, err)
	}
	return p.deadLetter(ctx, updated, &diag)
}

func (p *Processor) deadLetter(ctx context.Context, m *model.Message, lastException *string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate dead letter id: %w", err)
	}

	now := p.now()
	d := &model.DeadLetter{
		ID:            id.String(),
		MessageID:     m.ID,
		Channel:       m.Channel,
		Content:       m.Content(),
		Attempts:      m.Attempts,
		ErrorCode:     deref(m.ErrorCode),
		ErrorMessage:  deref(m.ErrorMessage),
		LastException: lastException,
		CreatedAt:     now,
	}
	if err := p.deadLetters.Insert(ctx, d); err != nil {
		return fmt.Errorf("dead-letter %s: %w", m.ID, err)
	}

	p.log.Warn("message dead-lettered", "message_id", m.ID, "dead_letter_id", d.ID, "attempts", m.Attempts, "error_code", d.ErrorCode)
	p.observer.Observe(ctx, Event{Kind: EventDeadLettered, MessageID: m.ID, Channel: m.Channel, Status: m.Status, Attempt: m.Attempts, ErrorCode: d.ErrorCode, At: now})
	return nil
}

// Recover re-enqueues messages whose job was lost: rows left in queued or
// sending beyond StaleAfter. A stuck row with no attempts left is failed and
// dead-lettered instead.
func (p *Processor) Recover(ctx context.Context, limit int) (int, error) {
	now := p.now()
	olderThan := now.Add(-p.cfg.StaleAfter)

	msgs, err := p.messages.ListRecoverable(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("list recoverable: %w", err)
	}

	n := 0
	for i := range msgs {
		m := &msgs[i]

		if m.Status == model.Sending && m.Attempts >= p.policy(m.Channel).MaxAttempts {
			if err := p.expire(ctx, m, olderThan, now); err != nil {
				return n, err
			}
			n++
			continue
		}

		job := queue.Job{MessageID: m.ID, Channel: m.Channel, Attempt: m.Attempts}
		if m.QueuedAt != nil {
			job.QueuedAt = *m.QueuedAt
		}
		if err := p.queue.Enqueue(ctx, job, 0); err != nil {
			return n, fmt.Errorf("re-enqueue %s: %w", m.ID, err)
		}
		p.log.Info("recovered stale message", "message_id", m.ID, "status", m.Status, "attempts", m.Attempts)
		n++
	}
	return n, nil
}

func (p *Processor) expire(ctx context.Context, m *model.Message, olderThan, now time.Time) error {
	updated, err := p.messages.Transition(ctx, m.ID, func(cur *model.Message) error {
		if cur.Status != model.Sending || !cur.UpdatedAt.Before(olderThan) {
			return model.ErrStaleJob
		}
		cur.MarkExhausted(model.CodeTimeout, "attempt abandoned without a result", now)
		return nil
	})
	if errors.Is(err, model.ErrStaleJob) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("expire %s: %w", m.ID, err)
	}
	return p.deadLetter(ctx, updated, nil)
}

func (p *Processor) policy(ch model.Channel) RetryPolicy {
	pol, ok := p.cfg.Retry[ch]
	if !ok || pol.MaxAttempts <= 0 {
		pol.MaxAttempts = 3
	}
	if pol.Backoff == nil {
		pol.Backoff = &backoff.Exponential{Base: time.Second, Max: time.Minute}
	}
	return pol
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
