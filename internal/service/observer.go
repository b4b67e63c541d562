package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/LeventeLantos/dispatcher/internal/model"
)

type EventKind string

const (
	EventAdmitted        EventKind = "admitted"
	EventDuplicate       EventKind = "duplicate"
	EventReset           EventKind = "reset"
	EventAttempt         EventKind = "attempt"
	EventSent            EventKind = "sent"
	EventDelivered       EventKind = "delivered"
	EventRetryScheduled  EventKind = "retry_scheduled"
	EventUndeliverable   EventKind = "undeliverable"
	EventDeadLettered    EventKind = "dead_lettered"
	EventReplayed        EventKind = "replayed"
	EventReconciled      EventKind = "reconciled"
	EventCircuitRejected EventKind = "circuit_rejected"
)

// Event is published after the state change it describes has been stored.
type Event struct {
	Kind      EventKind
	MessageID string
	Channel   model.Channel
	Provider  string
	Status    model.Status
	Attempt   int
	ErrorCode string
	Delay     time.Duration
	At        time.Time
}

type Observer interface {
	Observe(ctx context.Context, ev Event)
}

type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// Observers fans an event out to every member in order.
type Observers []Observer

func (o Observers) Observe(ctx context.Context, ev Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(ctx, ev)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Observe(context.Context, Event) {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}

// LogObserver writes an audit line per event.
type LogObserver struct {
	log *slog.Logger
}

func NewLogObserver(log *slog.Logger) *LogObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LogObserver{log: log.With("component", "audit")}
}

func (o *LogObserver) Observe(ctx context.Context, ev Event) {
	attrs := []any{
		"event", string(ev.Kind),
		"message_id", ev.MessageID,
		"channel", string(ev.Channel),
	}
	if ev.Provider != "" {
		attrs = append(attrs, "provider", ev.Provider)
	}
	if ev.Status != "" {
		attrs = append(attrs, "status", string(ev.Status))
	}
	if ev.Attempt > 0 {
		attrs = append(attrs, "attempt", ev.Attempt)
	}
	if ev.ErrorCode != "" {
		attrs = append(attrs, "error_code", ev.ErrorCode)
	}
	if ev.Delay > 0 {
		attrs = append(attrs, "delay_ms", ev.Delay.Milliseconds())
	}

	level := slog.LevelInfo
	switch ev.Kind {
	case EventDeadLettered, EventCircuitRejected:
		level = slog.LevelWarn
	case EventAttempt, EventDuplicate:
		level = slog.LevelDebug
	}
	o.log.Log(ctx, level, "message event", attrs...)
}
