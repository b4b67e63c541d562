package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/dispatcher/internal/cache"
	"github.com/LeventeLantos/dispatcher/internal/model"
	"github.com/LeventeLantos/dispatcher/internal/repo"
	"github.com/LeventeLantos/dispatcher/internal/webhook"
)

// CallbackMeta carries the optional parts of a provider callback.
type CallbackMeta struct {
	// MessageID is our own id when the provider echoes it back.
	MessageID    string
	ErrorCode    string
	ErrorMessage string
}

// Reconciler applies verified provider callbacks to messages.
type Reconciler struct {
	messages repo.MessageRepository
	index    cache.ProviderIndex
	observer Observer
	log      *slog.Logger

	now func() time.Time
}

func NewReconciler(messages repo.MessageRepository, index cache.ProviderIndex, obs Observer, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		messages: messages,
		index:    index,
		observer: observerOrNop(obs),
		log:      log.With("component", "reconciler"),
		now:      storageNow,
	}
}

// Reconcile maps the provider event and applies it. Untracked messages,
// informational events and regressive transitions are ignored.
func (r *Reconciler) Reconcile(ctx context.Context, provider, externalID, eventType string, meta CallbackMeta) error {
	status, ok := webhook.Map(provider, eventType)
	if !ok {
		r.log.Debug("ignoring callback event", "provider", provider, "event", eventType)
		return nil
	}

	id, byProviderID, err := r.locate(ctx, provider, externalID, meta.MessageID)
	if errors.Is(err, repo.ErrNotFound) {
		r.log.Debug("callback for untracked message", "provider", provider, "external_id", externalID)
		return nil
	}
	if err != nil {
		return err
	}

	now := r.now()
	m, err := r.messages.Transition(ctx, id, func(m *model.Message) error {
		// The index outlives a reset, so the row must still carry this provider id.
		if byProviderID && (m.ProviderMessageID == nil || *m.ProviderMessageID != externalID) {
			return model.ErrStaleTransition
		}
		return m.ApplyCallback(status, meta.ErrorCode, meta.ErrorMessage, now)
	})
	switch {
	case errors.Is(err, model.ErrStaleTransition):
		r.log.Debug("dropping regressive callback", "message_id", id, "event", eventType, "status", status)
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("apply callback to %s: %w", id, err)
	}

	ev := Event{Kind: EventReconciled, MessageID: m.ID, Channel: m.Channel, Provider: provider, Status: m.Status, ErrorCode: meta.ErrorCode, At: now}
	r.observer.Observe(ctx, ev)
	if m.Status == model.Delivered {
		ev.Kind = EventDelivered
		r.observer.Observe(ctx, ev)
	}
	return nil
}

// locate finds the message by provider id first, then by our own id. The
// flag reports whether the match came through the provider id.
func (r *Reconciler) locate(ctx context.Context, provider, externalID, messageID string) (string, bool, error) {
	if externalID != "" {
		if r.index != nil {
			id, err := r.index.Lookup(ctx, provider, externalID)
			if err == nil {
				return id, true, nil
			}
			if !errors.Is(err, cache.ErrMiss) {
				r.log.Warn("provider index lookup failed", "provider", provider, "err", err)
			}
		}

		m, err := r.messages.FindByProviderMessageID(ctx, externalID)
		if err == nil {
			return m.ID, true, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return "", false, fmt.Errorf("find by provider id: %w", err)
		}
	}

	for _, id := range []string{messageID, externalID} {
		if id == "" {
			continue
		}
		m, err := r.messages.Get(ctx, id)
		if err == nil {
			return m.ID, false, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return "", false, fmt.Errorf("find by id: %w", err)
		}
	}
	return "", false, repo.ErrNotFound
}
