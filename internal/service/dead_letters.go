package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/dispatcher/internal/model"
	"github.com/LeventeLantos/dispatcher/internal/queue"
	"github.com/LeventeLantos/dispatcher/internal/repo"
)

var ErrReplayInFlight = errors.New("message is already being dispatched")

// DeadLetters is the operator surface over exhausted messages.
type DeadLetters struct {
	entries  repo.DeadLetterRepository
	messages repo.MessageRepository
	queue    queue.Queue
	observer Observer
	log      *slog.Logger

	now func() time.Time
}

func NewDeadLetters(entries repo.DeadLetterRepository, messages repo.MessageRepository, q queue.Queue, obs Observer, log *slog.Logger) *DeadLetters {
	if log == nil {
		log = slog.Default()
	}
	return &DeadLetters{
		entries:  entries,
		messages: messages,
		queue:    q,
		observer: observerOrNop(obs),
		log:      log.With("component", "dead_letters"),
		now:      storageNow,
	}
}

func (s *DeadLetters) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	return s.entries.List(ctx, limit)
}

func (s *DeadLetters) Get(ctx context.Context, id string) (*model.DeadLetter, error) {
	return s.entries.Get(ctx, id)
}

// Replay re-admits the referenced message with the snapshotted content and
// enqueues a fresh attempt cycle. The entry itself stays until purged.
func (s *DeadLetters) Replay(ctx context.Context, id string) (string, error) {
	d, err := s.entries.Get(ctx, id)
	if err != nil {
		return "", err
	}

	now := s.now()
	m, err := s.messages.Transition(ctx, d.MessageID, func(m *model.Message) error {
		if m.Status.Active() {
			return ErrReplayInFlight
		}
		return m.ResetForRetry(d.Content, now)
	})
	if err != nil {
		return "", fmt.Errorf("replay %s: %w", id, err)
	}

	job := queue.Job{MessageID: m.ID, Channel: m.Channel, QueuedAt: *m.QueuedAt}
	if err := s.queue.Enqueue(ctx, job, 0); err != nil {
		// The row is queued again, so the recovery sweep picks it up.
		s.log.Error("enqueue replay failed", "message_id", m.ID, "err", err)
	}

	s.log.Info("dead letter replayed", "dead_letter_id", id, "message_id", m.ID)
	s.observer.Observe(ctx, Event{Kind: EventReplayed, MessageID: m.ID, Channel: m.Channel, Status: m.Status, At: now})
	return m.ID, nil
}

func (s *DeadLetters) Purge(ctx context.Context, id string) error {
	return s.entries.Delete(ctx, id)
}

func (s *DeadLetters) PurgeAll(ctx context.Context) (int, error) {
	n, err := s.entries.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	s.log.Info("dead letters purged", "count", n)
	return n, nil
}
