package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/dispatcher/internal/model"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("idempotency key already exists")
)

// TransitionFunc mutates a message under the row lock. Returning an error
// aborts the transition and leaves the row untouched.
type TransitionFunc func(m *model.Message) error

type MessageRepository interface {
	// Create inserts m. A second message with the same idempotency key fails
	// with ErrDuplicateKey, enforced by the store's unique constraint.
	Create(ctx context.Context, m *model.Message) error
	Get(ctx context.Context, id string) (*model.Message, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*model.Message, error)
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Message, error)
	// Transition is a read-modify-write of one message under an exclusive lock.
	Transition(ctx context.Context, id string, fn TransitionFunc) (*model.Message, error)
	// ListRecoverable returns queued or sending messages not touched since olderThan.
	ListRecoverable(ctx context.Context, olderThan time.Time, limit int) ([]model.Message, error)
	ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Message, error)
}

type DeadLetterRepository interface {
	Insert(ctx context.Context, d *model.DeadLetter) error
	Get(ctx context.Context, id string) (*model.DeadLetter, error)
	// List returns entries newest first.
	List(ctx context.Context, limit int) ([]model.DeadLetter, error)
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) (int, error)
}

func normalizeLimit(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
