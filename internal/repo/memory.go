package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/dispatcher/internal/model"
)

// MemoryMessageRepo keeps messages in process. A single mutex stands in for
// the row lock and the unique index on idempotency keys.
type MemoryMessageRepo struct {
	mu    sync.Mutex
	byID  map[string]*model.Message
	byKey map[string]string
}

func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{
		byID:  make(map[string]*model.Message),
		byKey: make(map[string]string),
	}
}

func (r *MemoryMessageRepo) Create(ctx context.Context, m *model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m.IdempotencyKey != nil {
		if _, ok := r.byKey[*m.IdempotencyKey]; ok {
			return ErrDuplicateKey
		}
		r.byKey[*m.IdempotencyKey] = m.ID
	}

	cp := *m
	r.byID[m.ID] = &cp
	return nil
}

func (r *MemoryMessageRepo) Get(ctx context.Context, id string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryMessageRepo) FindByIdempotencyKey(ctx context.Context, key string) (*model.Message, error) {
	r.mu.Lock()
	id, ok := r.byKey[key]
	r.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *MemoryMessageRepo) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *model.Message
	for _, m := range r.byID {
		if m.ProviderMessageID == nil || *m.ProviderMessageID != providerMessageID {
			continue
		}
		if found == nil || m.CreatedAt.After(found.CreatedAt) {
			found = m
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *MemoryMessageRepo) Transition(ctx context.Context, id string, fn TransitionFunc) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *m
	if err := fn(&cp); err != nil {
		return nil, err
	}

	stored := cp
	r.byID[id] = &stored
	return &cp, nil
}

func (r *MemoryMessageRepo) ListRecoverable(ctx context.Context, olderThan time.Time, limit int) ([]model.Message, error) {
	limit, _ = normalizeLimit(limit, 0)

	out := r.filter(func(m *model.Message) bool {
		if m.Status != model.Queued && m.Status != model.Sending {
			return false
		}
		return m.UpdatedAt.Before(olderThan) && (m.QueuedAt == nil || m.QueuedAt.Before(olderThan))
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryMessageRepo) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Message, error) {
	limit, offset = normalizeLimit(limit, offset)

	out := r.filter(func(m *model.Message) bool { return m.Status == status })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	return page(out, limit, offset), nil
}

// Count returns the number of stored messages.
func (r *MemoryMessageRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *MemoryMessageRepo) filter(keep func(m *model.Message) bool) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Message
	for _, m := range r.byID {
		if keep(m) {
			out = append(out, *m)
		}
	}
	return out
}

type MemoryDeadLetterRepo struct {
	mu      sync.Mutex
	entries map[string]model.DeadLetter
}

func NewMemoryDeadLetterRepo() *MemoryDeadLetterRepo {
	return &MemoryDeadLetterRepo{entries: make(map[string]model.DeadLetter)}
}

func (r *MemoryDeadLetterRepo) Insert(ctx context.Context, d *model.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.ID] = *d
	return nil
}

func (r *MemoryDeadLetterRepo) Get(ctx context.Context, id string) (*model.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (r *MemoryDeadLetterRepo) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	limit, _ = normalizeLimit(limit, 0)

	r.mu.Lock()
	out := make([]model.DeadLetter, 0, len(r.entries))
	for _, d := range r.entries {
		out = append(out, d)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, limit, 0), nil
}

func (r *MemoryDeadLetterRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return ErrNotFound
	}
	delete(r.entries, id)
	return nil
}

func (r *MemoryDeadLetterRepo) DeleteAll(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	r.entries = make(map[string]model.DeadLetter)
	return n, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
