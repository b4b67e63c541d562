package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/dispatcher/internal/model"
	"github.com/LeventeLantos/dispatcher/internal/repo"
)

func TestDispatch_RejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)

	cases := []struct {
		name string
		req  Request
	}{
		{"unknown channel", Request{Channel: "pigeon", To: "+15005550006", Content: model.Payload{Text: "x"}}},
		{"sms not e164", Request{Channel: model.SMS, To: "0612345", Content: model.Payload{Text: "x"}}},
		{"whatsapp not e164", Request{Channel: model.WhatsApp, To: "jane@example.com", Content: model.Payload{Text: "x"}}},
		{"email bad address", Request{Channel: model.Email, To: "not-an-email", Subject: "s", Content: model.Payload{Text: "x"}}},
		{"email without subject", Request{Channel: model.Email, To: "jane@example.com", Content: model.Payload{Text: "x"}}},
		{"no content", Request{Channel: model.SMS, To: "+15005550006"}},
		{"missing recipient", Request{Channel: model.SMS, Content: model.Payload{Text: "x"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.dispatcher.Dispatch(context.Background(), tc.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}

	if h.messages.Count() != 0 {
		t.Fatalf("invalid requests must not be persisted, got %d rows", h.messages.Count())
	}
	if n, _ := h.queue.Len(context.Background()); n != 0 {
		t.Fatalf("invalid requests must not be enqueued, got %d jobs", n)
	}
}

func TestDispatch_TemplateKeyCountsAsContent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	req := Request{Channel: model.WhatsApp, To: "+15005550006", TemplateKey: "order_shipped"}

	if _, err := h.dispatcher.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
}

func TestDispatch_CreatesQueuedMessageAndJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)

	id, err := h.dispatcher.Dispatch(context.Background(), smsRequest("order-1"))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	m := h.message(t, id)
	if m.Status != model.Queued || m.Attempts != 0 {
		t.Fatalf("expected queued/0, got %s/%d", m.Status, m.Attempts)
	}
	if m.IdempotencyKey == nil || *m.IdempotencyKey != "order-1" {
		t.Fatalf("expected idempotency key stored")
	}
	if m.QueuedAt == nil {
		t.Fatalf("expected queuedAt set")
	}

	jobs, delays := h.queue.pending()
	if len(jobs) != 1 || jobs[0].MessageID != id || jobs[0].Attempt != 0 {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
	if !jobs[0].QueuedAt.Equal(*m.QueuedAt) {
		t.Fatalf("job must carry the admission cycle stamp")
	}
	if delays[0] != 0 {
		t.Fatalf("expected immediate job, got delay %s", delays[0])
	}
	if h.events.count(EventAdmitted) != 1 {
		t.Fatalf("expected admitted event")
	}
}

func TestDispatch_DuplicateKeyReturnsSameID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	ctx := context.Background()

	first, err := h.dispatcher.Dispatch(ctx, smsRequest("order-1"))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	second, err := h.dispatcher.Dispatch(ctx, smsRequest("order-1"))
	if err != nil {
		t.Fatalf("second Dispatch() error: %v", err)
	}

	if first != second {
		t.Fatalf("expected same id, got %s and %s", first, second)
	}
	if n, _ := h.queue.Len(ctx); n != 1 {
		t.Fatalf("duplicate must not enqueue, got %d jobs", n)
	}
	if h.events.count(EventDuplicate) != 1 {
		t.Fatalf("expected duplicate event")
	}
}

func TestDispatch_ConcurrentSameKeyCreatesOneRow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)

	const n = 25
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]int)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.dispatcher.Dispatch(context.Background(), smsRequest("race-key"))
			if err != nil {
				t.Errorf("Dispatch() error: %v", err)
				return
			}
			mu.Lock()
			ids[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("expected one id, got %v", ids)
	}
	if h.messages.Count() != 1 {
		t.Fatalf("expected one row, got %d", h.messages.Count())
	}
	if got, _ := h.queue.Len(context.Background()); got != 1 {
		t.Fatalf("expected one job, got %d", got)
	}
	if h.events.count(EventAdmitted) != 1 || h.events.count(EventDuplicate) != n-1 {
		t.Fatalf("expected 1 admitted and %d duplicates", n-1)
	}
}

// conflictingRepo simulates a concurrent writer whose row is not yet visible
// when the unique index rejects our insert.
type conflictingRepo struct {
	*repo.MemoryMessageRepo
	conflicts int
}

func (r *conflictingRepo) Create(ctx context.Context, m *model.Message) error {
	if r.conflicts > 0 {
		r.conflicts--
		return repo.ErrDuplicateKey
	}
	return r.MemoryMessageRepo.Create(ctx, m)
}

func TestDispatch_RetriesInsertWhileWinnerUncommitted(t *testing.T) {
	t.Parallel()

	messages := &conflictingRepo{MemoryMessageRepo: repo.NewMemoryMessageRepo(), conflicts: 2}
	q := &stubQueue{}
	d := NewDispatcher(messages, q, nil, nil, DispatcherConfig{CreateAttempts: 3, CreateRetryDelay: time.Millisecond})

	id, err := d.Dispatch(context.Background(), smsRequest("slow-writer"))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if id == "" || messages.Count() != 1 {
		t.Fatalf("expected row created on third attempt, got id=%q rows=%d", id, messages.Count())
	}

	messages.conflicts = 5
	if _, err := d.Dispatch(context.Background(), smsRequest("never-visible")); !errors.Is(err, repo.ErrDuplicateKey) {
		t.Fatalf("expected bounded retries to give up with ErrDuplicateKey, got %v", err)
	}
}

type failingCreateRepo struct {
	*repo.MemoryMessageRepo
	err error
}

func (r *failingCreateRepo) Create(ctx context.Context, m *model.Message) error { return r.err }

func TestDispatch_PropagatesStorageErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	d := NewDispatcher(&failingCreateRepo{MemoryMessageRepo: repo.NewMemoryMessageRepo(), err: boom}, &stubQueue{}, nil, nil, DispatcherConfig{})

	if _, err := d.Dispatch(context.Background(), smsRequest("")); !errors.Is(err, boom) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestDispatch_ResetForRetryAfterTerminalFailure(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{provider: "twilio", outcomes: []outcome{transient("503")}}
	h := newHarness(t, map[model.Channel]Sender{model.SMS: sender}, map[model.Channel]int{model.SMS: 1})
	ctx := context.Background()

	id, _ := h.dispatcher.Dispatch(ctx, smsRequest("order-7"))
	h.drain(t, 10)

	if m := h.message(t, id); m.Status != model.Failed || m.Attempts != 1 {
		t.Fatalf("expected failed/1, got %s/%d", m.Status, m.Attempts)
	}

	req := smsRequest("order-7")
	req.Content = model.Payload{Text: "second try"}
	again, err := h.dispatcher.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if again != id {
		t.Fatalf("expected reuse of %s, got %s", id, again)
	}

	m := h.message(t, id)
	if m.Status != model.Queued || m.Attempts != 0 {
		t.Fatalf("expected queued/0 after reset, got %s/%d", m.Status, m.Attempts)
	}
	if m.Payload.Text != "second try" || m.ErrorCode != nil || m.FailedAt != nil {
		t.Fatalf("expected content replaced and failure cleared, got %+v", m)
	}
	if h.messages.Count() != 1 {
		t.Fatalf("expected the row to be reused")
	}
	if h.events.count(EventReset) != 1 {
		t.Fatalf("expected reset event")
	}

	sender.outcomes = []outcome{sent("SM2")}
	h.drain(t, 10)
	if m := h.message(t, id); m.Status != model.Sent || m.Attempts != 1 {
		t.Fatalf("expected one more attempt cycle ending sent, got %s/%d", m.Status, m.Attempts)
	}
}

func TestDispatch_SendAtDelaysJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	req := smsRequest("")
	at := time.Now().Add(time.Hour)
	req.SendAt = &at

	id, err := h.dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	_, delays := h.queue.pending()
	if len(delays) != 1 || delays[0] < 59*time.Minute {
		t.Fatalf("expected ~1h delay, got %v", delays)
	}
	if m := h.message(t, id); m.Status != model.Queued || m.QueuedAt == nil || m.QueuedAt.Before(at.Add(-time.Second)) {
		t.Fatalf("expected queued until send time, got %+v", m)
	}
}

func TestDispatch_EnqueueFailureStillAdmits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	h.queue.fail = errors.New("redis down")

	id, err := h.dispatcher.Dispatch(context.Background(), smsRequest("k"))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if m := h.message(t, id); m.Status != model.Queued {
		t.Fatalf("expected queued row left for recovery, got %s", m.Status)
	}
}

func TestDispatchBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	ctx := context.Background()

	bad := []Request{smsRequest("a"), {Channel: model.SMS, To: "nope"}}
	if _, err := h.dispatcher.DispatchBatch(ctx, bad); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if h.messages.Count() != 0 {
		t.Fatalf("a batch with an invalid request must persist nothing")
	}

	ids, err := h.dispatcher.DispatchBatch(ctx, []Request{smsRequest("a"), emailRequest(), smsRequest("a")})
	if err != nil {
		t.Fatalf("DispatchBatch() error: %v", err)
	}
	if len(ids) != 3 || ids[0] != ids[2] || ids[0] == ids[1] {
		t.Fatalf("unexpected ids: %v", ids)
	}

	jobs, _ := h.queue.pending()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
}
