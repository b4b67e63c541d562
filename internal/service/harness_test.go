package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/dispatcher/internal/backoff"
	"github.com/LeventeLantos/dispatcher/internal/breaker"
	"github.com/LeventeLantos/dispatcher/internal/model"
	"github.com/LeventeLantos/dispatcher/internal/queue"
	"github.com/LeventeLantos/dispatcher/internal/repo"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedSender replays outcomes in order and repeats the last one.
type scriptedSender struct {
	provider string

	mu       sync.Mutex
	calls    int
	outcomes []outcome
}

type outcome struct {
	res   model.SendResult
	err   error
	panic string
	block bool
}

func (s *scriptedSender) Provider() string { return s.provider }

func (s *scriptedSender) Send(ctx context.Context, m *model.Message) (model.SendResult, error) {
	s.mu.Lock()
	idx := min(s.calls, len(s.outcomes)-1)
	s.calls++
	o := s.outcomes[idx]
	s.mu.Unlock()

	if o.panic != "" {
		panic(o.panic)
	}
	if o.block {
		<-ctx.Done()
		return model.SendResult{}, ctx.Err()
	}
	return o.res, o.err
}

func (s *scriptedSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func sent(id string) outcome {
	return outcome{res: model.SendResult{Status: model.Sent, ProviderMessageID: id}}
}

func transient(code string) outcome {
	return outcome{res: model.FailedResult(code, "provider unavailable")}
}

// stubQueue records delays and hands every job out immediately.
type stubQueue struct {
	mu     sync.Mutex
	jobs   []queue.Job
	delays []time.Duration
	fail   error
}

func (q *stubQueue) Enqueue(ctx context.Context, job queue.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.jobs = append(q.jobs, job)
	q.delays = append(q.delays, delay)
	return nil
}

func (q *stubQueue) Dequeue(ctx context.Context) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return queue.Job{}, queue.ErrEmpty
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.delays = q.delays[1:]
	return job, nil
}

func (q *stubQueue) PromoteDue(ctx context.Context) (int, error) { return 0, nil }

func (q *stubQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}

func (q *stubQueue) pending() ([]queue.Job, []time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Job(nil), q.jobs...), append([]time.Duration(nil), q.delays...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Observe(ctx context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	messages    *repo.MemoryMessageRepo
	deadLetters *repo.MemoryDeadLetterRepo
	queue       *stubQueue
	breakers    *breaker.Registry
	events      *eventRecorder

	dispatcher *Dispatcher
	processor  *Processor
	dlq        *DeadLetters
	reconciler *Reconciler
}

func fixedBackoff() backoff.Strategy {
	return &backoff.Exponential{Base: time.Second, Max: 30 * time.Second, Rand: func() float64 { return 0 }}
}

func newHarness(t *testing.T, senders map[model.Channel]Sender, maxAttempts map[model.Channel]int) *harness {
	t.Helper()

	h := &harness{
		messages:    repo.NewMemoryMessageRepo(),
		deadLetters: repo.NewMemoryDeadLetterRepo(),
		queue:       &stubQueue{},
		breakers:    breaker.NewRegistry(breaker.Settings{FailureThreshold: 100}),
		events:      &eventRecorder{},
	}

	retry := make(map[model.Channel]RetryPolicy)
	for _, ch := range model.Channels {
		n := 3
		if v, ok := maxAttempts[ch]; ok {
			n = v
		}
		retry[ch] = RetryPolicy{MaxAttempts: n, Backoff: fixedBackoff()}
	}

	h.dispatcher = NewDispatcher(h.messages, h.queue, h.events, nil, DispatcherConfig{CreateRetryDelay: time.Millisecond})
	h.processor = NewProcessor(ProcessorDeps{
		Messages:    h.messages,
		DeadLetters: h.deadLetters,
		Queue:       h.queue,
		Senders:     senders,
		Breakers:    h.breakers,
		Observer:    h.events,
	}, ProcessorConfig{Retry: retry, JobTimeout: time.Second, StaleAfter: time.Minute})
	h.dlq = NewDeadLetters(h.deadLetters, h.messages, h.queue, h.events, nil)
	h.reconciler = NewReconciler(h.messages, nil, h.events, nil)
	return h
}

// drain processes queued jobs until none are left or max is reached.
func (h *harness) drain(t *testing.T, max int) int {
	t.Helper()

	n := 0
	for ; n < max; n++ {
		job, err := h.queue.Dequeue(context.Background())
		if errors.Is(err, queue.ErrEmpty) {
			return n
		}
		if err := h.processor.Process(context.Background(), job); err != nil {
			t.Fatalf("Process() error: %v", err)
		}
	}
	return n
}

func (h *harness) message(t *testing.T, id string) *model.Message {
	t.Helper()
	m, err := h.messages.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error: %v", id, err)
	}
	return m
}

func (h *harness) deadLetterCount(t *testing.T) int {
	t.Helper()
	list, err := h.deadLetters.List(context.Background(), 1000)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	return len(list)
}

func smsRequest(key string) Request {
	return Request{
		Channel:        model.SMS,
		To:             "+15005550006",
		Content:        model.Payload{Text: "Your order shipped"},
		IdempotencyKey: key,
	}
}

func emailRequest() Request {
	return Request{
		Channel: model.Email,
		To:      "jane@example.com",
		Subject: "Receipt",
		Content: model.Payload{HTML: "<p>thanks</p>"},
	}
}
