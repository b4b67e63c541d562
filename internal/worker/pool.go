package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/dispatcher/internal/queue"
)

type Handler func(ctx context.Context, job queue.Job) error

// Pool runs a fixed number of goroutines that poll the queue and hand each
// job to the handler.
type Pool struct {
	queue        queue.Queue
	handle       Handler
	count        int
	pollInterval time.Duration
	log          *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(q queue.Queue, handle Handler, count int, pollInterval time.Duration, log *slog.Logger) (*Pool, error) {
	if q == nil {
		return nil, errors.New("queue must not be nil")
	}
	if handle == nil {
		return nil, errors.New("handler must not be nil")
	}
	if count <= 0 {
		return nil, errors.New("worker count must be > 0")
	}
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		queue:        q,
		handle:       handle,
		count:        count,
		pollInterval: pollInterval,
		log:          log.With("component", "worker"),
	}, nil
}

func (p *Pool) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running.Store(true)

	p.wg.Add(p.count)
	for i := 0; i < p.count; i++ {
		go p.run(ctx, i)
	}

	p.log.Info("worker pool started", "workers", p.count)
	return true
}

// Stop cancels polling and waits for in-flight jobs to finish.
func (p *Pool) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return false
	}

	p.cancel()
	p.wg.Wait()
	p.running.Store(false)

	p.log.Info("worker pool stopped")
	return true
}

func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		job, err := p.queue.Dequeue(ctx)
		switch {
		case err == nil:
			p.safeHandle(ctx, id, job)
			timer.Reset(0)
		case errors.Is(err, queue.ErrEmpty), errors.Is(err, context.Canceled):
			timer.Reset(p.pollInterval)
		default:
			p.log.Error("dequeue failed", "worker", id, "err", err)
			timer.Reset(p.pollInterval)
		}
	}
}

func (p *Pool) safeHandle(ctx context.Context, id int, job queue.Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic recovered", "worker", id, "message_id", job.MessageID, "panic", r)
		}
	}()

	// Jobs run to completion even while the pool is stopping.
	if err := p.handle(context.WithoutCancel(ctx), job); err != nil {
		p.log.Error("job failed", "worker", id, "message_id", job.MessageID, "err", err)
	}
}
