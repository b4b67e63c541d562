// Package scheduler runs periodic maintenance for the send queue.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of maintenance. It returns how many items it touched.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

type Status struct {
	Running    bool       `json:"running"`
	Interval   string     `json:"interval"`
	Ticks      int64      `json:"ticks"`
	LastTickAt *time.Time `json:"lastTickAt,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

type Scheduler struct {
	interval time.Duration
	tasks    []Task
	log      *slog.Logger

	running atomic.Bool
	ticks   atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	statMu    sync.Mutex
	lastTick  time.Time
	lastError string
}

func New(interval time.Duration, log *slog.Logger, tasks ...Task) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if len(tasks) == 0 {
		return nil, errors.New("at least one task is required")
	}
	for _, t := range tasks {
		if t.Run == nil {
			return nil, errors.New("task " + t.Name + " has no run func")
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		tasks:    tasks,
		log:      log.With("component", "scheduler"),
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("scheduler started", "interval", s.interval.String())

		s.tick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	st := Status{
		Running:  s.running.Load(),
		Interval: s.interval.String(),
		Ticks:    s.ticks.Load(),
	}

	s.statMu.Lock()
	defer s.statMu.Unlock()
	if !s.lastTick.IsZero() {
		t := s.lastTick
		st.LastTickAt = &t
	}
	st.LastError = s.lastError
	return st
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	var errs []error

	for _, t := range s.tasks {
		n, err := s.safeRun(ctx, t)
		if err != nil {
			s.log.Error("maintenance task failed", "task", t.Name, "err", err)
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			s.log.Info("maintenance task completed", "task", t.Name, "count", n)
		}
	}

	s.ticks.Add(1)
	s.statMu.Lock()
	s.lastTick = start
	s.lastError = ""
	if err := errors.Join(errs...); err != nil {
		s.lastError = err.Error()
	}
	s.statMu.Unlock()

	s.log.Debug("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) safeRun(ctx context.Context, t Task) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler task panic recovered", "task", t.Name, "panic", r)
			err = errors.New("task " + t.Name + " panicked")
		}
	}()
	return t.Run(ctx)
}
