// Package breaker implements per-provider circuit breakers.
//
// A breaker is an advisory fast-fail gate: it stops calls to a provider after
// sustained failures and tries recovery after a cooldown. Counters are
// guarded by a mutex so concurrent workers never lose increments.
package breaker

import (
	"sync"
	"time"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

type Settings struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold successful trials close a half-open circuit.
	SuccessThreshold int
	// RecoveryTimeout is how long the circuit stays open after the last failure.
	RecoveryTimeout time.Duration
	// HalfOpenMaxTrials bounds concurrent trial calls while half-open.
	HalfOpenMaxTrials int
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		RecoveryTimeout:   time.Minute,
		HalfOpenMaxTrials: 1,
	}
}

func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = d.SuccessThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = d.RecoveryTimeout
	}
	if s.HalfOpenMaxTrials <= 0 {
		s.HalfOpenMaxTrials = d.HalfOpenMaxTrials
	}
	return s
}

type Snapshot struct {
	Key           string        `json:"key"`
	State         State         `json:"state"`
	FailureCount  int           `json:"failureCount"`
	SuccessCount  int           `json:"successCount"`
	TrialCount    int           `json:"trialCount"`
	LastFailureAt *time.Time    `json:"lastFailureAt,omitempty"`
	RetryIn       time.Duration `json:"-"`
	RetryInSecs   float64       `json:"retryInSeconds"`
}

// Ticket is handed out by Allow and identifies the admitted call when its
// outcome is recorded. Outcomes from a previous state epoch are ignored.
type Ticket struct {
	epoch uint64
	trial bool
}

type Breaker struct {
	key      string
	settings Settings
	now      func() time.Time

	mu            sync.Mutex
	state         State
	epoch         uint64
	failureCount  int
	successCount  int
	trialCount    int
	lastFailureAt time.Time
}

func New(key string, s Settings) *Breaker {
	return &Breaker{
		key:      key,
		settings: s.normalized(),
		now:      time.Now,
		state:    Closed,
	}
}

// Allow reports whether a call may proceed. An admitted call in half-open
// holds a trial slot until its outcome is recorded with the returned ticket.
func (b *Breaker) Allow() (Ticket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return Ticket{epoch: b.epoch}, true
	case Open:
		if b.now().Sub(b.lastFailureAt) < b.settings.RecoveryTimeout {
			return Ticket{}, false
		}
		b.state = HalfOpen
		b.epoch++
		b.successCount = 0
		b.trialCount = 0
	}

	if b.trialCount >= b.settings.HalfOpenMaxTrials {
		return Ticket{}, false
	}
	b.trialCount++
	return Ticket{epoch: b.epoch, trial: true}, true
}

func (b *Breaker) RecordSuccess(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.epoch != b.epoch {
		return
	}
	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		if !t.trial {
			return
		}
		b.releaseTrial()
		b.successCount++
		if b.successCount >= b.settings.SuccessThreshold {
			b.reset()
		}
	}
}

func (b *Breaker) RecordFailure(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.epoch != b.epoch {
		return
	}
	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		if !t.trial {
			return
		}
		b.failureCount++
		b.trip()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Key:          b.key,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		TrialCount:   b.trialCount,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	if b.state == Open {
		if left := b.settings.RecoveryTimeout - b.now().Sub(b.lastFailureAt); left > 0 {
			s.RetryIn = left
		}
	}
	s.RetryInSecs = s.RetryIn.Seconds()
	return s
}

func (b *Breaker) trip() {
	b.state = Open
	b.epoch++
	b.lastFailureAt = b.now()
	b.successCount = 0
	b.trialCount = 0
}

func (b *Breaker) reset() {
	b.state = Closed
	b.epoch++
	b.failureCount = 0
	b.successCount = 0
	b.trialCount = 0
}

func (b *Breaker) releaseTrial() {
	if b.trialCount > 0 {
		b.trialCount--
	}
}
