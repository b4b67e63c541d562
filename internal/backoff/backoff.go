// Package backoff computes retry delays for failed send attempts.
package backoff

import (
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	PolicyExponential  = "exponential"
	PolicyDecorrelated = "decorrelated"
)

// Strategy returns the delay before the next attempt. attempt is zero-based;
// prev is the previously returned delay (zero on the first retry).
type Strategy interface {
	Next(attempt int, prev time.Duration) time.Duration
}

func New(policy string, base, max time.Duration) (Strategy, error) {
	if base <= 0 {
		return nil, fmt.Errorf("base delay must be > 0, got %s", base)
	}
	if max < base {
		return nil, fmt.Errorf("max delay %s must be >= base delay %s", max, base)
	}

	switch policy {
	case "", PolicyExponential:
		return &Exponential{Base: base, Max: max}, nil
	case PolicyDecorrelated:
		return &Decorrelated{Base: base, Max: max}, nil
	}
	return nil, fmt.Errorf("unknown backoff policy %q", policy)
}

// Exponential is min(Max, Base*2^n) scaled by a random factor in [1.0, 1.5),
// clamped to Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func (e *Exponential) Next(attempt int, _ time.Duration) time.Duration {
	d := capped(e.Base, e.Max, attempt)
	return clamp(fromFloat(float64(d)*(1+0.5*randOf(e.Rand)), e.Max), e.Base, e.Max)
}

// Decorrelated picks uniformly from [Base, prev*3], clamped to Max. It spreads
// simultaneous retries of many messages better than plain exponential jitter.
type Decorrelated struct {
	Base time.Duration
	Max  time.Duration

	Rand func() float64
}

func (d *Decorrelated) Next(_ int, prev time.Duration) time.Duration {
	if prev < d.Base {
		prev = d.Base
	}

	upper := d.Max
	if prev <= d.Max/3 {
		upper = prev * 3
	}
	if upper <= d.Base {
		return d.Base
	}

	span := upper - d.Base
	return clamp(d.Base+fromFloat(float64(span)*randOf(d.Rand), span), d.Base, d.Max)
}

// capped returns min(max, base*2^n) without overflowing for large n.
func capped(base, max time.Duration, n int) time.Duration {
	if n <= 0 {
		return min(base, max)
	}
	if n >= 62 || base > max>>uint(n) {
		return max
	}
	return base << uint(n)
}

// fromFloat converts f to a duration no larger than max. The comparison
// happens in float space since float64(max) may round past the int64 range.
func fromFloat(f float64, max time.Duration) time.Duration {
	if f >= float64(max) {
		return max
	}
	return time.Duration(f)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func randOf(fn func() float64) float64 {
	if fn != nil {
		return fn()
	}
	return rand.Float64()
}
