package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry owns the breakers of every provider key in the process.
type Registry struct {
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(s Settings) *Registry {
	return &Registry{
		settings: s.normalized(),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating a closed one on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = New(key, r.settings)
		b.now = r.now
		r.breakers[key] = b
	}
	return b
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Key builds the provider key, e.g. "twilio_sms".
func Key(provider, channel string) string {
	return provider + "_" + channel
}
