package circuitbreaker

import "sync"

// Registry lazily creates one breaker per key, all sharing a config.
type Registry struct {
	cfg      Config
	onChange func(key string, from, to State)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. onChange, if non-nil, is told about every
// transition together with the key of the breaker that moved.
func NewRegistry(cfg Config, onChange func(key string, from, to State)) *Registry {
	return &Registry{cfg: cfg, onChange: onChange, breakers: map[string]*Breaker{}}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	cfg := r.cfg
	if r.onChange != nil {
		cfg.OnStateChange = func(from, to State) { r.onChange(key, from, to) }
	}
	b := New(cfg)
	r.breakers[key] = b
	return b
}

// Snapshot returns the current state of every breaker by key.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.State()
	}
	return out
}

// Stats counts breakers by state.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats summarizes Snapshot.
func (r *Registry) Stats() Stats {
	snap := r.Snapshot()
	s := Stats{Total: len(snap)}
	for _, state := range snap {
		switch state {
		case Open:
			s.Open++
		case HalfOpen:
			s.HalfOpen++
		default:
			s.Closed++
		}
	}
	return s
}
