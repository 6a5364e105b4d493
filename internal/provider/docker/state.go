package docker

import (
	"sync"
	"sync/atomic"
	"time"
)

// running is what the provider remembers about a job's container between
// callbacks.
type running struct {
	containerID string
	volume      string
	outputs     []string // glob patterns collected when the job ends
	startedAt   time.Time

	cancelled atomic.Bool

	mu       sync.Mutex
	deadline time.Time     // zero means unlimited
	moved    chan struct{} // poked whenever deadline changes
}

func newRunning(containerID, volume string, outputs []string, startedAt, deadline time.Time) *running {
	return &running{
		containerID: containerID,
		volume:      volume,
		outputs:     outputs,
		startedAt:   startedAt,
		deadline:    deadline,
		moved:       make(chan struct{}, 1),
	}
}

// extend adds extra to a finite deadline and returns the new one.
func (r *running) extend(extra time.Duration) time.Time {
	r.mu.Lock()
	if !r.deadline.IsZero() {
		r.deadline = r.deadline.Add(extra)
	}
	d := r.deadline
	r.mu.Unlock()

	select {
	case r.moved <- struct{}{}:
	default:
	}
	return d
}

func (r *running) until() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadline
}

// cancel flags the job as deleted and reports whether this call did it.
func (r *running) cancel() bool { return r.cancelled.CompareAndSwap(false, true) }

// jobTable maps job ids to containers. A claimed id maps to nil until its
// container exists, which keeps two creates for one job from racing.
type jobTable struct {
	mu   sync.Mutex
	jobs map[string]*running
}

func newJobTable() *jobTable {
	return &jobTable{jobs: make(map[string]*running)}
}

// claim reserves id and reports false when it is already known.
func (t *jobTable) claim(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[id]; ok {
		return false
	}
	t.jobs[id] = nil
	return true
}

func (t *jobTable) fill(id string, r *running) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[id] = r
}

func (t *jobTable) drop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}

// lookup returns the job's container. known is true with a nil container
// while the job is still being created.
func (t *jobTable) lookup(id string) (r *running, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, known = t.jobs[id]
	return r, known
}
