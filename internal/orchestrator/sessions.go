package orchestrator

import (
	"sync"
	"time"
)

// followCursor is where a follow session left off in each stream.
type followCursor struct {
	stdout   int
	stderr   int
	lastSeen time.Time
}

// sessionTable holds follow sessions in memory. Sessions are lost on restart;
// clients then resume from the offsets they pass explicitly.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*followCursor
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*followCursor)}
}

func sessionKey(owner, jobID, session string) string {
	return owner + "/" + jobID + "/" + session
}

// get returns the cursor for key, creating it at zero offsets.
func (t *sessionTable) get(key string, now time.Time) followCursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.sessions[key]
	if !ok {
		c = &followCursor{}
		t.sessions[key] = c
	}
	c.lastSeen = now
	return *c
}

func (t *sessionTable) advance(key string, stdout, stderr int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[key] = &followCursor{stdout: stdout, stderr: stderr, lastSeen: now}
}

// expire drops sessions idle since before cutoff and returns how many.
func (t *sessionTable) expire(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, c := range t.sessions {
		if c.lastSeen.Before(cutoff) {
			delete(t.sessions, k)
			n++
		}
	}
	return n
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
