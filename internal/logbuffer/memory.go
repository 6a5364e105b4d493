package logbuffer

import (
	"context"
	"sync"
)

// Memory keeps lines in process memory. Lines are lost on restart.
type Memory struct {
	mu    sync.RWMutex
	lines map[string]map[Stream][]string
}

// NewMemory creates an empty buffer.
func NewMemory() *Memory {
	return &Memory{lines: make(map[string]map[Stream][]string)}
}

func (m *Memory) Append(_ context.Context, jobID string, stream Stream, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	streams, ok := m.lines[jobID]
	if !ok {
		streams = make(map[Stream][]string, 2)
		m.lines[jobID] = streams
	}
	streams[stream] = append(streams[stream], lines...)
	return nil
}

func (m *Memory) Read(_ context.Context, jobID string, stream Stream, start, max int) ([]string, int, error) {
	start, max = clampRead(start, max)
	if max == 0 {
		return nil, start, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.lines[jobID][stream]
	if start >= len(all) {
		return nil, start, nil
	}
	end := min(start+max, len(all))
	out := append([]string(nil), all[start:end]...)
	return out, end, nil
}

func (m *Memory) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lines, jobID)
	return nil
}

func (m *Memory) Ready(context.Context) error { return nil }

var _ Buffer = (*Memory)(nil)
