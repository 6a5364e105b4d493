// Package logbuffer stores the stdout/stderr lines a provider streams for a
// job so clients can tail them by line offset.
package logbuffer

import (
	"context"
	"fmt"
)

// Stream names one of a job's output streams.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// ParseStream validates a stream name.
func ParseStream(s string) (Stream, error) {
	switch Stream(s) {
	case Stdout, Stderr:
		return Stream(s), nil
	}
	return "", fmt.Errorf("unknown stream %q", s)
}

// Buffer is an append-only line log per job and stream.
type Buffer interface {
	Append(ctx context.Context, jobID string, stream Stream, lines ...string) error
	// Read returns up to max lines starting at line offset start, and the
	// offset to pass next time. A start past the end returns no lines, as
	// does a max of 0. A negative max reads up to MaxReadLines.
	Read(ctx context.Context, jobID string, stream Stream, start, max int) ([]string, int, error)
	// Delete drops both streams of a job.
	Delete(ctx context.Context, jobID string) error
	Ready(ctx context.Context) error
}

// MaxReadLines bounds a single Read.
const MaxReadLines = 1000

func clampRead(start, max int) (int, int) {
	if start < 0 {
		start = 0
	}
	if max < 0 || max > MaxReadLines {
		max = MaxReadLines
	}
	return start, max
}
