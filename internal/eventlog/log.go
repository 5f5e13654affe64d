// Package eventlog holds the bounded, user-facing status log that workers and
// the orchestrator write to and the status reporter renders.
package eventlog

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity bounds a Log when the caller does not choose a size.
const DefaultCapacity = 500

// Clock returns the time used to stamp entries.
type Clock interface {
	Now() time.Time
}

// Entry is one timestamped status message.
type Entry struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// String formats the entry the way it is shown to users.
func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05"), e.Text)
}

// Log is a fixed-capacity ring of entries. Once full, each append evicts the
// oldest entry. It is safe for any number of concurrent writers and readers.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	size    int
	dropped uint64
	clock   Clock
}

// New builds a Log that retains at most capacity entries.
func New(capacity int, clock Clock) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Log{
		entries: make([]Entry, capacity),
		clock:   clock,
	}
}

// Append records text stamped with the current time.
func (l *Log) Append(text string) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.size == len(l.entries) {
		l.dropped++
	} else {
		l.size++
	}
	l.entries[l.next] = Entry{Time: now, Text: text}
	l.next = (l.next + 1) % len(l.entries)
}

// Appendf formats and records a message.
func (l *Log) Appendf(format string, args ...any) {
	l.Append(fmt.Sprintf(format, args...))
}

// Tail returns up to n of the most recent entries, oldest first.
func (l *Log) Tail(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > l.size {
		n = l.size
	}
	out := make([]Entry, n)
	start := (l.next - n + len(l.entries)) % len(l.entries)
	for i := 0; i < n; i++ {
		out[i] = l.entries[(start+i)%len(l.entries)]
	}
	return out
}

// Len reports how many entries are currently retained.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Dropped reports how many entries have been evicted since creation.
func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
