// Package outcome accumulates the failures found while tearing servers
// down, so a flaky teardown check is reported without aborting cleanup.
package outcome

import (
	"sort"
	"sync"
	"time"
)

// Sink receives teardown failures. Implementations never fail the caller.
type Sink interface {
	RecordFailure(tag, msg string)
}

// Reader exposes accumulated failures.
type Reader interface {
	Failures() ([]Failure, error)
	Count(tag string) (uint64, error)
}

// Store is a Sink that can be read back.
type Store interface {
	Sink
	Reader
	Close() error
}

// Failure is one recorded teardown failure.
type Failure struct {
	Seq     uint64
	Tag     string
	Message string
	At      time.Time
}

// MemorySink keeps failures in memory.
type MemorySink struct {
	mu       sync.Mutex
	now      func() time.Time
	failures []Failure
	counts   map[string]uint64
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{now: time.Now, counts: make(map[string]uint64)}
}

func (m *MemorySink) RecordFailure(tag, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, Failure{Seq: uint64(len(m.failures) + 1), Tag: tag, Message: msg, At: m.now()})
	m.counts[tag]++
}

func (m *MemorySink) Failures() ([]Failure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Failure(nil), m.failures...), nil
}

func (m *MemorySink) Count(tag string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[tag], nil
}

func (m *MemorySink) Close() error { return nil }

// Tags returns the distinct tags of failures, sorted.
func Tags(failures []Failure) []string {
	seen := make(map[string]struct{})
	for _, f := range failures {
		seen[f.Tag] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

var _ Store = (*MemorySink)(nil)
