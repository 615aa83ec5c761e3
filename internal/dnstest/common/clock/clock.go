// Package clock abstracts wall time and sleeping so that retry loops and
// settle delays can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and a blocking sleep.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// RealClock uses the time package.
type RealClock struct{}

func (c RealClock) Now() time.Time {
	return time.Now()
}

func (c RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// MockClock never blocks. Sleep advances CurrentTime and records the
// requested duration so tests can assert on the delays a component chose.
type MockClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
	sleeps      []time.Duration
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CurrentTime
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CurrentTime = c.CurrentTime.Add(d)
}

func (c *MockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.CurrentTime = c.CurrentTime.Add(d)
}

// Sleeps returns a copy of every duration passed to Sleep, in call order.
func (c *MockClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// CountSleeps returns how many times Sleep was called with exactly d.
func (c *MockClock) CountSleeps(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sleeps {
		if s == d {
			n++
		}
	}
	return n
}
