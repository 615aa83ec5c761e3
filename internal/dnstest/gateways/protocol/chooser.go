package protocol

import (
	"math/rand"
	"sync"
	"time"
)

// Chooser makes the random policy decisions of the client: transport,
// XDP port and update implementation. Seed it to make a run reproducible.
type Chooser interface {
	Bool() bool
	Float64() float64
}

type randChooser struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewChooser returns a Chooser seeded with seed, or with the clock when
// seed is zero.
func NewChooser(seed int64) Chooser {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &randChooser{rnd: rand.New(rand.NewSource(seed))}
}

func (c *randChooser) Bool() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Intn(2) == 1
}

func (c *randChooser) Float64() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Float64()
}

// FixedChooser always returns the same decisions.
type FixedChooser struct {
	B bool
	F float64
}

func (f FixedChooser) Bool() bool       { return f.B }
func (f FixedChooser) Float64() float64 { return f.F }
