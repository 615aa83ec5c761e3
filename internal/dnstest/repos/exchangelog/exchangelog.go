// Package exchangelog remembers the most recent protocol exchanges with a
// server. They are dumped to the detail log when a query or a convergence
// wait finally fails.
package exchangelog

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/dnstest/internal/dnstest/common/log"
	"github.com/haukened/dnstest/internal/dnstest/domain"
)

// DefaultSize is the number of exchanges kept per server.
const DefaultSize = 64

// Journal records exchanges.
type Journal interface {
	Record(e domain.Exchange)
	// Recent returns the kept exchanges, oldest first.
	Recent() []domain.Exchange
	Len() int
	// Dump writes the kept exchanges to the detail log.
	Dump(server string)
	Stats() (recorded, evictions uint64)
}

// journal is an LRU-backed Journal keyed by sequence number, so the oldest
// exchange is the one evicted.
type journal struct {
	lru       *lru.Cache[uint64, domain.Exchange]
	seq       uint64
	evictions uint64
}

// disabledJournal is a no-op Journal used when size <= 0.
type disabledJournal struct{}

// New creates a Journal keeping size exchanges. If size <= 0 a disabled
// journal is returned.
func New(size int) (Journal, error) {
	if size <= 0 {
		return &disabledJournal{}, nil
	}

	var j journal
	cache, err := lru.NewWithEvict(size, func(_ uint64, _ domain.Exchange) {
		atomic.AddUint64(&j.evictions, 1)
	})
	if err != nil {
		return nil, err
	}
	j.lru = cache
	return &j, nil
}

func (j *journal) Record(e domain.Exchange) {
	j.lru.Add(atomic.AddUint64(&j.seq, 1), e)
}

func (j *journal) Recent() []domain.Exchange {
	keys := j.lru.Keys()
	out := make([]domain.Exchange, 0, len(keys))
	for _, k := range keys {
		// Peek keeps the recency order intact.
		if e, ok := j.lru.Peek(k); ok {
			out = append(out, e)
		}
	}
	return out
}

func (j *journal) Len() int { return j.lru.Len() }

func (j *journal) Dump(server string) {
	recent := j.Recent()
	log.Debug(map[string]any{"server": server, "count": len(recent)}, "recent exchanges")
	for _, e := range recent {
		log.Debug(map[string]any{"server": server}, e.String())
	}
}

// Stats returns the number of recorded exchanges and how many were evicted.
func (j *journal) Stats() (uint64, uint64) {
	return atomic.LoadUint64(&j.seq), atomic.LoadUint64(&j.evictions)
}

// disabledJournal implementation

func (d *disabledJournal) Record(domain.Exchange)    {}
func (d *disabledJournal) Recent() []domain.Exchange { return nil }
func (d *disabledJournal) Len() int                  { return 0 }
func (d *disabledJournal) Dump(string)               {}
func (d *disabledJournal) Stats() (uint64, uint64)   { return 0, 0 }

var _ Journal = (*journal)(nil)
var _ Journal = (*disabledJournal)(nil)
