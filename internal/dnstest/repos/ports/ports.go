// Package ports hands out random ports for server runs.
package ports

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/haukened/dnstest/internal/dnstest/domain"
)

const (
	defaultAttempts = 100
	defaultFPRate   = 0.001
	// minCapacity keeps false positives negligible for small ranges.
	minCapacity = 1024
)

// ErrNoFreePort is returned when no candidate passed within the attempt budget.
var ErrNoFreePort = errors.New("no free port found")

// ProbeFunc reports whether port can be bound on addr right now.
type ProbeFunc func(addr string, port int) bool

// Options configure an Allocator.
type Options struct {
	Addr     string
	Min      int
	Max      int
	Seed     int64
	Attempts int
	Probe    ProbeFunc
}

// Allocator picks random unclaimed ports within [Min, Max]. Claimed ports
// are remembered in a bloom filter and never handed out again. A false
// positive only costs a candidate.
type Allocator struct {
	mu       sync.Mutex
	addr     string
	min      int
	max      int
	attempts int
	rnd      *rand.Rand
	probe    ProbeFunc
	claimed  *bitsbloom.BloomFilter
}

// New creates an Allocator, applying defaults for zero options.
func New(opts Options) (*Allocator, error) {
	if opts.Min <= 0 || opts.Max > 65535 || opts.Max <= opts.Min {
		return nil, fmt.Errorf("invalid port range %d-%d", opts.Min, opts.Max)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Probe == nil {
		opts.Probe = Bindable
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	capacity := uint(opts.Max - opts.Min + 1)
	if capacity < minCapacity {
		capacity = minCapacity
	}
	return &Allocator{
		addr:     opts.Addr,
		min:      opts.Min,
		max:      opts.Max,
		attempts: opts.Attempts,
		rnd:      rand.New(rand.NewSource(opts.Seed)),
		probe:    opts.Probe,
		claimed:  bitsbloom.NewWithEstimates(capacity, defaultFPRate),
	}, nil
}

// Claim returns a port not handed out before that is currently bindable.
func (a *Allocator) Claim() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.max - a.min + 1
	for i := 0; i < a.attempts; i++ {
		port := a.min + a.rnd.Intn(span)
		key := portKey(port)
		if a.claimed.Test(key) {
			continue
		}
		if !a.probe(a.addr, port) {
			continue
		}
		a.claimed.Add(key)
		return port, nil
	}
	return 0, fmt.Errorf("%w in %d attempts (%d-%d)", ErrNoFreePort, a.attempts, a.min, a.max)
}

// ClaimSet claims the plain and control ports plus the optional ones.
func (a *Allocator) ClaimSet(tls, quic, xdp bool) (domain.Ports, error) {
	var p domain.Ports
	var err error
	if p.Plain, err = a.Claim(); err != nil {
		return p, err
	}
	if p.Control, err = a.Claim(); err != nil {
		return p, err
	}
	if tls {
		if p.TLS, err = a.Claim(); err != nil {
			return p, err
		}
	}
	if quic {
		if p.QUIC, err = a.Claim(); err != nil {
			return p, err
		}
	}
	if xdp {
		if p.XDP, err = a.Claim(); err != nil {
			return p, err
		}
	}
	return p, nil
}

// Bindable binds port on both TCP and UDP and releases it again. A unix
// socket path falls back to the loopback address.
func Bindable(addr string, port int) bool {
	if net.ParseIP(addr) == nil {
		addr = "127.0.0.1"
	}
	hostport := net.JoinHostPort(addr, strconv.Itoa(port))

	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return false
	}
	_ = ln.Close()

	pc, err := net.ListenPacket("udp", hostport)
	if err != nil {
		return false
	}
	_ = pc.Close()
	return true
}

func portKey(port int) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(port))
	return buf
}
