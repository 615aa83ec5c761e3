// Package convergence polls a server until a zone reaches an expected SOA
// serial.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haukened/dnstest/internal/dnstest/common/clock"
	"github.com/haukened/dnstest/internal/dnstest/common/log"
	"github.com/haukened/dnstest/internal/dnstest/common/retry"
	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/gateways/protocol"
	"github.com/haukened/dnstest/internal/dnstest/repos/exchangelog"
)

const (
	// Attempts is the poll budget of a normal build.
	Attempts = 60
	// InstrumentedAttempts is the poll budget under valgrind.
	InstrumentedAttempts = 100
	// Interval separates two polls.
	Interval = 2 * time.Second
	// QueryTimeout bounds the SOA query of one poll.
	QueryTimeout = 2 * time.Second
)

var (
	// ErrSerialsConflict is returned when baseline serials are both given
	// and requested from the zone files.
	ErrSerialsConflict = errors.New("serials from zone files are incompatible with explicit serials")
	// ErrNoControl is returned when polling over the control socket is
	// requested but the server has none.
	ErrNoControl = errors.New("server has no control socket")
)

// SerialSource fetches the current SOA serial of a zone.
type SerialSource interface {
	Serial(ctx context.Context, zone string) (uint32, error)
}

// SourceFunc adapts a function to SerialSource.
type SourceFunc func(ctx context.Context, zone string) (uint32, error)

func (f SourceFunc) Serial(ctx context.Context, zone string) (uint32, error) { return f(ctx, zone) }

// QuerySource reads the serial with a single SOA query. A failed query is
// left to the waiter, which reports exhaustion once per wait.
type QuerySource struct {
	Client    *protocol.Client
	Transport protocol.Transport
	Tsig      *domain.Tsig
}

func (q QuerySource) Serial(ctx context.Context, zone string) (uint32, error) {
	resp, err := q.Client.Query(ctx, protocol.QueryRequest{
		Name:      zone,
		Type:      "SOA",
		Transport: q.Transport,
		Tries:     1,
		Timeout:   QueryTimeout,
		Tsig:      q.Tsig,
		Quiet:     true,
	})
	if err != nil {
		return 0, err
	}
	return resp.SOASerial()
}

// SocketReader is implemented by control.KnotSocket.
type SocketReader interface {
	ZoneReadSOASerial(ctx context.Context, zone string) (uint32, error)
}

// ControlSource reads the serial over the control socket.
type ControlSource struct {
	Socket SocketReader
}

func (c ControlSource) Serial(ctx context.Context, zone string) (uint32, error) {
	return c.Socket.ZoneReadSOASerial(ctx, zone)
}

// WaitOptions describe the awaited serial. Without a Target the first
// observed serial is accepted. With a Target, the poll stops once Equal
// holds (observed == Target) or Greater holds (observed > Target).
type WaitOptions struct {
	Target     *uint32
	Equal      bool
	Greater    bool
	UseControl bool
}

// Any accepts whatever serial is observed first.
func Any() WaitOptions { return WaitOptions{Greater: true} }

// Above waits for a serial greater than s.
func Above(s uint32) WaitOptions { return WaitOptions{Target: &s, Greater: true} }

// Exactly waits for the serial s.
func Exactly(s uint32) WaitOptions { return WaitOptions{Target: &s, Equal: true} }

// Relation renders the awaited relation as used in failure messages,
// e.g. ">5" or ">=5".
func (o WaitOptions) Relation() string {
	if o.Target == nil {
		return ""
	}
	rel := ""
	if o.Greater {
		rel += ">"
	}
	if o.Equal {
		rel += "="
	}
	return fmt.Sprintf("%s%d", rel, *o.Target)
}

func (o WaitOptions) satisfied(serial uint32) bool {
	if o.Target == nil {
		return true
	}
	return (o.Equal && serial == *o.Target) || (o.Greater && serial > *o.Target)
}

// Options configure a Waiter.
type Options struct {
	Server       string
	Query        SerialSource
	Control      SerialSource
	Instrumented bool
	Clock        clock.Clock
	Journal      exchangelog.Journal
	// OnExhausted runs before a ConvergenceFailure is returned.
	OnExhausted func()
	// ZoneSerial reads the serial of a zone's file, used by WaitForMany.
	ZoneSerial func(zone string) (uint32, error)
}

// Waiter waits for zones of one server.
type Waiter struct {
	opts Options
}

// New creates a Waiter.
func New(opts Options) *Waiter {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Journal == nil {
		opts.Journal, _ = exchangelog.New(0)
	}
	return &Waiter{opts: opts}
}

// Budget returns the poll budget in effect.
func (w *Waiter) Budget() retry.Budget {
	n := Attempts
	if w.opts.Instrumented {
		n = InstrumentedAttempts
	}
	return retry.Budget{Attempts: n, Delay: Interval}
}

// WaitForSerial polls zone until its serial satisfies o and returns the
// last observed serial. Any fetch error counts as no observation.
func (w *Waiter) WaitForSerial(ctx context.Context, zone string, o WaitOptions) (uint32, error) {
	src := w.opts.Query
	if o.UseControl {
		src = w.opts.Control
	}
	if src == nil {
		if o.UseControl {
			return 0, ErrNoControl
		}
		return 0, fmt.Errorf("server %s has no serial source", w.opts.Server)
	}

	log.Info(map[string]any{"server": w.opts.Server}, fmt.Sprintf("ZONE WAIT %s: %s", w.opts.Server, zone))

	var observed uint32
	_, err := retry.Do(w.opts.Clock, w.Budget(), func(int) (bool, error) {
		serial, err := src.Serial(ctx, zone)
		if err != nil {
			log.Debug(map[string]any{"server": w.opts.Server, "zone": zone}, "no serial observed: "+err.Error())
			return false, err
		}
		observed = serial
		return o.satisfied(serial), nil
	})
	if err != nil {
		w.opts.Journal.Dump(w.opts.Server)
		if w.opts.OnExhausted != nil {
			w.opts.OnExhausted()
		}
		return 0, &domain.ConvergenceFailure{Server: w.opts.Server, Zone: zone, Relation: o.Relation()}
	}
	log.Debug(map[string]any{"server": w.opts.Server, "zone": zone, "serial": observed}, "zone converged")
	return observed, nil
}

// ManyOptions describe a batch wait. Serials gives the baseline per zone;
// FromZoneFile reads it from each zone file instead. Without either, any
// serial is accepted.
type ManyOptions struct {
	Serials      map[string]uint32
	FromZoneFile bool
	Equal        bool
	Greater      bool
	UseControl   bool
}

// WaitForMany waits for every zone in order and returns the observed serials.
func (w *Waiter) WaitForMany(ctx context.Context, zones []string, o ManyOptions) (map[string]uint32, error) {
	serials := o.Serials
	if o.FromZoneFile {
		if serials != nil {
			return nil, ErrSerialsConflict
		}
		if w.opts.ZoneSerial == nil {
			return nil, fmt.Errorf("server %s cannot read zone file serials", w.opts.Server)
		}
		serials = make(map[string]uint32, len(zones))
		for _, z := range zones {
			s, err := w.opts.ZoneSerial(z)
			if err != nil {
				return nil, fmt.Errorf("zone %s: %w", z, err)
			}
			serials[z] = s
		}
	}

	out := make(map[string]uint32, len(zones))
	for _, z := range zones {
		wo := WaitOptions{Equal: o.Equal, Greater: o.Greater, UseControl: o.UseControl}
		if serials != nil {
			s, ok := serials[z]
			if !ok {
				return out, fmt.Errorf("no baseline serial for zone %s", z)
			}
			wo.Target = &s
		}
		got, err := w.WaitForSerial(ctx, z, wo)
		if err != nil {
			return out, err
		}
		out[z] = got
	}
	return out, nil
}
