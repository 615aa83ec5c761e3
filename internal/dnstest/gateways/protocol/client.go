// Package protocol talks DNS to a server under test: queries, zone
// transfers, raw datagrams and dynamic updates.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/haukened/dnstest/internal/dnstest/common/clock"
	"github.com/haukened/dnstest/internal/dnstest/common/log"
	"github.com/haukened/dnstest/internal/dnstest/common/retry"
	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/repos/exchangelog"
)

const (
	// DefaultTimeout bounds one query attempt.
	DefaultTimeout = 5 * time.Second
	// DefaultTries is the number of attempts of a query.
	DefaultTries = 3
	// xdpShare is the probability of picking the XDP port when available.
	xdpShare = 0.8
)

const (
	errRawSend  = "Can't send RAW data (%d bytes) to server='%s'"
	errAddrPort = "server %s has no address configured"
)

// Options configure a Client.
type Options struct {
	Server  string
	Addr    string
	Port    int
	XDPPort int
	TestKey *domain.Tsig
	Timeout time.Duration
	Chooser Chooser
	Clock   clock.Clock
	Wire    Wire
	Journal exchangelog.Journal
	// OnExhausted runs before a QueryFailure is returned, e.g. to capture
	// a backtrace of the server.
	OnExhausted func()
}

// Client sends queries to one server.
type Client struct {
	server      string
	addr        string
	port        int
	xdpPort     int
	testKey     *domain.Tsig
	timeout     time.Duration
	chooser     Chooser
	clock       clock.Clock
	wire        Wire
	journal     exchangelog.Journal
	onExhausted func()
}

// NewClient creates a Client, applying defaults for zero options.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Chooser == nil {
		opts.Chooser = NewChooser(0)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Wire == nil {
		opts.Wire = NewWire()
	}
	if opts.Journal == nil {
		opts.Journal, _ = exchangelog.New(0)
	}
	return &Client{
		server:      opts.Server,
		addr:        opts.Addr,
		port:        opts.Port,
		xdpPort:     opts.XDPPort,
		testKey:     opts.TestKey,
		timeout:     opts.Timeout,
		chooser:     opts.Chooser,
		clock:       opts.Clock,
		wire:        opts.Wire,
		journal:     opts.Journal,
		onExhausted: opts.OnExhausted,
	}
}

// SetPorts updates the ports after they were assigned for a run.
func (c *Client) SetPorts(port, xdpPort int) {
	c.port = port
	c.xdpPort = xdpPort
}

// SetTestKey sets the key used to sign transfers and updates.
func (c *Client) SetTestKey(k *domain.Tsig) {
	c.testKey = k
}

// TestKey returns the key used to sign transfers and updates.
func (c *Client) TestKey() *domain.Tsig {
	return c.testKey
}

// QueryPort returns the port a query goes to. A nil xdp picks the XDP
// port with 80% probability when one is configured.
func (c *Client) QueryPort(xdp *bool) int {
	if c.xdpPort == 0 {
		return c.port
	}
	var use bool
	if xdp != nil {
		use = *xdp
	} else {
		use = c.chooser.Float64() < xdpShare
	}
	if use {
		return c.xdpPort
	}
	return c.port
}

// Query sends req and returns the response of the first successful attempt.
// Timeouts are retried immediately, other errors after sleeping the
// timeout. When every attempt failed a *domain.QueryFailure is returned.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*Response, error) {
	if req.Class == "" {
		req.Class = "IN"
	}
	if req.Tries <= 0 {
		req.Tries = DefaultTries
	}
	if req.Timeout <= 0 {
		req.Timeout = c.timeout
	}
	addr := req.Addr
	if addr == "" {
		addr = c.addr
	}
	if addr == "" {
		return nil, fmt.Errorf(errAddrPort, c.server)
	}

	p, err := c.build(req)
	if err != nil {
		return nil, err
	}

	network := "tcp"
	if p.udp {
		network = "udp"
	}

	if p.key != nil {
		log.Debug(map[string]any{"server": c.server}, p.key.String())
	}

	var resp *Response
	var lastErr error
	budget := retry.Budget{Attempts: req.Tries}
	_, err = retry.Do(c.clock, budget, func(attempt int) (bool, error) {
		port := c.QueryPort(req.XDP)
		log.Info(map[string]any{"server": c.server, "attempt": attempt + 1}, fmt.Sprintf("DIG %s %s %s @%s -p %d %s",
			req.Name, p.typeStr, req.Class, addr, port, strings.Join(p.digFlags, " ")))
		route := Route{
			Network: network,
			Address: net.JoinHostPort(addr, strconv.Itoa(port)),
			Timeout: req.Timeout,
			Source:  req.Source,
		}
		if p.key != nil {
			route.TsigSecret = map[string]string{p.key.Name: p.key.Secret}
		}

		start := c.clock.Now()
		r, err := c.send(ctx, p, route)
		x := domain.Exchange{
			Server:    c.server,
			Name:      req.Name,
			Type:      p.typeStr,
			Class:     req.Class,
			Transport: network,
			Port:      port,
			Duration:  c.clock.Now().Sub(start),
			At:        start,
		}
		if err != nil {
			x.Err = err.Error()
			c.journal.Record(x)
			lastErr = err
			if isTimeout(err) {
				return false, err
			}
			log.Debug(map[string]any{"server": c.server}, "DIG returned: "+err.Error())
			if !budget.Last(attempt) {
				c.clock.Sleep(req.Timeout)
			}
			return false, err
		}
		x.Rcode = dns.RcodeToString[r.Rcode]
		x.Answers = len(r.Answer)
		c.journal.Record(x)

		resp = &Response{Msg: r, Request: p.msg, Args: req, Transport: network, Port: port}
		return true, nil
	})
	if err == nil {
		return resp, nil
	}

	if !req.Quiet {
		c.journal.Dump(c.server)
		if c.onExhausted != nil {
			c.onExhausted()
		}
	}
	return nil, &domain.QueryFailure{Server: c.server, Name: req.Name, Class: req.Class, Type: req.Type, Err: lastErr}
}

func (c *Client) send(ctx context.Context, p *plan, route Route) (*dns.Msg, error) {
	if !p.transfer || p.udp {
		return c.wire.Exchange(ctx, p.msg, route)
	}
	rrs, err := c.wire.Transfer(ctx, p.msg, route)
	if err != nil {
		return nil, err
	}
	// The records of a streamed transfer are presented as one answer.
	m := new(dns.Msg)
	m.SetReply(p.msg)
	m.Authoritative = true
	m.Answer = rrs
	return m, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// SendRaw sends data as one UDP datagram to the server.
func (c *Client) SendRaw(data []byte) error {
	conn, err := net.Dial("udp", net.JoinHostPort(c.addr, strconv.Itoa(c.port)))
	if err != nil {
		return domain.NewFailed(c.server, "send raw", errRawSend, len(data), c.server)
	}
	defer conn.Close()

	n, err := conn.Write(data)
	if err != nil || n != len(data) {
		return domain.NewFailed(c.server, "send raw", errRawSend, len(data), c.server)
	}
	return nil
}
