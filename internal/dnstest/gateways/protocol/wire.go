package protocol

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Route describes where and how one message is sent.
type Route struct {
	Network    string // "udp" or "tcp"
	Address    string // host:port
	Timeout    time.Duration
	Source     string // optional local address
	TsigSecret map[string]string
}

// Wire moves DNS messages. The default implementation uses miekg/dns; tests
// substitute their own.
type Wire interface {
	Exchange(ctx context.Context, req *dns.Msg, r Route) (*dns.Msg, error)
	// Transfer runs an AXFR or IXFR over TCP and returns every record of
	// the transfer in order.
	Transfer(ctx context.Context, req *dns.Msg, r Route) ([]dns.RR, error)
}

type dnsWire struct{}

// NewWire returns the miekg/dns backed Wire.
func NewWire() Wire { return dnsWire{} }

func (dnsWire) Exchange(ctx context.Context, req *dns.Msg, r Route) (*dns.Msg, error) {
	c := &dns.Client{Net: r.Network, Timeout: r.Timeout, TsigSecret: r.TsigSecret}
	if r.Source != "" {
		local, err := localAddr(r.Network, r.Source)
		if err != nil {
			return nil, err
		}
		c.Dialer = &net.Dialer{Timeout: r.Timeout, LocalAddr: local}
	}
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	resp, _, err := c.ExchangeContext(ctx, req, r.Address)
	return resp, err
}

func (dnsWire) Transfer(ctx context.Context, req *dns.Msg, r Route) ([]dns.RR, error) {
	d := net.Dialer{Timeout: r.Timeout}
	if r.Source != "" {
		local, err := localAddr("tcp", r.Source)
		if err != nil {
			return nil, err
		}
		d.LocalAddr = local
	}
	conn, err := d.DialContext(ctx, "tcp", r.Address)
	if err != nil {
		return nil, err
	}

	t := &dns.Transfer{
		Conn:         &dns.Conn{Conn: conn},
		DialTimeout:  r.Timeout,
		ReadTimeout:  r.Timeout,
		WriteTimeout: r.Timeout,
		TsigSecret:   r.TsigSecret,
	}
	defer t.Close()

	env, err := t.In(req, r.Address)
	if err != nil {
		return nil, err
	}
	var rrs []dns.RR
	for e := range env {
		if e.Error != nil {
			return rrs, e.Error
		}
		rrs = append(rrs, e.RR...)
	}
	return rrs, nil
}

func localAddr(network, source string) (net.Addr, error) {
	ip := net.ParseIP(source)
	if ip == nil {
		return nil, fmt.Errorf("invalid source address %q", source)
	}
	if network == "tcp" {
		return &net.TCPAddr{IP: ip}, nil
	}
	return &net.UDPAddr{IP: ip}, nil
}

var _ Wire = dnsWire{}
