package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/haukened/dnstest/internal/dnstest/domain"
)

// DefaultPayload is the EDNS buffer size used when none is requested.
const DefaultPayload = 1232

// Transport selects how a query travels.
type Transport int

const (
	TransportAuto Transport = iota // random for plain queries, TCP for transfers
	TransportUDP
	TransportTCP
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	default:
		return "auto"
	}
}

// TsigMode controls signing when no explicit key is given.
type TsigMode int

const (
	// TsigAuto signs transfers with the server test key, plain queries not at all.
	TsigAuto TsigMode = iota
	// TsigTest signs any query with the server test key.
	TsigTest
	// TsigOff never signs, not even transfers.
	TsigOff
)

// QueryRequest holds the parameters of one query.
type QueryRequest struct {
	Name      string
	Type      string // e.g. "SOA", "AXFR", "IXFR" or "NOTIFY"
	Class     string // defaults to "IN"
	Transport Transport
	Serial    uint32        // IXFR base serial
	Timeout   time.Duration // per attempt, defaults to the client timeout
	Tries     int           // defaults to 3
	Flags     string        // space separated subset of AA TC RD RA AD CD Z
	EDNS      *int          // EDNS version
	BufSize   int
	NSID      bool
	DNSSEC    bool
	Tsig      *domain.Tsig // explicit key, wins over TsigMode
	TsigMode  TsigMode
	Addr      string // overrides the server address
	Source    string // local source address
	XDP       *bool  // nil picks the XDP port most of the time when available
	// Quiet skips the journal dump and the exhaustion hook on failure, for
	// polls whose failure is expected.
	Quiet bool
}

// plan is a QueryRequest resolved into wire decisions.
type plan struct {
	msg      *dns.Msg
	qtype    uint16
	typeStr  string // as logged, e.g. "IXFR=5"
	udp      bool
	transfer bool
	key      *domain.Tsig
	digFlags []string
	payload  uint16
}

var flagSetters = map[string]func(m *dns.Msg){
	"AA": func(m *dns.Msg) { m.Authoritative = true },
	"TC": func(m *dns.Msg) { m.Truncated = true },
	"RD": func(m *dns.Msg) { m.RecursionDesired = true },
	"RA": func(m *dns.Msg) { m.RecursionAvailable = true },
	"AD": func(m *dns.Msg) { m.AuthenticatedData = true },
	"CD": func(m *dns.Msg) { m.CheckingDisabled = true },
	"Z":  func(m *dns.Msg) { m.Zero = true },
}

// build resolves the transport and constructs the request message.
func (c *Client) build(req QueryRequest) (*plan, error) {
	rtype := strings.ToUpper(req.Type)
	p := &plan{typeStr: rtype}

	udp := req.Transport == TransportUDP
	auto := req.Transport == TransportAuto
	opcode := dns.OpcodeQuery

	switch rtype {
	case "AXFR":
		udp = false
		p.transfer = true
	case "IXFR":
		if auto {
			udp = false
		}
		p.transfer = true
		p.typeStr = fmt.Sprintf("IXFR=%d", req.Serial)
	case "NOTIFY":
		rtype = "SOA"
		p.typeStr = "SOA"
		opcode = dns.OpcodeNotify
		if auto {
			udp = c.chooser.Bool()
		}
	default:
		if auto {
			udp = c.chooser.Bool()
		}
	}
	p.udp = udp

	qtype, ok := dns.StringToType[rtype]
	if !ok {
		return nil, fmt.Errorf("unknown record type %q", req.Type)
	}
	qclass, ok := dns.StringToClass[strings.ToUpper(req.Class)]
	if !ok {
		return nil, fmt.Errorf("unknown class %q", req.Class)
	}
	p.qtype = qtype

	m := new(dns.Msg)
	if rtype == "IXFR" {
		m.SetIxfr(dns.Fqdn(req.Name), req.Serial, ".", ".")
	} else {
		m.SetQuestion(dns.Fqdn(req.Name), qtype)
	}
	m.Question[0].Qclass = qclass
	m.Opcode = opcode

	// Callers opt in to recursion explicitly.
	m.RecursionDesired = false

	if udp {
		p.digFlags = append(p.digFlags, "+notcp")
	} else {
		p.digFlags = append(p.digFlags, "+tcp")
	}
	p.digFlags = append(p.digFlags, fmt.Sprintf("+retry=%d", req.Tries-1), fmt.Sprintf("+time=%d", int(req.Timeout/time.Second)))

	for _, f := range strings.Fields(strings.ToUpper(req.Flags)) {
		if set, ok := flagSetters[f]; ok {
			set(m)
			p.digFlags = append(p.digFlags, "+"+strings.ToLower(f))
		}
	}

	if req.EDNS != nil || req.BufSize > 0 || req.NSID {
		version := 0
		if req.EDNS != nil {
			version = *req.EDNS
		}
		payload := DefaultPayload
		if req.BufSize > 0 {
			payload = req.BufSize
		}
		opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
		opt.SetVersion(uint8(version))
		opt.SetUDPSize(uint16(payload))
		p.digFlags = append(p.digFlags, fmt.Sprintf("+edns=%d", version), fmt.Sprintf("+bufsize=%d", payload))
		if req.NSID {
			opt.Option = append(opt.Option, &dns.EDNS0_NSID{Code: dns.EDNS0NSID})
			p.digFlags = append(p.digFlags, "+nsid")
		}
		m.Extra = append(m.Extra, opt)
	}

	if req.DNSSEC {
		if opt := m.IsEdns0(); opt != nil {
			opt.SetDo()
		} else {
			m.SetEdns0(DefaultPayload, true)
		}
		p.payload = m.IsEdns0().UDPSize()
		p.digFlags = append(p.digFlags, "+dnssec", fmt.Sprintf("+bufsize=%d", p.payload))
	}

	if req.Source != "" {
		p.digFlags = append(p.digFlags, "-b "+req.Source)
	}

	p.key = c.signingKey(req, p.transfer)
	if p.key != nil {
		m.SetTsig(p.key.Name, p.key.AlgFqdn(), 300, c.clock.Now().Unix())
	}

	p.msg = m
	return p, nil
}

// signingKey picks the TSIG key for a request.
func (c *Client) signingKey(req QueryRequest, transfer bool) *domain.Tsig {
	if req.Tsig != nil {
		return req.Tsig
	}
	if c.testKey == nil {
		return nil
	}
	switch req.TsigMode {
	case TsigTest:
		return c.testKey
	case TsigAuto:
		if transfer {
			return c.testKey
		}
	}
	return nil
}
