package protocol

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/haukened/dnstest/internal/dnstest/common/log"
	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/gateways/process"
)

type opKind int

const (
	opAdd opKind = iota
	opDelete
	opPrereqYX // name or rrset exists
	opPrereqNX // name or rrset does not exist
)

// UpdateOp is one change or prerequisite of a dynamic update. An empty
// Type addresses the whole name, an empty Rdata the whole rrset.
type UpdateOp struct {
	kind  opKind
	Owner string
	TTL   uint32
	Type  string
	Rdata string
}

// Updater delivers a dynamic update and returns the response code.
type Updater interface {
	Name() string
	Send(ctx context.Context, zone string, ops []UpdateOp) (string, error)
}

// UpdateSession accumulates the operations of one dynamic update.
type UpdateSession struct {
	client  *Client
	zone    string
	ops     []UpdateOp
	updater Updater
}

// Update returns a session for zone bound to one of the two update
// implementations, picked by the client's chooser. nsupdate may be nil.
func (c *Client) Update(zone string, nsupdate Updater) *UpdateSession {
	var u Updater = &MsgUpdater{Client: c}
	if nsupdate != nil && c.chooser.Bool() {
		u = nsupdate
	}
	return &UpdateSession{client: c, zone: dns.Fqdn(zone), updater: u}
}

// Updater returns the implementation the session sends through.
func (s *UpdateSession) Updater() Updater { return s.updater }

// Ops returns the queued operations.
func (s *UpdateSession) Ops() []UpdateOp { return append([]UpdateOp(nil), s.ops...) }

func (s *UpdateSession) owner(o string) string {
	if o == "@" || o == "" {
		return s.zone
	}
	if strings.HasSuffix(o, ".") {
		return o
	}
	return o + "." + s.zone
}

// Add queues the addition of a record.
func (s *UpdateSession) Add(owner string, ttl uint32, rtype, rdata string) *UpdateSession {
	s.ops = append(s.ops, UpdateOp{kind: opAdd, Owner: s.owner(owner), TTL: ttl, Type: strings.ToUpper(rtype), Rdata: rdata})
	return s
}

// Delete queues the removal of a record, an rrset (no rdata) or every
// record of a name (rtype "ANY").
func (s *UpdateSession) Delete(owner, rtype string, rdata ...string) *UpdateSession {
	op := UpdateOp{kind: opDelete, Owner: s.owner(owner), Type: strings.ToUpper(rtype)}
	if op.Type == "ANY" {
		op.Type = ""
	}
	if len(rdata) > 0 {
		op.Rdata = strings.Join(rdata, " ")
	}
	s.ops = append(s.ops, op)
	return s
}

// PrereqYX requires the name (empty rtype), the rrset or the record to exist.
func (s *UpdateSession) PrereqYX(owner, rtype string, rdata ...string) *UpdateSession {
	op := UpdateOp{kind: opPrereqYX, Owner: s.owner(owner), Type: strings.ToUpper(rtype)}
	if len(rdata) > 0 {
		op.Rdata = strings.Join(rdata, " ")
	}
	s.ops = append(s.ops, op)
	return s
}

// PrereqNX requires the name (empty rtype) or the rrset not to exist.
func (s *UpdateSession) PrereqNX(owner, rtype string) *UpdateSession {
	s.ops = append(s.ops, UpdateOp{kind: opPrereqNX, Owner: s.owner(owner), Type: strings.ToUpper(rtype)})
	return s
}

// TrySend sends the update and returns the response code.
func (s *UpdateSession) TrySend(ctx context.Context) (string, error) {
	log.Info(map[string]any{"server": s.client.server, "via": s.updater.Name()}, fmt.Sprintf("UPDATE %s (%d ops)", s.zone, len(s.ops)))
	return s.updater.Send(ctx, s.zone, s.ops)
}

// Send sends the update and fails unless the response code is want
// ("NOERROR" when empty).
func (s *UpdateSession) Send(ctx context.Context, want string) error {
	if want == "" {
		want = "NOERROR"
	}
	rcode, err := s.TrySend(ctx)
	if err != nil {
		return domain.NewFailed(s.client.server, "update", "can't send update of zone '%s': %v", s.zone, err)
	}
	if !strings.EqualFold(rcode, want) {
		return domain.NewFailed(s.client.server, "update", "update of zone '%s' returned %s, expected %s", s.zone, rcode, strings.ToUpper(want))
	}
	return nil
}

// MsgUpdater builds the update message in process with miekg/dns.
type MsgUpdater struct {
	Client *Client
}

func (u *MsgUpdater) Name() string { return "dns" }

func (u *MsgUpdater) Send(ctx context.Context, zone string, ops []UpdateOp) (string, error) {
	m, err := BuildUpdate(zone, ops)
	if err != nil {
		return "", err
	}
	c := u.Client
	route := Route{
		Network: "tcp",
		Address: net.JoinHostPort(c.addr, strconv.Itoa(c.port)),
		Timeout: c.timeout,
	}
	if c.testKey != nil {
		m.SetTsig(c.testKey.Name, c.testKey.AlgFqdn(), 300, c.clock.Now().Unix())
		route.TsigSecret = map[string]string{c.testKey.Name: c.testKey.Secret}
	}

	resp, err := c.wire.Exchange(ctx, m, route)
	if err != nil {
		return "", err
	}
	return dns.RcodeToString[resp.Rcode], nil
}

// BuildUpdate converts ops into an UPDATE message for zone.
func BuildUpdate(zone string, ops []UpdateOp) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn(zone))

	for _, op := range ops {
		switch op.kind {
		case opAdd:
			rr, err := newRR(op, op.TTL)
			if err != nil {
				return nil, err
			}
			m.Insert([]dns.RR{rr})
		case opDelete:
			switch {
			case op.Type == "":
				m.RemoveName([]dns.RR{headerOnly(op.Owner, dns.TypeANY)})
			case op.Rdata == "":
				t, err := rrType(op.Type)
				if err != nil {
					return nil, err
				}
				m.RemoveRRset([]dns.RR{headerOnly(op.Owner, t)})
			default:
				rr, err := newRR(op, 0)
				if err != nil {
					return nil, err
				}
				m.Remove([]dns.RR{rr})
			}
		case opPrereqYX:
			switch {
			case op.Type == "":
				m.NameUsed([]dns.RR{headerOnly(op.Owner, dns.TypeANY)})
			case op.Rdata == "":
				t, err := rrType(op.Type)
				if err != nil {
					return nil, err
				}
				m.RRsetUsed([]dns.RR{headerOnly(op.Owner, t)})
			default:
				rr, err := newRR(op, 0)
				if err != nil {
					return nil, err
				}
				m.Used([]dns.RR{rr})
			}
		case opPrereqNX:
			if op.Type == "" {
				m.NameNotUsed([]dns.RR{headerOnly(op.Owner, dns.TypeANY)})
				continue
			}
			t, err := rrType(op.Type)
			if err != nil {
				return nil, err
			}
			m.RRsetNotUsed([]dns.RR{headerOnly(op.Owner, t)})
		}
	}
	return m, nil
}

func rrType(s string) (uint16, error) {
	t, ok := dns.StringToType[s]
	if !ok {
		return 0, fmt.Errorf("unknown record type %q", s)
	}
	return t, nil
}

func headerOnly(owner string, t uint16) dns.RR {
	return &dns.ANY{Hdr: dns.RR_Header{Name: dns.Fqdn(owner), Rrtype: t, Class: dns.ClassINET}}
}

func newRR(op UpdateOp, ttl uint32) (dns.RR, error) {
	rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", op.Owner, ttl, op.Type, op.Rdata))
	if err != nil {
		return nil, fmt.Errorf("invalid record %s %s %s: %w", op.Owner, op.Type, op.Rdata, err)
	}
	if rr == nil {
		return nil, fmt.Errorf("empty record %s %s", op.Owner, op.Type)
	}
	return rr, nil
}

var reStatus = regexp.MustCompile(`status: (\w+)`)

// NsupdateUpdater feeds the same operations to the knsupdate tool.
type NsupdateUpdater struct {
	Bin    string
	Runner process.Runner
	Client *Client
}

func (u *NsupdateUpdater) Name() string { return "knsupdate" }

// Script renders ops as a knsupdate script.
func (u *NsupdateUpdater) Script(zone string, ops []UpdateOp) string {
	c := u.Client
	var b strings.Builder
	fmt.Fprintf(&b, "server %s %d\n", c.addr, c.port)
	fmt.Fprintf(&b, "zone %s\n", zone)
	fmt.Fprintf(&b, "origin %s\n", zone)
	if k := c.testKey; k != nil {
		fmt.Fprintf(&b, "key %s:%s %s\n", k.Alg, k.Name, k.Secret)
	}
	for _, op := range ops {
		switch op.kind {
		case opAdd:
			fmt.Fprintf(&b, "update add %s %d %s %s\n", op.Owner, op.TTL, op.Type, op.Rdata)
		case opDelete:
			fmt.Fprintf(&b, "%s\n", strings.TrimSpace(fmt.Sprintf("update delete %s %s %s", op.Owner, op.Type, op.Rdata)))
		case opPrereqYX:
			if op.Type == "" {
				fmt.Fprintf(&b, "prereq yxdomain %s\n", op.Owner)
			} else {
				fmt.Fprintf(&b, "%s\n", strings.TrimSpace(fmt.Sprintf("prereq yxrrset %s %s %s", op.Owner, op.Type, op.Rdata)))
			}
		case opPrereqNX:
			if op.Type == "" {
				fmt.Fprintf(&b, "prereq nxdomain %s\n", op.Owner)
			} else {
				fmt.Fprintf(&b, "prereq nxrrset %s %s\n", op.Owner, op.Type)
			}
		}
	}
	b.WriteString("send\nanswer\n")
	return b.String()
}

func (u *NsupdateUpdater) Send(ctx context.Context, zone string, ops []UpdateOp) (string, error) {
	runner := u.Runner
	if runner == nil {
		runner = process.ExecRunner{}
	}
	script := u.Script(zone, ops)
	log.Debug(map[string]any{"server": u.Client.server}, script)

	var out, errOut bytes.Buffer
	code, err := runner.Run(ctx, process.Command{
		Name:   u.Bin,
		Args:   []string{"-t", strconv.Itoa(int(u.Client.timeout.Seconds()))},
		Stdin:  strings.NewReader(script),
		Stdout: &out,
		Stderr: &errOut,
	})
	if err != nil {
		return "", fmt.Errorf("run %s: %w", u.Bin, err)
	}
	if m := reStatus.FindStringSubmatch(out.String()); m != nil {
		return m[1], nil
	}
	if m := reStatus.FindStringSubmatch(errOut.String()); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("%s exited %d without status: %s", u.Bin, code, strings.TrimSpace(errOut.String()))
}

var (
	_ Updater = (*MsgUpdater)(nil)
	_ Updater = (*NsupdateUpdater)(nil)
)
