package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/haukened/dnstest/internal/dnstest/domain"
)

// Section selects a message section.
type Section int

const (
	SectionAnswer Section = iota
	SectionAuthority
	SectionAdditional
)

// ErrNoSOA is returned when a response carries no SOA in its answer.
var ErrNoSOA = errors.New("no SOA record in answer")

// Response is the result of a query together with the request that
// produced it.
type Response struct {
	Msg       *dns.Msg
	Request   *dns.Msg
	Args      QueryRequest
	Transport string
	Port      int
}

// Rcode returns the textual response code, e.g. "NOERROR".
func (r *Response) Rcode() string {
	if s, ok := dns.RcodeToString[r.Msg.Rcode]; ok {
		return s
	}
	return fmt.Sprintf("RCODE%d", r.Msg.Rcode)
}

// SOASerial returns the serial of the first SOA in the answer section.
func (r *Response) SOASerial() (uint32, error) {
	for _, rr := range r.Msg.Answer {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Serial, nil
		}
	}
	return 0, ErrNoSOA
}

func (r *Response) section(s Section) []dns.RR {
	switch s {
	case SectionAuthority:
		return r.Msg.Ns
	case SectionAdditional:
		return r.Msg.Extra
	default:
		return r.Msg.Answer
	}
}

// Records returns the records of rtype in section s. "ANY" matches all.
func (r *Response) Records(s Section, rtype string) []dns.RR {
	rtype = strings.ToUpper(rtype)
	var out []dns.RR
	for _, rr := range r.section(s) {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		if rtype == "ANY" || dns.TypeToString[rr.Header().Rrtype] == rtype {
			out = append(out, rr)
		}
	}
	return out
}

// Answer returns the answer records of rtype.
func (r *Response) Answer(rtype string) []dns.RR {
	return r.Records(SectionAnswer, rtype)
}

// Count returns the number of records of rtype in section s.
func (r *Response) Count(rtype string, s Section) int {
	return len(r.Records(s, rtype))
}

// CheckRcode fails unless the response code is want.
func (r *Response) CheckRcode(want string) error {
	if got := r.Rcode(); got != strings.ToUpper(want) {
		return r.failed("check rcode", "expected rcode %s, got %s", strings.ToUpper(want), got)
	}
	return nil
}

// CheckRecord fails unless the answer holds a record of rtype whose rdata,
// in presentation format, equals rdata. Whitespace differences are ignored.
func (r *Response) CheckRecord(rtype, rdata string) error {
	want := strings.Join(strings.Fields(rdata), " ")
	for _, rr := range r.Answer(rtype) {
		if strings.EqualFold(Rdata(rr), want) {
			return nil
		}
	}
	return r.failed("check record", "no %s record with rdata '%s' for %s", strings.ToUpper(rtype), want, r.Args.Name)
}

// CheckNSEC checks the denial of existence records in the authority
// section: NSEC3 only when nsec3, none at all when nonsec, else NSEC only.
func (r *Response) CheckNSEC(nsec3, nonsec bool) error {
	nsec := r.Count("NSEC", SectionAuthority)
	n3 := r.Count("NSEC3", SectionAuthority)
	switch {
	case nonsec:
		if nsec+n3 > 0 {
			return r.failed("check nsec", "unexpected NSEC/NSEC3 records (%d/%d)", nsec, n3)
		}
	case nsec3:
		if n3 == 0 || nsec > 0 {
			return r.failed("check nsec", "expected NSEC3 only, got NSEC=%d NSEC3=%d", nsec, n3)
		}
	default:
		if nsec == 0 || n3 > 0 {
			return r.failed("check nsec", "expected NSEC only, got NSEC=%d NSEC3=%d", nsec, n3)
		}
	}
	return nil
}

func (r *Response) failed(op, format string, args ...any) error {
	return domain.NewFailed("", op, format, args...)
}

// Rdata returns the presentation form of rr without its header.
func Rdata(rr dns.RR) string {
	s := strings.TrimPrefix(rr.String(), rr.Header().String())
	return strings.Join(strings.Fields(s), " ")
}
