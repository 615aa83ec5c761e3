package protocol

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/gateways/process"
)

type mockRunner struct {
	mock.Mock
	stdin string
}

func (m *mockRunner) Run(ctx context.Context, cmd process.Command) (int, error) {
	if cmd.Stdin != nil {
		b, _ := io.ReadAll(cmd.Stdin)
		m.stdin = string(b)
	}
	args := m.Called(cmd.Name, cmd.Args)
	if out := args.String(2); out != "" && cmd.Stdout != nil {
		_, _ = io.WriteString(cmd.Stdout, out)
	}
	return args.Int(0), args.Error(1)
}

func TestBuildUpdate_Sections(t *testing.T) {
	c := NewClient(Options{Server: "knot1", Addr: "127.0.0.1", Port: 53})
	s := c.Update("example.com", nil).
		PrereqNX("new", "").
		PrereqYX("www", "A", "192.0.2.1").
		PrereqYX("@", "").
		Add("new", 300, "a", "192.0.2.5").
		Delete("old", "TXT").
		Delete("www", "A", "192.0.2.1").
		Delete("gone", "ANY")

	m, err := BuildUpdate("example.com", s.Ops())
	require.NoError(t, err)

	assert.Equal(t, dns.OpcodeUpdate, m.Opcode)
	require.Len(t, m.Question, 1)
	assert.Equal(t, "example.com.", m.Question[0].Name)
	assert.Equal(t, dns.TypeSOA, m.Question[0].Qtype)

	require.Len(t, m.Answer, 3, "prerequisites")
	assert.Equal(t, "new.example.com.", m.Answer[0].Header().Name)
	assert.Equal(t, uint16(dns.ClassNONE), m.Answer[0].Header().Class)
	assert.Equal(t, "www.example.com.", m.Answer[1].Header().Name)
	assert.Equal(t, dns.TypeA, m.Answer[1].Header().Rrtype)
	assert.Equal(t, "example.com.", m.Answer[2].Header().Name)
	assert.Equal(t, uint16(dns.ClassANY), m.Answer[2].Header().Class)

	require.Len(t, m.Ns, 4, "updates")
	assert.Equal(t, "new.example.com.", m.Ns[0].Header().Name)
	assert.Equal(t, uint32(300), m.Ns[0].Header().Ttl)
	assert.Equal(t, uint16(dns.ClassINET), m.Ns[0].Header().Class)
	assert.Equal(t, dns.TypeTXT, m.Ns[1].Header().Rrtype)
	assert.Equal(t, uint16(dns.ClassANY), m.Ns[1].Header().Class)
	assert.Equal(t, uint16(dns.ClassNONE), m.Ns[2].Header().Class)
	assert.Equal(t, dns.TypeANY, m.Ns[3].Header().Rrtype)
	assert.Equal(t, uint16(dns.ClassANY), m.Ns[3].Header().Class)
}

func TestBuildUpdate_InvalidRecord(t *testing.T) {
	c := NewClient(Options{Server: "knot1", Addr: "127.0.0.1", Port: 53})
	s := c.Update("example.com.", nil).Add("www", 300, "A", "not-an-address")
	_, err := BuildUpdate("example.com.", s.Ops())
	assert.Error(t, err)

	s = c.Update("example.com.", nil).Delete("www", "BOGUS")
	_, err = BuildUpdate("example.com.", s.Ops())
	assert.Error(t, err)
}

func TestUpdate_PicksImplementation(t *testing.T) {
	nsupdate := &NsupdateUpdater{Bin: "knsupdate"}

	c := NewClient(Options{Server: "knot1", Addr: "127.0.0.1", Chooser: FixedChooser{B: true}})
	assert.Equal(t, "knsupdate", c.Update("example.com.", nsupdate).Updater().Name())
	assert.Equal(t, "dns", c.Update("example.com.", nil).Updater().Name())

	c = NewClient(Options{Server: "knot1", Addr: "127.0.0.1", Chooser: FixedChooser{B: false}})
	assert.Equal(t, "dns", c.Update("example.com.", nsupdate).Updater().Name())
}

func TestMsgUpdater_Send(t *testing.T) {
	key := &domain.Tsig{Name: "test.", Alg: "hmac-sha256", Secret: "c2VjcmV0"}
	w := &fakeWire{answer: func(req *dns.Msg) *dns.Msg {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeServerFailure)
		return m
	}}
	c, _ := newTestClient(t, w, Options{Chooser: FixedChooser{B: false}, TestKey: key})

	s := c.Update("example.com.", nil).Add("www", 60, "A", "192.0.2.7")
	rcode, err := s.TrySend(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SERVFAIL", rcode)

	require.Len(t, w.calls, 1)
	assert.Equal(t, "tcp", w.calls[0].route.Network)
	assert.Equal(t, dns.OpcodeUpdate, w.calls[0].req.Opcode)
	require.NotNil(t, w.calls[0].req.IsTsig())

	err = s.Send(context.Background(), "")
	var f *domain.Failed
	require.ErrorAs(t, err, &f)
	assert.Contains(t, f.Msg, "returned SERVFAIL, expected NOERROR")
	assert.NoError(t, s.Send(context.Background(), "servfail"))
}

func TestMsgUpdater_WireError(t *testing.T) {
	w := &fakeWire{results: []error{errors.New("connection refused")}}
	c, _ := newTestClient(t, w, Options{Chooser: FixedChooser{B: false}})
	err := c.Update("example.com.", nil).Add("www", 60, "A", "192.0.2.7").Send(context.Background(), "NOERROR")
	assert.Error(t, err)
}

func TestNsupdateUpdater_Script(t *testing.T) {
	key := &domain.Tsig{Name: "test.", Alg: "hmac-sha256", Secret: "c2VjcmV0"}
	c := NewClient(Options{Server: "knot1", Addr: "127.0.0.1", Port: 5300, TestKey: key})
	u := &NsupdateUpdater{Bin: "knsupdate", Client: c}

	s := c.Update("example.com.", u).
		PrereqNX("new", "").
		PrereqNX("new", "A").
		PrereqYX("www", "").
		PrereqYX("www", "A").
		Add("new", 300, "A", "192.0.2.5").
		Delete("old", "TXT").
		Delete("gone", "ANY")

	want := "server 127.0.0.1 5300\n" +
		"zone example.com.\n" +
		"origin example.com.\n" +
		"key hmac-sha256:test. c2VjcmV0\n" +
		"prereq nxdomain new.example.com.\n" +
		"prereq nxrrset new.example.com. A\n" +
		"prereq yxdomain www.example.com.\n" +
		"prereq yxrrset www.example.com. A\n" +
		"update add new.example.com. 300 A 192.0.2.5\n" +
		"update delete old.example.com. TXT\n" +
		"update delete gone.example.com.\n" +
		"send\nanswer\n"
	assert.Equal(t, want, u.Script("example.com.", s.Ops()))
}

func TestNsupdateUpdater_Send(t *testing.T) {
	c := NewClient(Options{Server: "knot1", Addr: "127.0.0.1", Port: 5300})

	tests := []struct {
		name    string
		out     string
		code    int
		runErr  error
		want    string
		wantErr bool
	}{
		{"noerror", ";; ->>HEADER<<- opcode: UPDATE; status: NOERROR; id: 1\n", 0, nil, "NOERROR", false},
		{"refused", ";; ->>HEADER<<- opcode: UPDATE; status: REFUSED; id: 1\n", 1, nil, "REFUSED", false},
		{"no status", "garbage\n", 1, nil, "", true},
		{"not runnable", "", -1, errors.New("exec: not found"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &mockRunner{}
			r.On("Run", "knsupdate", []string{"-t", "5"}).Return(tt.code, tt.runErr, tt.out)
			u := &NsupdateUpdater{Bin: "knsupdate", Runner: r, Client: c}

			got, err := u.Send(context.Background(), "example.com.", []UpdateOp{{kind: opAdd, Owner: "a.example.com.", TTL: 1, Type: "A", Rdata: "192.0.2.1"}})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.Contains(t, r.stdin, "update add a.example.com. 1 A 192.0.2.1")
			r.AssertExpectations(t)
		})
	}
}
