package protocol

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnstest/internal/dnstest/common/clock"
	"github.com/haukened/dnstest/internal/dnstest/common/log"
	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/repos/exchangelog"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type call struct {
	transfer bool
	req      *dns.Msg
	route    Route
}

// fakeWire answers from a list of scripted results, one per call.
type fakeWire struct {
	mu      sync.Mutex
	calls   []call
	results []error
	answer  func(req *dns.Msg) *dns.Msg
}

func (f *fakeWire) next(transfer bool, req *dns.Msg, r Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{transfer: transfer, req: req.Copy(), route: r})
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

func (f *fakeWire) reply(req *dns.Msg) *dns.Msg {
	if f.answer != nil {
		return f.answer(req)
	}
	m := new(dns.Msg)
	m.SetReply(req)
	soa, _ := dns.NewRR(req.Question[0].Name + " 3600 IN SOA ns.example. admin.example. 7 3600 900 604800 300")
	m.Answer = []dns.RR{soa}
	return m
}

func (f *fakeWire) Exchange(_ context.Context, req *dns.Msg, r Route) (*dns.Msg, error) {
	if err := f.next(false, req, r); err != nil {
		return nil, err
	}
	return f.reply(req), nil
}

func (f *fakeWire) Transfer(_ context.Context, req *dns.Msg, r Route) ([]dns.RR, error) {
	if err := f.next(true, req, r); err != nil {
		return nil, err
	}
	return f.reply(req).Answer, nil
}

func newTestClient(t *testing.T, w *fakeWire, opts Options) (*Client, *clock.MockClock) {
	t.Helper()
	clk := &clock.MockClock{CurrentTime: time.Unix(1700000000, 0)}
	opts.Server = "knot1"
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = 5353
	}
	opts.Clock = clk
	opts.Wire = w
	if opts.Chooser == nil {
		opts.Chooser = FixedChooser{B: true}
	}
	return NewClient(opts), clk
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestQuery_AXFRForcesTCP(t *testing.T) {
	for _, tr := range []Transport{TransportAuto, TransportUDP, TransportTCP} {
		t.Run(tr.String(), func(t *testing.T) {
			w := &fakeWire{}
			c, _ := newTestClient(t, w, Options{})

			resp, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "AXFR", Transport: tr})
			require.NoError(t, err)
			require.Len(t, w.calls, 1)
			assert.True(t, w.calls[0].transfer)
			assert.Equal(t, "tcp", w.calls[0].route.Network)
			assert.Equal(t, "tcp", resp.Transport)
		})
	}
}

func TestQuery_IXFR(t *testing.T) {
	w := &fakeWire{}
	c, _ := newTestClient(t, w, Options{})

	_, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "ixfr", Serial: 5})
	require.NoError(t, err)
	require.Len(t, w.calls, 1)
	got := w.calls[0]
	assert.True(t, got.transfer)
	assert.Equal(t, "tcp", got.route.Network)
	assert.Equal(t, dns.TypeIXFR, got.req.Question[0].Qtype)
	require.Len(t, got.req.Ns, 1)
	assert.Equal(t, uint32(5), got.req.Ns[0].(*dns.SOA).Serial)

	// an explicit UDP IXFR is a single message exchange
	w = &fakeWire{}
	c, _ = newTestClient(t, w, Options{})
	resp, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "IXFR", Serial: 5, Transport: TransportUDP})
	require.NoError(t, err)
	assert.False(t, w.calls[0].transfer)
	assert.Equal(t, "udp", resp.Transport)
}

func TestQuery_NoRecursionDesiredByDefault(t *testing.T) {
	w := &fakeWire{}
	c, _ := newTestClient(t, w, Options{})

	resp, err := c.Query(context.Background(), QueryRequest{Name: "www.example.com", Type: "A"})
	require.NoError(t, err)
	assert.False(t, w.calls[0].req.RecursionDesired)
	assert.False(t, resp.Request.RecursionDesired)
	assert.Equal(t, "www.example.com.", w.calls[0].req.Question[0].Name)
}

func TestQuery_Flags(t *testing.T) {
	w := &fakeWire{}
	c, _ := newTestClient(t, w, Options{})

	_, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "A", Flags: "AA rd CD Z AD RA TC BOGUS"})
	require.NoError(t, err)
	m := w.calls[0].req
	assert.True(t, m.Authoritative)
	assert.True(t, m.RecursionDesired)
	assert.True(t, m.CheckingDisabled)
	assert.True(t, m.Zero)
	assert.True(t, m.AuthenticatedData)
	assert.True(t, m.RecursionAvailable)
	assert.True(t, m.Truncated)
}

func TestQuery_Notify(t *testing.T) {
	w := &fakeWire{}
	c, _ := newTestClient(t, w, Options{})

	_, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "NOTIFY"})
	require.NoError(t, err)
	m := w.calls[0].req
	assert.Equal(t, dns.OpcodeNotify, m.Opcode)
	assert.Equal(t, dns.TypeSOA, m.Question[0].Qtype)
	assert.False(t, w.calls[0].transfer)
}

func TestQuery_RandomTransport(t *testing.T) {
	tests := []struct {
		choose bool
		want   string
	}{
		{true, "udp"},
		{false, "tcp"},
	}
	for _, tt := range tests {
		w := &fakeWire{}
		c, _ := newTestClient(t, w, Options{Chooser: FixedChooser{B: tt.choose}})
		resp, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "SOA"})
		require.NoError(t, err)
		assert.Equal(t, tt.want, resp.Transport)
		assert.Equal(t, tt.want, w.calls[0].route.Network)
	}
}

func TestQuery_EDNS(t *testing.T) {
	tests := []struct {
		name    string
		req     QueryRequest
		edns    bool
		version uint8
		payload uint16
		nsid    bool
		do      bool
	}{
		{"none", QueryRequest{}, false, 0, 0, false, false},
		{"level only", QueryRequest{EDNS: intPtr(0)}, true, 0, DefaultPayload, false, false},
		{"bufsize", QueryRequest{BufSize: 4096}, true, 0, 4096, false, false},
		{"nsid", QueryRequest{NSID: true}, true, 0, DefaultPayload, true, false},
		{"dnssec without edns", QueryRequest{DNSSEC: true}, true, 0, DefaultPayload, false, true},
		{"dnssec keeps payload", QueryRequest{DNSSEC: true, BufSize: 2048}, true, 0, 2048, false, true},
		{"version", QueryRequest{EDNS: intPtr(1)}, true, 1, DefaultPayload, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWire{}
			c, _ := newTestClient(t, w, Options{})
			req := tt.req
			req.Name, req.Type = "example.com.", "SOA"

			_, err := c.Query(context.Background(), req)
			require.NoError(t, err)
			opt := w.calls[0].req.IsEdns0()
			if !tt.edns {
				assert.Nil(t, opt)
				return
			}
			require.NotNil(t, opt)
			assert.Equal(t, tt.version, opt.Version())
			assert.Equal(t, tt.payload, opt.UDPSize())
			assert.Equal(t, tt.do, opt.Do())
			hasNSID := false
			for _, o := range opt.Option {
				if o.Option() == dns.EDNS0NSID {
					hasNSID = true
				}
			}
			assert.Equal(t, tt.nsid, hasNSID)
		})
	}
}

func TestQuery_Tsig(t *testing.T) {
	testKey := &domain.Tsig{Name: "test.", Alg: "hmac-sha256", Secret: "c2VjcmV0"}
	other := &domain.Tsig{Name: "other.", Alg: "hmac-sha1", Secret: "b3RoZXI="}

	tests := []struct {
		name    string
		rtype   string
		key     *domain.Tsig
		mode    TsigMode
		wantKey string
	}{
		{"plain query unsigned", "SOA", nil, TsigAuto, ""},
		{"plain query test key", "SOA", nil, TsigTest, "test."},
		{"plain query explicit key", "SOA", other, TsigAuto, "other."},
		{"axfr test key", "AXFR", nil, TsigAuto, "test."},
		{"ixfr test key", "IXFR", nil, TsigAuto, "test."},
		{"axfr disabled", "AXFR", nil, TsigOff, ""},
		{"axfr explicit key", "AXFR", other, TsigAuto, "other."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWire{}
			c, _ := newTestClient(t, w, Options{TestKey: testKey})
			_, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: tt.rtype, Tsig: tt.key, TsigMode: tt.mode})
			require.NoError(t, err)

			got := w.calls[0]
			sig := got.req.IsTsig()
			if tt.wantKey == "" {
				assert.Nil(t, sig)
				assert.Nil(t, got.route.TsigSecret)
				return
			}
			require.NotNil(t, sig)
			assert.Equal(t, tt.wantKey, sig.Hdr.Name)
			assert.Contains(t, got.route.TsigSecret, tt.wantKey)
		})
	}
}

func TestQuery_TsigWithoutTestKey(t *testing.T) {
	w := &fakeWire{}
	c, _ := newTestClient(t, w, Options{})
	_, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "AXFR", TsigMode: TsigTest})
	require.NoError(t, err)
	assert.Nil(t, w.calls[0].req.IsTsig())
}

func TestQuery_TimeoutsRetriedWithoutSleep(t *testing.T) {
	w := &fakeWire{results: []error{timeoutErr{}, timeoutErr{}, nil}}
	c, clk := newTestClient(t, w, Options{})

	resp, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "SOA"})
	require.NoError(t, err)
	assert.Len(t, w.calls, 3)
	assert.Empty(t, clk.Sleeps())
	serial, err := resp.SOASerial()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), serial)
}

func TestQuery_ErrorsSleepTimeout(t *testing.T) {
	w := &fakeWire{results: []error{errors.New("connection refused"), errors.New("connection refused"), nil}}
	c, clk := newTestClient(t, w, Options{})

	_, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "SOA", Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestQuery_Exhaustion(t *testing.T) {
	journal, err := exchangelog.New(8)
	require.NoError(t, err)
	refused := errors.New("connection refused")
	w := &fakeWire{results: []error{refused, refused, refused}}
	exhausted := 0
	c, clk := newTestClient(t, w, Options{Journal: journal, OnExhausted: func() { exhausted++ }})

	_, err = c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "SOA"})
	var qf *domain.QueryFailure
	require.ErrorAs(t, err, &qf)
	assert.Equal(t, "knot1", qf.Server)
	assert.Equal(t, "example.com.", qf.Name)
	assert.Equal(t, "IN", qf.Class)
	assert.Equal(t, "SOA", qf.Type)
	assert.ErrorIs(t, err, refused)

	// no sleep after the last attempt
	assert.Equal(t, 2, clk.CountSleeps(DefaultTimeout))
	assert.Equal(t, 1, exhausted)
	assert.Equal(t, 3, journal.Len())
}

func TestQuery_QuietSkipsExhaustionHook(t *testing.T) {
	journal, err := exchangelog.New(8)
	require.NoError(t, err)
	w := &fakeWire{results: []error{errors.New("connection refused")}}
	exhausted := 0
	c, _ := newTestClient(t, w, Options{Journal: journal, OnExhausted: func() { exhausted++ }})

	_, err = c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "SOA", Tries: 1, Quiet: true})
	var qf *domain.QueryFailure
	require.ErrorAs(t, err, &qf)
	assert.Zero(t, exhausted)
	assert.Equal(t, 1, journal.Len(), "the exchange is still journaled")
}

// infoLogger keeps the Info messages.
type infoLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *infoLogger) Info(_ map[string]any, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}
func (l *infoLogger) Error(map[string]any, string) {}
func (l *infoLogger) Debug(map[string]any, string) {}
func (l *infoLogger) Warn(map[string]any, string)  {}
func (l *infoLogger) Panic(map[string]any, string) {}
func (l *infoLogger) Fatal(map[string]any, string) {}

func TestQuery_LogsPortOfEachAttempt(t *testing.T) {
	orig := log.GetLogger()
	t.Cleanup(func() { log.SetLogger(orig) })
	rec := &infoLogger{}
	log.SetLogger(rec)

	w := &fakeWire{results: []error{timeoutErr{}, nil}}
	c, _ := newTestClient(t, w, Options{Port: 5300, XDPPort: 5400})

	_, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "SOA", Transport: TransportUDP, XDP: boolPtr(true)})
	require.NoError(t, err)
	require.Len(t, rec.msgs, 2, "one line per attempt")
	for _, msg := range rec.msgs {
		assert.True(t, strings.HasPrefix(msg, "DIG example.com. SOA IN @127.0.0.1 -p 5400 +notcp"), msg)
	}
}

func TestQuery_SingleTryTimeout(t *testing.T) {
	w := &fakeWire{results: []error{timeoutErr{}}}
	c, clk := newTestClient(t, w, Options{})
	_, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "SOA", Tries: 1})
	var qf *domain.QueryFailure
	assert.ErrorAs(t, err, &qf)
	assert.Len(t, w.calls, 1)
	assert.Empty(t, clk.Sleeps())
}

func TestQuery_EchoesArgs(t *testing.T) {
	w := &fakeWire{}
	c, _ := newTestClient(t, w, Options{})
	resp, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "SOA", Flags: "AA"})
	require.NoError(t, err)
	assert.Equal(t, "example.com.", resp.Args.Name)
	assert.Equal(t, "IN", resp.Args.Class)
	assert.Equal(t, 3, resp.Args.Tries)
	assert.Equal(t, DefaultTimeout, resp.Args.Timeout)
	assert.Equal(t, "AA", resp.Args.Flags)
}

func TestQuery_InvalidInput(t *testing.T) {
	w := &fakeWire{}
	c, _ := newTestClient(t, w, Options{})
	_, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "BOGUS"})
	assert.Error(t, err)
	_, err = c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "A", Class: "XX"})
	assert.Error(t, err)
	assert.Empty(t, w.calls)

	noAddr := NewClient(Options{Server: "x", Wire: w})
	_, err = noAddr.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "A"})
	assert.Error(t, err)
}

func TestQueryPort(t *testing.T) {
	w := &fakeWire{}
	c, _ := newTestClient(t, w, Options{Port: 5300, Chooser: FixedChooser{F: 0.5}})
	assert.Equal(t, 5300, c.QueryPort(nil), "no XDP port configured")

	c.SetPorts(5300, 5400)
	assert.Equal(t, 5400, c.QueryPort(nil))
	assert.Equal(t, 5300, c.QueryPort(boolPtr(false)))
	assert.Equal(t, 5400, c.QueryPort(boolPtr(true)))

	c2, _ := newTestClient(t, w, Options{Port: 5300, XDPPort: 5400, Chooser: FixedChooser{F: 0.9}})
	assert.Equal(t, 5300, c2.QueryPort(nil))
}

func TestQuery_RouteAddress(t *testing.T) {
	w := &fakeWire{}
	c, _ := newTestClient(t, w, Options{Addr: "::1", Port: 5353})
	_, err := c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "SOA"})
	require.NoError(t, err)
	assert.Equal(t, "[::1]:5353", w.calls[0].route.Address)

	_, err = c.Query(context.Background(), QueryRequest{Name: "example.com.", Type: "SOA", Addr: "192.0.2.1", Source: "192.0.2.2"})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:5353", w.calls[1].route.Address)
	assert.Equal(t, "192.0.2.2", w.calls[1].route.Source)
}

func TestNewChooser_Seeded(t *testing.T) {
	a, b := NewChooser(42), NewChooser(42)
	for i := 0; i < 20; i++ {
		assert.Equal(t, a.Bool(), b.Bool())
		assert.Equal(t, a.Float64(), b.Float64())
	}
}

// startServer runs a miekg/dns server on UDP and TCP of one loopback port.
func startServer(t *testing.T, h dns.HandlerFunc) int {
	t.Helper()
	for i := 0; i < 10; i++ {
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			t.Skipf("cannot listen on loopback: %v", err)
		}
		port := pc.LocalAddr().(*net.UDPAddr).Port
		ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err != nil {
			pc.Close()
			continue
		}
		udp := &dns.Server{PacketConn: pc, Handler: h}
		tcp := &dns.Server{Listener: ln, Handler: h}
		var wg sync.WaitGroup
		wg.Add(2)
		udp.NotifyStartedFunc = wg.Done
		tcp.NotifyStartedFunc = wg.Done
		go func() { _ = udp.ActivateAndServe() }()
		go func() { _ = tcp.ActivateAndServe() }()
		wg.Wait()
		t.Cleanup(func() {
			_ = udp.Shutdown()
			_ = tcp.Shutdown()
		})
		return port
	}
	t.Skip("no free loopback port for UDP and TCP")
	return 0
}

func TestClient_AgainstLocalServer(t *testing.T) {
	var mu sync.Mutex
	var networks []string
	port := startServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		mu.Lock()
		networks = append(networks, w.RemoteAddr().Network())
		mu.Unlock()

		m := new(dns.Msg)
		m.SetReply(r)
		m.Authoritative = true
		soa, _ := dns.NewRR("example.com. 3600 IN SOA ns.example.com. admin.example.com. 11 3600 900 604800 300")
		a, _ := dns.NewRR("www.example.com. 3600 IN A 192.0.2.10")
		switch r.Question[0].Qtype {
		case dns.TypeAXFR:
			m.Answer = []dns.RR{soa, a, soa}
		case dns.TypeSOA:
			m.Answer = []dns.RR{soa}
		default:
			m.Rcode = dns.RcodeNameError
			m.Ns = []dns.RR{soa}
		}
		_ = w.WriteMsg(m)
	})

	c := NewClient(Options{Server: "local", Addr: "127.0.0.1", Port: port, Timeout: 2 * time.Second, Chooser: FixedChooser{B: true}})
	ctx := context.Background()

	resp, err := c.Query(ctx, QueryRequest{Name: "example.com.", Type: "SOA"})
	require.NoError(t, err)
	require.NoError(t, resp.CheckRcode("NOERROR"))
	serial, err := resp.SOASerial()
	require.NoError(t, err)
	assert.Equal(t, uint32(11), serial)

	resp, err = c.Query(ctx, QueryRequest{Name: "example.com.", Type: "AXFR", Transport: TransportUDP})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Count("ANY", SectionAnswer))
	assert.NoError(t, resp.CheckRecord("A", "192.0.2.10"))

	resp, err = c.Query(ctx, QueryRequest{Name: "missing.example.com.", Type: "A", Transport: TransportTCP})
	require.NoError(t, err)
	assert.NoError(t, resp.CheckRcode("NXDOMAIN"))

	require.NoError(t, c.SendRaw([]byte{0, 1, 2, 3}))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(networks), 3)
	assert.Equal(t, []string{"udp", "tcp", "tcp"}, networks[:3])
}
