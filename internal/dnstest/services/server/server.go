// Package server composes the zone registry, protocol client, control
// channel, process supervisor and convergence waiter into the object a
// test scripts against.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/haukened/dnstest/internal/dnstest/common/clock"
	"github.com/haukened/dnstest/internal/dnstest/common/log"
	"github.com/haukened/dnstest/internal/dnstest/common/utils"
	"github.com/haukened/dnstest/internal/dnstest/config"
	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/gateways/control"
	"github.com/haukened/dnstest/internal/dnstest/gateways/process"
	"github.com/haukened/dnstest/internal/dnstest/gateways/protocol"
	"github.com/haukened/dnstest/internal/dnstest/infra/logscan"
	"github.com/haukened/dnstest/internal/dnstest/repos/exchangelog"
	"github.com/haukened/dnstest/internal/dnstest/repos/outcome"
	"github.com/haukened/dnstest/internal/dnstest/repos/ports"
	"github.com/haukened/dnstest/internal/dnstest/repos/zoneregistry"
	"github.com/haukened/dnstest/internal/dnstest/services/convergence"
	"github.com/haukened/dnstest/internal/dnstest/services/supervisor"
)

// DefaultJournalSize is the number of exchanges kept per server.
const DefaultJournalSize = 64

// State is the lifecycle state of a Server.
type State int

const (
	Unconfigured State = iota
	Configured
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrNotConfigured is returned by Start before GenConfig ran.
	ErrNotConfigured = errors.New("server is not configured")
	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("server is already running")
)

const (
	errInvalidOptions = "invalid server options: %w"
	errServerDir      = "failed to create directory for server %s: %w"
	errClaimPorts     = "failed to claim ports for server %s: %w"
	errGenConfig      = "failed to generate configuration of server %s: %w"
	errWriteConfig    = "failed to write configuration %s: %w"
	errState          = "server %s: %w"
)

var validate = validator.New()

// Options configure a Server. Zero dependencies get production defaults.
type Options struct {
	Name   string        `validate:"required,excludesall=/"`
	Kind   Kind          `validate:"required,oneof=knot bind dummy"`
	Params config.Params `validate:"-"`

	// Ports are used as given when Plain is set, otherwise they are
	// claimed from Allocator.
	Ports     domain.Ports
	Allocator *ports.Allocator
	TLS       bool
	QUIC      bool
	XDP       bool

	// Tsig signs the traffic between servers, TestKey the traffic of the
	// harness. Either may be nil.
	Tsig    *domain.Tsig
	TestKey *domain.Tsig

	JournalSize int `validate:"gte=0"`

	Launcher process.Launcher
	Runner   process.Runner
	Wire     protocol.Wire
	Chooser  protocol.Chooser
	Clock    clock.Clock
	Sink     outcome.Sink
	Observer supervisor.Observer
}

// Server is one DNS server under test.
type Server struct {
	name     string
	dir      string
	confFile string
	bin      string
	params   config.Params
	variant  Variant
	ports    domain.Ports
	tsig     *domain.Tsig
	testKey  *domain.Tsig
	state    State

	zones *zoneregistry.Registry
	peers map[string]*Server

	runner  process.Runner
	clock   clock.Clock
	journal exchangelog.Journal
	scanner *logscan.Scanner
	client  *protocol.Client
	channel *control.Channel
	sup     *supervisor.Supervisor
	waiter  *convergence.Waiter
}

// New creates a Server in the Unconfigured state. It returns a
// *domain.Skip when the daemon of the requested kind is not configured.
func New(opts Options) (*Server, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf(errInvalidOptions, err)
	}
	v := newVariant(opts.Kind)
	p := opts.Params
	bin := v.DaemonBin(p)
	if opts.Kind != KindDummy && bin == "" {
		return nil, &domain.Skip{Reason: fmt.Sprintf("No %s", opts.Kind)}
	}

	if opts.Runner == nil {
		opts.Runner = process.ExecRunner{}
	}
	if opts.Launcher == nil {
		opts.Launcher = process.ExecLauncher{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Chooser == nil {
		opts.Chooser = protocol.NewChooser(p.Seed)
	}
	if opts.Sink == nil {
		opts.Sink = outcome.NewMemorySink()
	}
	if opts.JournalSize == 0 {
		opts.JournalSize = DefaultJournalSize
	}

	dir := filepath.Join(p.TestDir, opts.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf(errServerDir, opts.Name, err)
	}

	prts := opts.Ports
	if prts.Plain == 0 && opts.Allocator != nil {
		var err error
		if prts, err = opts.Allocator.ClaimSet(opts.TLS, opts.QUIC, opts.XDP); err != nil {
			return nil, fmt.Errorf(errClaimPorts, opts.Name, err)
		}
	}

	journal, err := exchangelog.New(opts.JournalSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		name:     opts.Name,
		dir:      dir,
		confFile: filepath.Join(dir, string(opts.Kind)+".conf"),
		bin:      bin,
		params:   p,
		variant:  v,
		ports:    prts,
		tsig:     opts.Tsig,
		testKey:  opts.TestKey,
		zones:    zoneregistry.New(),
		peers:    make(map[string]*Server),
		runner:   opts.Runner,
		clock:    opts.Clock,
		journal:  journal,
		scanner:  logscan.New(filepath.Join(dir, "stdout"), filepath.Join(dir, "stderr")),
	}

	s.sup = supervisor.New(supervisor.Options{
		Server:           s.name,
		Dir:              dir,
		Bin:              bin,
		PIDFile:          v.PIDFile(),
		BindingSignature: v.BindingSignature(),
		Instrumented:     p.Instrumented,
		ValgrindBin:      p.ValgrindBin,
		ValgrindFlags:    p.ValgrindFlags,
		GdbBin:           p.GdbBin,
		VgdbBin:          p.VgdbBin,
		Stress:           p.Stress,
		Launcher:         opts.Launcher,
		Runner:           opts.Runner,
		Scanner:          s.scanner,
		Sink:             opts.Sink,
		Clock:            opts.Clock,
		Observer:         opts.Observer,
	})
	s.client = protocol.NewClient(protocol.Options{
		Server:      s.name,
		Addr:        p.Addr,
		Port:        prts.Plain,
		XDPPort:     prts.XDP,
		TestKey:     opts.TestKey,
		Chooser:     opts.Chooser,
		Clock:       opts.Clock,
		Wire:        opts.Wire,
		Journal:     journal,
		OnExhausted: s.sup.Backtrace,
	})
	s.channel = control.NewChannel(control.Options{
		Server:     s.name,
		Bin:        v.ControlBin(p),
		Dir:        dir,
		WaitParams: v.ControlWaitParams(),
		AfterSend:  func(wait bool) { v.WaitAfterControl(s, wait) },
		OnFailure:  s.sup.Backtrace,
		Runner:     opts.Runner,
		Clock:      opts.Clock,
	})
	s.waiter = convergence.New(convergence.Options{
		Server:       s.name,
		Query:        convergence.QuerySource{Client: s.client},
		Control:      v.ControlSource(s),
		Instrumented: p.Instrumented,
		Clock:        opts.Clock,
		Journal:      journal,
		OnExhausted:  s.sup.Backtrace,
		ZoneSerial:   s.zoneFileSerial,
	})

	log.Debug(map[string]any{
		"server": s.name,
		"kind":   opts.Kind,
		"dir":    dir,
		"port":   prts.Plain,
		"ctl":    prts.Control,
	}, "server created")
	return s, nil
}

func (s *Server) Name() string                       { return s.name }
func (s *Server) Kind() Kind                         { return s.variant.Kind() }
func (s *Server) Dir() string                        { return s.dir }
func (s *Server) ConfFile() string                   { return s.confFile }
func (s *Server) Addr() string                       { return s.params.Addr }
func (s *Server) Ports() domain.Ports                { return s.ports }
func (s *Server) Params() config.Params              { return s.params }
func (s *Server) Tsig() *domain.Tsig                 { return s.tsig }
func (s *Server) TestKey() *domain.Tsig              { return s.testKey }
func (s *Server) Zones() *zoneregistry.Registry      { return s.zones }
func (s *Server) Client() *protocol.Client           { return s.client }
func (s *Server) Channel() *control.Channel          { return s.channel }
func (s *Server) Supervisor() *supervisor.Supervisor { return s.sup }
func (s *Server) Journal() exchangelog.Journal       { return s.journal }

// State returns the lifecycle state. A running server whose daemon died
// is reported as Stopped.
func (s *Server) State() State {
	s.refresh()
	return s.state
}

func (s *Server) refresh() {
	if s.state == Running && s.bin != "" && s.sup.Reap() {
		s.state = Stopped
	}
}

// KeyDir returns the DNSSEC key directory, creating it on first access.
func (s *Server) KeyDir() (string, error) {
	dir := filepath.Join(s.dir, "keys")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Peer returns a server registered as master or slave of one of the zones.
func (s *Server) Peer(name string) (*Server, bool) {
	p, ok := s.peers[name]
	return p, ok
}

// Running reports whether the daemon is alive. A server without a daemon
// always runs.
func (s *Server) Running() bool {
	if s.bin == "" {
		return true
	}
	return s.sup.Running()
}

// Pid returns the daemon pid, or 0.
func (s *Server) Pid() int {
	return s.sup.Pid()
}

// QueryPort returns the port a query goes to, see protocol.Client.QueryPort.
func (s *Server) QueryPort(xdp *bool) int {
	return s.client.QueryPort(xdp)
}

// startWait is the settle delay of the build in use.
func (s *Server) startWait() time.Duration {
	if s.params.Instrumented {
		return supervisor.StartWaitInstrumented
	}
	return supervisor.StartWait
}

// GenConfig writes the configuration for the current zones and peers. A
// previous configuration file is archived first.
func (s *Server) GenConfig() error {
	text, err := s.variant.GenerateConfig(s)
	if err != nil {
		return fmt.Errorf(errGenConfig, s.name, err)
	}
	if err := utils.Archive(s.confFile, s.clock.Now()); err != nil {
		return fmt.Errorf(errWriteConfig, s.confFile, err)
	}
	if err := os.WriteFile(s.confFile, []byte(text), 0o644); err != nil {
		return fmt.Errorf(errWriteConfig, s.confFile, err)
	}
	s.sup.SetStartParams(s.variant.StartParams(s))
	s.channel.SetParams(s.variant.CtlParams(s))
	if s.state == Unconfigured {
		s.state = Configured
	}
	log.Debug(map[string]any{"server": s.name, "file": s.confFile, "zones": s.zones.Len()}, "configuration generated")
	return nil
}

// Start launches the daemon. See supervisor.Supervisor.Start for clean and
// fatal. A non fatal start that could not bind every socket returns nil
// and leaves the server in whatever state the last attempt reached.
func (s *Server) Start(ctx context.Context, clean, fatal bool) error {
	s.refresh()
	switch s.state {
	case Unconfigured:
		return fmt.Errorf(errState, s.name, ErrNotConfigured)
	case Running:
		return fmt.Errorf(errState, s.name, ErrAlreadyRunning)
	}

	if err := s.variant.PreStart(ctx, s); err != nil {
		return err
	}
	if s.bin != "" {
		if err := s.sup.Start(ctx, clean, fatal); err != nil {
			return err
		}
		if !s.sup.Running() {
			s.state = Stopped
			return nil
		}
	}
	s.state = Running
	return s.variant.PostStart(ctx, s)
}

// Stop stops the daemon, see supervisor.Supervisor.Stop. It is a no-op
// unless the server runs or still owns a process.
func (s *Server) Stop(check bool) {
	if s.state != Running && s.sup.Process() == nil {
		return
	}
	if s.bin != "" {
		s.sup.Stop(check)
	}
	s.state = Stopped
}

// Kill force kills the daemon. It is a no-op unless the server runs or
// still owns a process.
func (s *Server) Kill() {
	if s.state != Running && s.sup.Process() == nil {
		return
	}
	if s.bin != "" {
		s.sup.Kill()
	}
	s.state = Stopped
}

// Ctl sends cmd over the control channel.
func (s *Server) Ctl(ctx context.Context, cmd string, opts control.SendOptions) (string, error) {
	return s.channel.Send(ctx, cmd, opts)
}

// Reload asks the daemon to reload its configuration and gives it time to
// settle.
func (s *Server) Reload(ctx context.Context) error {
	if _, err := s.Ctl(ctx, "reload", control.SendOptions{CheckAvailability: true}); err != nil {
		return err
	}
	s.clock.Sleep(s.startWait())
	return nil
}

// Flush makes the daemon write zone, or every zone when empty, to its file.
func (s *Server) Flush(ctx context.Context, zone string, wait bool) error {
	if zone != "" {
		zone = utils.CanonicalZoneName(zone)
	}
	_, err := s.Ctl(ctx, s.variant.FlushCommand(zone, wait), control.SendOptions{Wait: wait, CheckAvailability: true})
	return err
}

// LogSearch reports whether pattern occurs in the daemon output.
func (s *Server) LogSearch(pattern string) bool {
	return s.scanner.Search(pattern)
}

// LogSearchCount counts the occurrences of pattern in the daemon output.
func (s *Server) LogSearchCount(pattern string) int {
	return s.scanner.SearchCount(pattern)
}

// Clean removes the zone files and the timer database left by a run.
func (s *Server) Clean(zoneFiles, timers bool) error {
	if zoneFiles {
		for _, z := range s.zones.Zones() {
			if err := z.File.Remove(); err != nil {
				return err
			}
		}
	}
	if timers {
		return os.RemoveAll(filepath.Join(s.dir, "timers"))
	}
	return nil
}

// CleanZone removes the file of one zone.
func (s *Server) CleanZone(zone string) error {
	z, err := s.zone(zone)
	if err != nil {
		return err
	}
	return z.File.Remove()
}
