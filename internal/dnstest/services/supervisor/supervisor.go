// Package supervisor owns the daemon process of one server under test:
// start with binding conflict recovery, graceful stop with post-mortem
// checks, kill and backtrace capture.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/haukened/dnstest/internal/dnstest/common/clock"
	"github.com/haukened/dnstest/internal/dnstest/common/log"
	"github.com/haukened/dnstest/internal/dnstest/common/retry"
	"github.com/haukened/dnstest/internal/dnstest/common/utils"
	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/gateways/process"
	"github.com/haukened/dnstest/internal/dnstest/infra/logscan"
	"github.com/haukened/dnstest/internal/dnstest/repos/outcome"
)

const (
	// StartWait lets a freshly launched daemon bind its sockets.
	StartWait = 2 * time.Second
	// StartWaitInstrumented replaces StartWait under valgrind.
	StartWaitInstrumented = 5 * time.Second
	// RetryDelay separates two start attempts.
	RetryDelay = 60 * time.Second
	// FatalAttempts bounds a start whose failure fails the whole test.
	FatalAttempts = 10
	// InitAttempts bounds a start that may degrade to a warning.
	InitAttempts = 3
	// StopTimeout bounds the graceful stop.
	StopTimeout = 30 * time.Second
	// BacktraceTimeout bounds one gdb run.
	BacktraceTimeout = 60 * time.Second
)

// Failure tags recorded by the post-mortem checks.
const (
	TagAssert   = "ASSERT"
	TagValgrind = "VALGRIND"
	TagASan     = "LeakSanitizer"
)

// PIDFileBudget bounds the wait for a stale PID file to disappear.
var PIDFileBudget = retry.Budget{Attempts: 8, Delay: 500 * time.Millisecond}

// PipeDir holds the companion pipes vgdb leaves behind.
var PipeDir = "/tmp"

const errAlreadyRunning = "server %s is already running with pid %d"

// Scanner reads the captured output of the daemon.
type Scanner interface {
	SearchCount(pattern string) int
	SearchErr(pattern string) bool
}

// Observer runs alongside the daemon in stress mode.
type Observer interface {
	Start()
	Stop()
}

// Options configure a Supervisor.
type Options struct {
	Server string
	Dir    string
	Bin    string
	// PIDFile is relative to Dir. Empty disables the PID file wait.
	PIDFile string
	// BindingSignature is the log line of a failed bind.
	BindingSignature string

	Stdout      string
	Stderr      string
	ValgrindLog string
	SessionLog  string

	Instrumented  bool
	ValgrindBin   string
	ValgrindFlags []string
	GdbBin        string
	VgdbBin       string
	Stress        bool

	Launcher process.Launcher
	Runner   process.Runner
	Scanner  Scanner
	Sink     outcome.Sink
	Clock    clock.Clock
	Observer Observer
}

// Supervisor owns at most one daemon process.
type Supervisor struct {
	opts          Options
	params        []string
	proc          process.Process
	bindingErrors int
	observing     bool
}

// New creates a Supervisor. Output paths default to files in Dir.
func New(opts Options) *Supervisor {
	if opts.Stdout == "" {
		opts.Stdout = filepath.Join(opts.Dir, "stdout")
	}
	if opts.Stderr == "" {
		opts.Stderr = filepath.Join(opts.Dir, "stderr")
	}
	if opts.ValgrindLog == "" {
		opts.ValgrindLog = filepath.Join(opts.Dir, "valgrind")
	}
	if opts.SessionLog == "" {
		opts.SessionLog = filepath.Join(opts.Dir, "session.log")
	}
	if opts.Launcher == nil {
		opts.Launcher = process.ExecLauncher{}
	}
	if opts.Runner == nil {
		opts.Runner = process.ExecRunner{}
	}
	if opts.Scanner == nil {
		opts.Scanner = logscan.New(opts.Stdout, opts.Stderr)
	}
	if opts.Sink == nil {
		opts.Sink = outcome.NewMemorySink()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Supervisor{opts: opts}
}

// SetStartParams sets the daemon arguments, known once the configuration
// was generated.
func (s *Supervisor) SetStartParams(params []string) {
	s.params = append([]string(nil), params...)
}

// StartParams returns the daemon arguments.
func (s *Supervisor) StartParams() []string {
	return append([]string(nil), s.params...)
}

// Process returns the owned process or nil.
func (s *Supervisor) Process() process.Process { return s.proc }

// Pid returns the pid of the owned process, 0 without one.
func (s *Supervisor) Pid() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// Running reports whether the owned process is alive.
func (s *Supervisor) Running() bool {
	return s.proc != nil && s.proc.Running()
}

// Reap releases the handle of a daemon that exited on its own and reports
// whether it did.
func (s *Supervisor) Reap() bool {
	if s.proc == nil || s.proc.Running() {
		return false
	}
	log.Warn(map[string]any{"server": s.opts.Server, "pid": s.proc.Pid()}, fmt.Sprintf("%s EXITED UNEXPECTEDLY", s.opts.Server))
	s.stopObserver()
	s.proc = nil
	return true
}

// BindingErrors returns the binding failure count seen by the last start.
func (s *Supervisor) BindingErrors() int { return s.bindingErrors }

// Start launches the daemon, retrying while its log reports new binding
// failures. A spawn error fails immediately. When every attempt saw new
// binding failures the result is a *domain.StartFailure if fatal, with the
// last process stopped, else a logged warning and nil.
func (s *Supervisor) Start(ctx context.Context, clean, fatal bool) error {
	if s.Running() {
		return domain.NewFailed(s.opts.Server, "start", errAlreadyRunning, s.opts.Server, s.proc.Pid())
	}

	attempts := InitAttempts
	if fatal {
		attempts = FatalAttempts
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &domain.StartFailure{Server: s.opts.Server, Cause: err}
		}

		s.waitForPIDFile()
		if err := s.launch(clean); err != nil {
			return &domain.StartFailure{Server: s.opts.Server, Cause: err}
		}

		tolerated := s.bindingErrors
		if clean {
			tolerated = 0
		}
		found := s.opts.Scanner.SearchCount(s.opts.BindingSignature)
		if found <= tolerated {
			s.bindingErrors = found
			return nil
		}
		s.bindingErrors = found

		log.Debug(map[string]any{"server": s.opts.Server, "binding_errors": found, "attempt": attempt + 1}, "binding failures detected")
		if attempt < attempts-1 {
			s.Stop(false)
			s.opts.Clock.Sleep(RetryDelay)
			log.Info(map[string]any{"server": s.opts.Server}, fmt.Sprintf("STARTING %s AGAIN", s.opts.Server))
		}
	}

	if fatal {
		s.Stop(false)
		return &domain.StartFailure{Server: s.opts.Server, Cause: domain.ErrBindFailure}
	}
	log.Warn(map[string]any{"server": s.opts.Server}, fmt.Sprintf("BUSY PORTS, START OF %s FAILED", s.opts.Server))
	return nil
}

func (s *Supervisor) waitForPIDFile() {
	if s.opts.PIDFile == "" {
		return
	}
	path := filepath.Join(s.opts.Dir, s.opts.PIDFile)
	_, _ = retry.Do(s.opts.Clock, PIDFileBudget, func(int) (bool, error) {
		_, err := os.Stat(path)
		return errors.Is(err, os.ErrNotExist), nil
	})
}

func (s *Supervisor) launch(clean bool) error {
	if !clean {
		now := s.opts.Clock.Now()
		for _, p := range []string{s.opts.ValgrindLog, s.opts.SessionLog, s.opts.Stdout, s.opts.Stderr} {
			if err := utils.Archive(p, now); err != nil {
				log.Warn(map[string]any{"server": s.opts.Server, "file": p, "error": err.Error()}, "failed to archive log")
			}
		}
	}

	if s.opts.Bin != "" {
		spec := process.Spec{
			Bin:    s.opts.Bin,
			Args:   s.params,
			Prefix: s.valgrindPrefix(),
			Env:    []string{"SSLKEYLOGFILE=" + s.opts.SessionLog},
			Stdout: s.opts.Stdout,
			Stderr: s.opts.Stderr,
			Append: !clean,
		}
		proc, err := s.opts.Launcher.Start(spec)
		if err != nil {
			return domain.NewFailed(s.opts.Server, "start", "Can't start server='%s': %v", s.opts.Server, err)
		}
		s.proc = proc
		log.Debug(map[string]any{"server": s.opts.Server, "pid": proc.Pid()}, "daemon launched")
	}

	if s.opts.Instrumented {
		s.opts.Clock.Sleep(StartWaitInstrumented)
	} else {
		s.opts.Clock.Sleep(StartWait)
	}

	if s.opts.Stress && s.opts.Observer != nil && !s.observing {
		s.opts.Observer.Start()
		s.observing = true
	}
	return nil
}

func (s *Supervisor) valgrindPrefix() []string {
	if !s.opts.Instrumented || s.opts.ValgrindBin == "" {
		return nil
	}
	prefix := append([]string{s.opts.ValgrindBin}, s.opts.ValgrindFlags...)
	return append(prefix, "--log-file="+s.opts.ValgrindLog)
}

func (s *Supervisor) stopObserver() {
	if s.observing {
		s.opts.Observer.Stop()
		s.observing = false
	}
}

// Stop terminates the daemon and waits for it; a daemon outliving the
// timeout is backtraced and killed. With check the output is inspected
// and failures are recorded in the sink. Stop never fails.
func (s *Supervisor) Stop(check bool) {
	s.stopObserver()

	if s.proc != nil {
		err := s.proc.Terminate()
		if err == nil {
			err = s.proc.Wait(StopTimeout)
		}
		if err != nil && !errors.Is(err, process.ErrProcessGone) {
			s.Backtrace()
			log.Warn(map[string]any{"server": s.opts.Server, "error": err.Error()}, fmt.Sprintf("WARNING: KILLING %s", s.opts.Server))
			s.Kill()
		}
		s.proc = nil
	}

	if check {
		s.assertCheck()
		s.valgrindCheck()
		s.asanCheck()
	}
}

// Kill stops the daemon immediately and removes its leftover vgdb pipes.
// Without a process it does nothing.
func (s *Supervisor) Kill() {
	s.stopObserver()
	if s.proc == nil {
		return
	}

	pid := s.proc.Pid()
	if err := s.proc.Kill(); err != nil && !errors.Is(err, process.ErrProcessGone) {
		log.Warn(map[string]any{"server": s.opts.Server, "pid": pid, "error": err.Error()}, "kill failed")
	}
	s.proc = nil

	pipes, _ := filepath.Glob(filepath.Join(PipeDir, "vgdb-pipe*-"+strconv.Itoa(pid)+"-*"))
	for _, p := range pipes {
		_ = os.Remove(p)
	}
}

// Backtrace dumps the threads of an instrumented daemon through gdb and
// vgdb into gdb.out and gdb.err. Failures are only logged.
func (s *Supervisor) Backtrace() {
	if !s.opts.Instrumented || s.proc == nil {
		return
	}
	log.Info(map[string]any{"server": s.opts.Server}, fmt.Sprintf("BACKTRACE %s", s.opts.Server))

	out, err := os.OpenFile(filepath.Join(s.opts.Dir, "gdb.out"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Debug(map[string]any{"server": s.opts.Server}, "!Failed to get backtrace")
		return
	}
	defer out.Close()
	errOut, err := os.OpenFile(filepath.Join(s.opts.Dir, "gdb.err"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Debug(map[string]any{"server": s.opts.Server}, "!Failed to get backtrace")
		return
	}
	defer errOut.Close()

	ctx, cancel := context.WithTimeout(context.Background(), BacktraceTimeout)
	defer cancel()
	code, err := s.opts.Runner.Run(ctx, process.Command{
		Name:   s.opts.GdbBin,
		Args:   BacktraceArgs(s.opts.VgdbBin, s.proc.Pid(), s.opts.Bin),
		Stdout: out,
		Stderr: errOut,
	})
	if err != nil || code != 0 {
		log.Debug(map[string]any{"server": s.opts.Server, "exit": code}, "!Failed to get backtrace")
	}
}

// BacktraceArgs returns the gdb arguments attaching to pid through vgdb.
func BacktraceArgs(vgdb string, pid int, daemon string) []string {
	return []string{
		"-ex", "set confirm off",
		"-ex", fmt.Sprintf("target remote | %s --pid=%d", vgdb, pid),
		"-ex", "info threads",
		"-ex", "thread apply all bt full",
		"-ex", "q",
		daemon,
	}
}

func (s *Supervisor) assertCheck() {
	if s.opts.Scanner.SearchErr("Assertion") {
		s.opts.Sink.RecordFailure(TagAssert, fmt.Sprintf("%s: assertion failed", s.opts.Server))
	}
}

func (s *Supervisor) valgrindCheck() {
	if !s.opts.Instrumented {
		return
	}
	log.Info(map[string]any{"server": s.opts.Server}, fmt.Sprintf("VALGRIND CHECK %s", s.opts.Server))

	sums, err := logscan.ValgrindSummaries(s.opts.ValgrindLog)
	if err != nil {
		if logscan.IsMissing(err) {
			log.Debug(map[string]any{"server": s.opts.Server}, "No err log file")
		} else {
			log.Debug(map[string]any{"server": s.opts.Server, "error": err.Error()}, "can't read valgrind log")
		}
		return
	}
	for _, sum := range sums {
		if sum.Clean() {
			continue
		}
		msg := fmt.Sprintf("%s memcheck: lost(%d B), reachable(%d B), errcount(%d)", s.opts.Server, sum.Lost, sum.Reachable, sum.Errors)
		log.Debug(map[string]any{"server": s.opts.Server}, msg)
		s.opts.Sink.RecordFailure(TagValgrind, msg)
	}
}

func (s *Supervisor) asanCheck() {
	if s.opts.Scanner.SearchErr("LeakSanitizer") {
		s.opts.Sink.RecordFailure(TagASan, fmt.Sprintf("%s: leak sanitizer report", s.opts.Server))
	}
}
