// Package process runs and supervises external binaries: short lived tool
// invocations through a Runner and long lived daemons through a Launcher.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const (
	errStartFailed  = "start %s: %w"
	errOpenOutput   = "open %s: %w"
	errWaitTimedOut = "process %d still running after %v"
)

var (
	// ErrProcessGone is returned when signalling a process that already exited.
	ErrProcessGone = errors.New("process already gone")
	// ErrWaitTimeout is returned by Wait when the process outlives the timeout.
	ErrWaitTimeout = errors.New("wait timed out")
)

// LookPath resolves a binary name. It can be replaced in tests.
var LookPath = exec.LookPath

// Command is one short lived tool invocation.
type Command struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string // appended to the current environment
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Name, c.Args)
}

// Runner executes a Command to completion and reports its exit code. The
// error is non-nil only when the command could not be run or ctx expired.
type Runner interface {
	Run(ctx context.Context, cmd Command) (int, error)
}

// ExecRunner implements Runner with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) (int, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Spec describes a daemon launch.
type Spec struct {
	Bin    string
	Args   []string
	Prefix []string // wrapper command such as valgrind, run in front of Bin
	Env    []string
	Stdout string
	Stderr string
	// Append keeps existing output files, otherwise they are truncated.
	Append bool
}

// Process is a running daemon owned by the caller.
type Process interface {
	Pid() int
	// Terminate asks the process to exit.
	Terminate() error
	// Kill stops the process immediately.
	Kill() error
	// Wait blocks until the process exits or timeout elapses.
	Wait(timeout time.Duration) error
	Running() bool
}

// Launcher starts daemons.
type Launcher interface {
	Start(spec Spec) (Process, error)
}

// ExecLauncher implements Launcher with os/exec.
type ExecLauncher struct{}

func (ExecLauncher) Start(spec Spec) (Process, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if spec.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	stdout, err := openOutput(spec.Stdout, flags)
	if err != nil {
		return nil, err
	}
	stderr, err := openOutput(spec.Stderr, flags)
	if err != nil {
		closeAll(stdout)
		return nil, err
	}

	argv := append(append([]string{}, spec.Prefix...), spec.Bin)
	argv = append(argv, spec.Args...)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), spec.Env...)

	if err := cmd.Start(); err != nil {
		closeAll(stdout, stderr)
		return nil, fmt.Errorf(errStartFailed, argv[0], err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		closeAll(stdout, stderr)
		close(p.done)
	}()
	return p, nil
}

func openOutput(path string, flags int) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf(errOpenOutput, path, err)
	}
	return f, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *execProcess) signal(sig os.Signal) error {
	if !p.Running() {
		return ErrProcessGone
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrProcessGone
		}
		return err
	}
	return nil
}

func (p *execProcess) Wait(timeout time.Duration) error {
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: "+errWaitTimedOut, ErrWaitTimeout, p.Pid(), timeout)
	}
}

func (p *execProcess) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

var (
	_ Runner   = ExecRunner{}
	_ Launcher = ExecLauncher{}
	_ Process  = (*execProcess)(nil)
)
