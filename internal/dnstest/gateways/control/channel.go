// Package control drives the administrative interface of a server under
// test, either through the variant's control tool or, for Knot, through
// the native control socket.
package control

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haukened/dnstest/internal/dnstest/common/clock"
	"github.com/haukened/dnstest/internal/dnstest/common/log"
	"github.com/haukened/dnstest/internal/dnstest/common/retry"
	"github.com/haukened/dnstest/internal/dnstest/common/utils"
	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/gateways/process"
)

const (
	// CallOut and CallErr collect the output of every control invocation.
	CallOut = "call.out"
	CallErr = "call.err"

	// StatusCommand is the lightweight probe used for availability checks.
	StatusCommand = "status"
)

// ProbeBudget bounds the availability probe.
var ProbeBudget = retry.Budget{Attempts: 5, Delay: time.Second}

// SendOptions modify one Send.
type SendOptions struct {
	// Wait asks the tool to block until the command completed.
	Wait bool
	// CheckAvailability probes the control interface first.
	CheckAvailability bool
	// ReadResult returns the last line of the collected output.
	ReadResult bool
}

// Options configure a Channel.
type Options struct {
	Server string
	Bin    string
	Dir    string
	// WaitParams are inserted after the control params when Wait is set.
	WaitParams []string
	// AfterSend runs after every successful command. Tools without a
	// blocking mode simulate it here.
	AfterSend func(wait bool)
	// OnFailure runs before a failure is returned, e.g. to capture a
	// backtrace of the server.
	OnFailure func()
	Runner    process.Runner
	Clock     clock.Clock
}

// Channel sends commands through a control tool.
type Channel struct {
	server     string
	bin        string
	dir        string
	params     []string
	waitParams []string
	afterSend  func(bool)
	onFailure  func()
	runner     process.Runner
	clock      clock.Clock
}

// NewChannel creates a Channel. The control params are set later with
// SetParams since they depend on the generated configuration.
func NewChannel(opts Options) *Channel {
	if opts.Runner == nil {
		opts.Runner = process.ExecRunner{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Channel{
		server:     opts.Server,
		bin:        opts.Bin,
		dir:        opts.Dir,
		waitParams: opts.WaitParams,
		afterSend:  opts.AfterSend,
		onFailure:  opts.OnFailure,
		runner:     opts.Runner,
		clock:      opts.Clock,
	}
}

// SetParams replaces the params passed to the tool before every command.
func (c *Channel) SetParams(params []string) {
	c.params = append([]string(nil), params...)
}

// Params returns the current control params.
func (c *Channel) Params() []string {
	return append([]string(nil), c.params...)
}

// Args returns the full argument list for cmd.
func (c *Channel) Args(cmd string, wait bool) []string {
	args := append([]string(nil), c.params...)
	if wait {
		args = append(args, c.waitParams...)
	}
	return append(args, strings.Fields(cmd)...)
}

// Send issues cmd. With ReadResult set the last line of the collected
// output is returned, otherwise the empty string.
func (c *Channel) Send(ctx context.Context, cmd string, opts SendOptions) (string, error) {
	if c.bin == "" {
		return "", &domain.Skip{Reason: "no control tool for server " + c.server}
	}

	if opts.CheckAvailability {
		_, err := retry.Do(c.clock, ProbeBudget, func(int) (bool, error) {
			_, err := c.Send(ctx, StatusCommand, SendOptions{})
			return err == nil, err
		})
		if err != nil {
			c.failure()
			return "", &domain.ControlError{Server: c.server, Command: cmd, Kind: domain.ControlUnavailable, Err: err}
		}
	}

	if err := c.invoke(ctx, cmd, opts.Wait); err != nil {
		return "", err
	}

	if c.afterSend != nil {
		c.afterSend(opts.Wait)
	}

	if !opts.ReadResult {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Join(c.dir, CallOut))
	if err != nil {
		return "", &domain.ControlError{Server: c.server, Command: cmd, Kind: domain.ControlFailure, Err: err}
	}
	return utils.LastLine(data), nil
}

func (c *Channel) invoke(ctx context.Context, cmd string, wait bool) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return &domain.ControlError{Server: c.server, Command: cmd, ExitCode: -1, Kind: domain.ControlFailure, Err: err}
	}
	out, err := openAppend(filepath.Join(c.dir, CallOut))
	if err != nil {
		return &domain.ControlError{Server: c.server, Command: cmd, ExitCode: -1, Kind: domain.ControlFailure, Err: err}
	}
	defer out.Close()
	errOut, err := openAppend(filepath.Join(c.dir, CallErr))
	if err != nil {
		return &domain.ControlError{Server: c.server, Command: cmd, ExitCode: -1, Kind: domain.ControlFailure, Err: err}
	}
	defer errOut.Close()

	args := c.Args(cmd, wait)
	log.Debug(map[string]any{"server": c.server}, c.bin+" "+strings.Join(args, " "))

	code, err := c.runner.Run(ctx, process.Command{Name: c.bin, Args: args, Stdout: out, Stderr: errOut})
	if err != nil || code != 0 {
		c.failure()
		return &domain.ControlError{Server: c.server, Command: cmd, ExitCode: code, Kind: domain.ControlFailure, Err: err}
	}
	return nil
}

func (c *Channel) failure() {
	if c.onFailure != nil {
		c.onFailure()
	}
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
