package domain

import (
	"errors"
	"fmt"
)

// ErrBindFailure is the cause of a StartFailure when the daemon kept
// reporting busy addresses or ports after every start attempt.
var ErrBindFailure = errors.New("couldn't bind all addresses or ports")

// Failed is the structured failure every harness error surfaces as. The
// message names the server and the operation.
type Failed struct {
	Server string
	Op     string
	Msg    string
}

func (e *Failed) Error() string {
	switch {
	case e.Server == "" && e.Op == "":
		return e.Msg
	case e.Server == "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	default:
		return fmt.Sprintf("%s: %s, server='%s'", e.Op, e.Msg, e.Server)
	}
}

// NewFailed builds a Failed with a formatted message.
func NewFailed(server, op, format string, args ...any) *Failed {
	return &Failed{Server: server, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Skip signals that an environment precondition is unmet (missing binary
// or tool). Only the affected scenario should be aborted.
type Skip struct {
	Reason string
}

func (e *Skip) Error() string {
	return "skip: " + e.Reason
}

// IsSkip reports whether err is or wraps a Skip.
func IsSkip(err error) bool {
	var s *Skip
	return errors.As(err, &s)
}

// StartFailure is returned when the daemon could not be started.
type StartFailure struct {
	Server string
	Cause  error
}

func (e *StartFailure) Error() string {
	return fmt.Sprintf("server %s couldn't start: %v", e.Server, e.Cause)
}

func (e *StartFailure) Unwrap() []error {
	return []error{e.Cause, &Failed{Server: e.Server, Op: "start", Msg: e.Cause.Error()}}
}

// ControlErrorKind distinguishes an unreachable control interface from a
// command the control tool rejected.
type ControlErrorKind int

const (
	ControlUnavailable ControlErrorKind = iota
	ControlFailure
)

func (k ControlErrorKind) String() string {
	switch k {
	case ControlUnavailable:
		return "unavailable"
	case ControlFailure:
		return "failure"
	default:
		return fmt.Sprintf("ControlErrorKind(%d)", int(k))
	}
}

// ControlError is returned by the control channel.
type ControlError struct {
	Server   string
	Command  string
	ExitCode int
	Kind     ControlErrorKind
	Err      error
}

func (e *ControlError) Error() string {
	if e.Kind == ControlUnavailable {
		return fmt.Sprintf("Unavailable remote control server='%s'", e.Server)
	}
	msg := fmt.Sprintf("Can't control='%s' server='%s', ret='%d'", e.Command, e.Server, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ControlError) Unwrap() []error {
	errs := []error{&Failed{Server: e.Server, Op: "control", Msg: e.Command}}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// QueryFailure is returned when every attempt of a query failed.
type QueryFailure struct {
	Server string
	Name   string
	Class  string
	Type   string
	Err    error
}

func (e *QueryFailure) Error() string {
	return fmt.Sprintf("Can't query server='%s' for '%s %s %s'", e.Server, e.Name, e.Class, e.Type)
}

func (e *QueryFailure) Unwrap() []error {
	errs := []error{&Failed{Server: e.Server, Op: "query", Msg: e.Name + " " + e.Type}}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ConvergenceFailure is returned when a zone never reached the expected
// SOA serial relation within the attempt budget.
type ConvergenceFailure struct {
	Server   string
	Zone     string
	Relation string // e.g. ">5", "=6", ">=7" or "" when any serial was acceptable
}

func (e *ConvergenceFailure) Error() string {
	return fmt.Sprintf("Can't get SOA%s, zone='%s', server='%s'", e.Relation, e.Zone, e.Server)
}

func (e *ConvergenceFailure) Unwrap() error {
	return &Failed{Server: e.Server, Op: "zone wait", Msg: e.Zone}
}
