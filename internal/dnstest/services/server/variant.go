package server

import (
	"context"

	"github.com/haukened/dnstest/internal/dnstest/config"
	"github.com/haukened/dnstest/internal/dnstest/services/convergence"
)

// Kind names a server implementation.
type Kind string

const (
	KindKnot  Kind = "knot"
	KindBind  Kind = "bind"
	KindDummy Kind = "dummy"
)

// Listener is one socket a running server must hold.
type Listener struct {
	Network string // "tcp" or "udp"
	Port    int
}

// Variant is the implementation specific part of a Server: configuration
// text, control vocabulary and the extra steps around a start.
type Variant interface {
	Kind() Kind
	DaemonBin(p config.Params) string
	ControlBin(p config.Params) string
	// PIDFile is relative to the server directory.
	PIDFile() string
	BindingSignature() string
	ControlWaitParams() []string
	// WaitAfterControl makes a command without a blocking mode look
	// blocking.
	WaitAfterControl(s *Server, wait bool)
	GenerateConfig(s *Server) (string, error)
	StartParams(s *Server) []string
	CtlParams(s *Server) []string
	FlushCommand(zone string, wait bool) string
	Listeners(s *Server) []Listener
	PreStart(ctx context.Context, s *Server) error
	PostStart(ctx context.Context, s *Server) error
	// ControlSource reads serials over a native control socket, nil when
	// the implementation has none.
	ControlSource(s *Server) convergence.SerialSource
}

func newVariant(k Kind) Variant {
	switch k {
	case KindKnot:
		return &Knot{}
	case KindBind:
		return &Bind{}
	case KindDummy:
		return &Dummy{}
	}
	return nil
}
