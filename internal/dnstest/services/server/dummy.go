package server

import (
	"context"

	"github.com/haukened/dnstest/internal/dnstest/config"
	"github.com/haukened/dnstest/internal/dnstest/services/convergence"
)

// Dummy stands in for a server that is not under the harness' control,
// e.g. a remote peer only queried over the network. It has no daemon.
type Dummy struct{}

var _ Variant = (*Dummy)(nil)

func (d *Dummy) Kind() Kind                                     { return KindDummy }
func (d *Dummy) DaemonBin(config.Params) string                 { return "" }
func (d *Dummy) ControlBin(config.Params) string                { return "" }
func (d *Dummy) PIDFile() string                                { return "" }
func (d *Dummy) BindingSignature() string                       { return "" }
func (d *Dummy) ControlWaitParams() []string                    { return nil }
func (d *Dummy) WaitAfterControl(*Server, bool)                 {}
func (d *Dummy) GenerateConfig(*Server) (string, error)         { return "", nil }
func (d *Dummy) StartParams(*Server) []string                   { return nil }
func (d *Dummy) CtlParams(*Server) []string                     { return nil }
func (d *Dummy) FlushCommand(string, bool) string               { return "" }
func (d *Dummy) Listeners(*Server) []Listener                   { return nil }
func (d *Dummy) PreStart(context.Context, *Server) error        { return nil }
func (d *Dummy) PostStart(context.Context, *Server) error       { return nil }
func (d *Dummy) ControlSource(*Server) convergence.SerialSource { return nil }
