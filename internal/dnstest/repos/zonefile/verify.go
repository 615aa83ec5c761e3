package zonefile

import (
	"bytes"
	"context"
	"fmt"

	"github.com/haukened/dnstest/internal/dnstest/common/log"
	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/gateways/process"
)

// Verifier checks a signed zone file with the external DNSSEC validators.
type Verifier struct {
	BindBin string // dnssec-verify
	LdnsBin string // ldns-verify-zone
	Runner  process.Runner
}

// Verify runs the requested validators against zf. It returns a Skip when
// none of the requested tools is available.
func (v Verifier) Verify(ctx context.Context, zf domain.ZoneFile, bind, ldns bool) error {
	runner := v.Runner
	if runner == nil {
		runner = process.ExecRunner{}
	}

	var checks []process.Command
	if bind && v.BindBin != "" {
		if bin, err := process.LookPath(v.BindBin); err == nil {
			checks = append(checks, process.Command{Name: bin, Args: []string{"-z", "-o", zf.Name(), zf.Path()}})
		}
	}
	if ldns && v.LdnsBin != "" {
		if bin, err := process.LookPath(v.LdnsBin); err == nil {
			checks = append(checks, process.Command{Name: bin, Args: []string{zf.Path()}})
		}
	}
	if len(checks) == 0 {
		return &domain.Skip{Reason: "no DNSSEC validator available"}
	}

	for _, cmd := range checks {
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		code, err := runner.Run(ctx, cmd)
		if err != nil {
			return fmt.Errorf("run %s: %w", cmd.Name, err)
		}
		log.Debug(map[string]any{"zone": zf.Name(), "tool": cmd.Name, "exit": code, "output": out.String()}, "dnssec verify")
		if code != 0 {
			return domain.NewFailed("", "zone verify", "DNSSEC verification of zone '%s' failed (%s)", zf.Name(), cmd.Name)
		}
	}
	return nil
}
