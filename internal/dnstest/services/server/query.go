package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/haukened/dnstest/internal/dnstest/common/log"
	"github.com/haukened/dnstest/internal/dnstest/common/retry"
	"github.com/haukened/dnstest/internal/dnstest/common/utils"
	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/gateways/process"
	"github.com/haukened/dnstest/internal/dnstest/gateways/protocol"
)

// nonExistingLabel prefixes the name queried for a denial of existence.
const nonExistingLabel = "0-x-not-existing-x-0"

// ListenBudget bounds the wait for one socket to appear in lsof.
var ListenBudget = retry.Budget{Attempts: 5, Delay: 2 * time.Second}

// Dig sends one query to the server.
func (s *Server) Dig(ctx context.Context, req protocol.QueryRequest) (*protocol.Response, error) {
	return s.client.Query(ctx, req)
}

// Update opens a dynamic update session for zone. With allowNsupdate and a
// configured knsupdate tool the session may go through the tool.
func (s *Server) Update(zone string, allowNsupdate bool) *protocol.UpdateSession {
	var nsupdate protocol.Updater
	if allowNsupdate && s.params.KnsupdateBin != "" {
		nsupdate = &protocol.NsupdateUpdater{Bin: s.params.KnsupdateBin, Runner: s.runner, Client: s.client}
	}
	return s.client.Update(utils.CanonicalZoneName(zone), nsupdate)
}

// CheckNSEC queries a name that does not exist in zone and checks the kind
// of denial records returned.
func (s *Server) CheckNSEC(ctx context.Context, zone string, nsec3, nonsec bool) error {
	zone = utils.CanonicalZoneName(zone)
	name := nonExistingLabel + "." + zone
	if zone == "." {
		name = nonExistingLabel + "."
	}
	resp, err := s.Dig(ctx, protocol.QueryRequest{Name: name, Type: "ANY", DNSSEC: true})
	if err != nil {
		return err
	}
	if err := resp.CheckNSEC(nsec3, nonsec); err != nil {
		return domain.NewFailed(s.name, "check nsec", "zone '%s': %s", zone, err)
	}
	return nil
}

// Listening reports whether the daemon holds every socket it should. It
// returns a Skip when lsof is not configured.
func (s *Server) Listening(ctx context.Context) (bool, error) {
	listeners := s.variant.Listeners(s)
	if len(listeners) == 0 {
		return true, nil
	}
	if s.params.LsofBin == "" {
		return false, &domain.Skip{Reason: "no lsof"}
	}
	for _, l := range listeners {
		if !s.checkSocket(ctx, l) {
			log.Debug(map[string]any{"server": s.name, "network": l.Network, "port": l.Port}, "socket not held")
			return false, nil
		}
	}
	return true, nil
}

func (s *Server) checkSocket(ctx context.Context, l Listener) bool {
	unix := strings.HasPrefix(s.params.Addr, "/")
	args := []string{s.params.Addr}
	if !unix {
		args = []string{"-i", lsofInterface(s.params.Addr, l)}
	}
	pid := strconv.Itoa(s.Pid())

	_, err := retry.Do(s.clock, ListenBudget, func(int) (bool, error) {
		var out bytes.Buffer
		if _, err := s.runner.Run(ctx, process.Command{Name: s.params.LsofBin, Args: args, Stdout: &out}); err != nil {
			return false, err
		}
		pids := lsofPids(out.String())
		_, held := pids[pid]
		return held && (unix || len(pids) == 1), nil
	})
	return err == nil
}

func lsofInterface(addr string, l Listener) string {
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		return fmt.Sprintf("6%s@[%s]:%d", l.Network, addr, l.Port)
	}
	return fmt.Sprintf("4%s@%s:%d", l.Network, addr, l.Port)
}

// lsofPids collects the PID column of lsof output, skipping the header
// and established connections.
func lsofPids(out string) map[string]struct{} {
	pids := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) < 2 || f[1] == "PID" || f[len(f)-1] == "(ESTABLISHED)" {
			continue
		}
		pids[f[1]] = struct{}{}
	}
	return pids
}
