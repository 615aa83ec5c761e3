package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/haukened/dnstest/internal/dnstest/common/log"
	"github.com/haukened/dnstest/internal/dnstest/common/utils"
	"github.com/haukened/dnstest/internal/dnstest/config"
	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/gateways/control"
	"github.com/haukened/dnstest/internal/dnstest/gateways/process"
	"github.com/haukened/dnstest/internal/dnstest/services/convergence"
)

const (
	bindPIDFile     = "bind.pid"
	bindBindFailure = "address in use"
	bindCtlKeyFile  = "rndc.key"
	bindCtlKeyAlg   = "hmac-md5"
	// bindWaitExtra is added to the settle delay of a blocking command.
	bindWaitExtra = 3 * time.Second
)

const errKeygen = "dnssec-keygen failed for zone '%s' with ret='%d'"

// Bind drives named through rndc. It has no blocking control mode and
// needs its DNSSEC keys generated before the start.
type Bind struct {
	ctlKey *domain.Tsig
}

var _ Variant = (*Bind)(nil)

func (b *Bind) Kind() Kind                                     { return KindBind }
func (b *Bind) DaemonBin(p config.Params) string               { return p.BindBin }
func (b *Bind) ControlBin(p config.Params) string              { return p.BindCtl }
func (b *Bind) PIDFile() string                                { return bindPIDFile }
func (b *Bind) BindingSignature() string                       { return bindBindFailure }
func (b *Bind) ControlWaitParams() []string                    { return nil }
func (b *Bind) ControlSource(*Server) convergence.SerialSource { return nil }

// WaitAfterControl sleeps the settle delay, longer for a blocking command.
func (b *Bind) WaitAfterControl(s *Server, wait bool) {
	d := s.startWait()
	if wait {
		d += bindWaitExtra
	}
	s.clock.Sleep(d)
}

func (b *Bind) StartParams(s *Server) []string {
	return []string{"-c", s.confFile, "-g"}
}

func (b *Bind) CtlParams(s *Server) []string {
	return []string{"-s", s.Addr(), "-p", strconv.Itoa(s.ports.Control), "-k", filepath.Join(s.dir, bindCtlKeyFile)}
}

func (b *Bind) FlushCommand(zone string, wait bool) string {
	if zone == "" {
		return "sync"
	}
	return "sync " + zone
}

func (b *Bind) Listeners(s *Server) []Listener {
	return []Listener{
		{Network: "tcp", Port: s.ports.Plain},
		{Network: "udp", Port: s.ports.Plain},
		{Network: "tcp", Port: s.ports.Control},
	}
}

// PreStart generates a ZSK and a KSK for every signed zone and appends
// the public keys to the zone file, named does not create them itself.
func (b *Bind) PreStart(ctx context.Context, s *Server) error {
	for _, z := range s.zones.Zones() {
		if !z.Dnssec.Enable {
			continue
		}
		if s.params.KeygenBin == "" {
			return &domain.Skip{Reason: "no dnssec-keygen"}
		}
		zsk, err := b.keygen(ctx, s, z.Name(), z.Dnssec.Nsec3, false)
		if err != nil {
			return err
		}
		ksk, err := b.keygen(ctx, s, z.Name(), z.Dnssec.Nsec3, true)
		if err != nil {
			return err
		}
		lines := []string{""}
		for _, path := range []string{zsk, ksk} {
			keyLines, err := keyRecords(path)
			if err != nil {
				return err
			}
			lines = append(lines, keyLines...)
		}
		if err := z.File.AppendRecords(lines); err != nil {
			return err
		}
		log.Debug(map[string]any{"server": s.name, "zone": z.Name()}, "keys appended to zone file")
	}
	return nil
}

// keygen runs dnssec-keygen and returns the path of the public key file.
func (b *Bind) keygen(ctx context.Context, s *Server, zone string, nsec3, ksk bool) (string, error) {
	keyDir, err := s.KeyDir()
	if err != nil {
		return "", err
	}
	args := []string{"-n", "ZONE", "-a", "ECDSA256", "-K", keyDir}
	if nsec3 {
		args = append(args, "-3")
	}
	if ksk {
		args = append(args, "-f", "KSK")
	}
	args = append(args, zone)

	var out bytes.Buffer
	code, err := s.runner.Run(ctx, process.Command{Name: s.params.KeygenBin, Args: args, Stdout: &out})
	if err != nil {
		return "", fmt.Errorf("run %s: %w", s.params.KeygenBin, err)
	}
	if code != 0 {
		return "", domain.NewFailed(s.name, "keygen", errKeygen, zone, code)
	}
	return filepath.Join(keyDir, utils.LastLine(out.Bytes())+".key"), nil
}

// keyRecords returns the lines of a key file that are not comments.
func keyRecords(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

// PostStart sets the NSEC3 parameters over rndc, they cannot be put in
// the zone file.
func (b *Bind) PostStart(ctx context.Context, s *Server) error {
	for _, z := range s.zones.Zones() {
		if !z.Dnssec.Nsec3 {
			continue
		}
		optOut := 0
		if z.Dnssec.Nsec3OptOut {
			optOut = 1
		}
		cmd := fmt.Sprintf("signing -nsec3param 1 %d %d - %s", optOut, z.Dnssec.Nsec3Iters, z.Name())
		if _, err := s.Ctl(ctx, cmd, control.SendOptions{CheckAvailability: true}); err != nil {
			return err
		}
	}
	return nil
}

// namedConf builds named.conf text.
type namedConf struct {
	b     strings.Builder
	depth int
}

func (c *namedConf) indent() {
	c.b.WriteString(strings.Repeat("    ", c.depth))
}

func (c *namedConf) begin(name string, id ...string) {
	c.indent()
	c.b.WriteString(name)
	for _, v := range id {
		fmt.Fprintf(&c.b, " %q", v)
	}
	c.b.WriteString(" {\n")
	c.depth++
}

func (c *namedConf) item(name string, value ...string) {
	c.indent()
	c.b.WriteString(strings.Join(append([]string{name}, value...), " "))
	c.b.WriteString(";\n")
}

func (c *namedConf) itemStr(name, value string) {
	c.item(name, strconv.Quote(value))
}

func (c *namedConf) end() {
	c.depth--
	c.indent()
	c.b.WriteString("};\n")
	if c.depth == 0 {
		c.b.WriteString("\n")
	}
}

func (c *namedConf) String() string { return c.b.String() }

// set renders "{ a; b; }".
func set(items ...string) string {
	if len(items) == 0 {
		return "{ }"
	}
	return "{ " + strings.Join(items, "; ") + "; }"
}

func (c *namedConf) key(t *domain.Tsig) {
	c.begin("key", t.Name)
	c.item("algorithm", t.Alg)
	c.itemStr("secret", t.Secret)
	c.end()
}

func (b *Bind) GenerateConfig(s *Server) (string, error) {
	if b.ctlKey == nil {
		key, err := domain.NewTsig("rndc-"+s.name, bindCtlKeyAlg)
		if err != nil {
			return "", err
		}
		b.ctlKey = key
	}
	var kf namedConf
	kf.key(b.ctlKey)
	if err := os.WriteFile(filepath.Join(s.dir, bindCtlKeyFile), []byte(kf.String()), 0o600); err != nil {
		return "", err
	}

	keyDir, err := s.KeyDir()
	if err != nil {
		return "", err
	}
	zones := s.zones.Zones()
	addr := s.Addr()
	port := strconv.Itoa(s.ports.Plain)

	var c namedConf
	c.begin("options")
	c.itemStr("directory", s.dir)
	c.itemStr("key-directory", keyDir)
	c.itemStr("pid-file", filepath.Join(s.dir, bindPIDFile))
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		c.item("listen-on-v6 port", port, set(addr))
		c.item("listen-on", set())
	} else {
		c.item("listen-on port", port, set(addr))
		c.item("listen-on-v6", set())
	}
	c.item("auth-nxdomain", "no")
	c.item("recursion", "no")
	c.item("masterfile-format", "text")
	c.item("max-refresh-time", "2")
	c.item("max-retry-time", "2")
	c.item("transfers-in", "30")
	c.item("transfers-out", "30")
	c.item("minimal-responses", "true")
	c.item("notify-delay", "0")
	c.item("notify-rate", "1000")
	c.item("startup-notify-rate", "1000")
	c.item("serial-query-rate", "1000")
	c.item("max-journal-size", "unlimited")
	c.end()

	c.key(b.ctlKey)

	c.begin("controls")
	c.item("inet", addr, "port", strconv.Itoa(s.ports.Control), "allow", set(addr), "keys", set(b.ctlKey.Name))
	c.end()

	seen := map[string]bool{b.ctlKey.Name: true}
	addKey := func(t *domain.Tsig) {
		if t == nil || seen[t.Name] {
			return
		}
		seen[t.Name] = true
		c.key(t)
	}
	addKey(s.testKey)
	addKey(s.tsig)
	for _, name := range peerNames(zones) {
		if p, ok := s.Peer(name); ok {
			addKey(p.tsig)
		}
	}

	for _, z := range zones {
		if z.Dnssec.Enable {
			bindPolicy(&c, z.Name(), z.Dnssec)
		}
	}

	for _, z := range zones {
		if err := b.zone(&c, s, z, keyDir); err != nil {
			return "", err
		}
	}
	return c.String(), nil
}

func bindPolicy(c *namedConf, zone string, d domain.DnssecPolicy) {
	lifetime := func(v int) string {
		if v == 0 {
			return "unlimited"
		}
		return strconv.Itoa(v)
	}
	alg := d.Alg
	if alg == "" {
		alg = "ecdsa256"
	}

	c.begin("dnssec-policy", zone)
	c.begin("keys")
	if d.SingleTypeSigning {
		c.item("csk", "lifetime", lifetime(d.KskLifetime), "algorithm", alg)
	} else {
		c.item("zsk", "lifetime", lifetime(d.ZskLifetime), "algorithm", alg)
		c.item("ksk", "lifetime", lifetime(d.KskLifetime), "algorithm", alg)
	}
	c.end()
	if d.DnskeyTTL != 0 {
		c.item("dnskey-ttl", strconv.Itoa(d.DnskeyTTL))
	}
	if d.ZoneMaxTTL != 0 {
		c.item("max-zone-ttl", strconv.Itoa(d.ZoneMaxTTL))
	}
	if d.PropagationDelay != 0 {
		c.item("zone-propagation-delay", strconv.Itoa(d.PropagationDelay))
	}
	c.item("publish-safety", "1")
	c.item("retire-safety", "1")
	c.end()
}

func (b *Bind) zone(c *namedConf, s *Server, z *domain.Zone, keyDir string) error {
	c.begin("zone", z.Name())
	c.itemStr("file", z.File.Path())
	c.item("check-names", "warn")

	if z.IsSlave() {
		c.item("type", "slave")
		var masters, notify []string
		for _, name := range z.MasterNames() {
			m, ok := s.Peer(name)
			if !ok {
				return fmt.Errorf("unknown peer %s", name)
			}
			entry := fmt.Sprintf("%s port %d", m.Addr(), m.ports.Plain)
			if s.tsig != nil {
				entry += " key " + s.tsig.Name
			}
			masters = append(masters, entry)
			if m.tsig != nil {
				notify = append(notify, "key "+m.tsig.Name)
			} else {
				notify = append(notify, m.Addr())
			}
		}
		c.item("masters", set(masters...))
		c.item("allow-notify", set(notify...))
	} else {
		c.item("type", "master")
		c.item("notify", "explicit")
		c.item("check-integrity", "no")
		if z.IXFR {
			c.item("ixfr-from-differences", "yes")
		}
	}

	var alsoNotify []string
	for _, name := range z.SlaveNames() {
		sl, ok := s.Peer(name)
		if !ok {
			return fmt.Errorf("unknown peer %s", name)
		}
		entry := fmt.Sprintf("%s port %d", sl.Addr(), sl.ports.Plain)
		if s.tsig != nil {
			entry += " key " + s.tsig.Name
		}
		alsoNotify = append(alsoNotify, entry)
	}
	if len(alsoNotify) > 0 {
		c.item("also-notify", set(alsoNotify...))
	}

	if z.DDNS {
		upd := s.Addr()
		if s.testKey != nil {
			upd = "key " + s.testKey.Name
		}
		if z.IsSlave() {
			c.item("allow-update-forwarding", set(upd))
		} else {
			c.item("allow-update", set(upd))
		}
	}

	xfr := []string{"any"}
	if s.testKey != nil {
		xfr = []string{"key " + s.testKey.Name}
		for _, name := range z.SlaveNames() {
			if sl, ok := s.Peer(name); ok && sl.tsig != nil {
				xfr = append(xfr, "key "+sl.tsig.Name)
			}
		}
	}
	c.item("allow-transfer", set(xfr...))

	if z.Dnssec.Enable {
		c.item("inline-signing", "yes")
		c.itemStr("dnssec-policy", z.Name())
		c.itemStr("key-directory", keyDir)
	}
	c.end()
	return nil
}
