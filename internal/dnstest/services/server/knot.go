package server

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haukened/dnstest/internal/dnstest/config"
	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/gateways/control"
	"github.com/haukened/dnstest/internal/dnstest/services/convergence"
)

const (
	knotSocket      = "knot.sock"
	knotPIDFile     = "knot.pid"
	knotBindFailure = "cannot bind address"
	knotCtlTimeout  = 15
	testACL         = "acl_test"
)

// catalogTemplates are the templates interpreted catalog members use.
var catalogTemplates = []string{"catalog-default", "catalog-signed", "catalog-unsigned"}

// Knot drives knotd through knotc and its control socket.
type Knot struct{}

var _ Variant = (*Knot)(nil)

func (k *Knot) Kind() Kind                        { return KindKnot }
func (k *Knot) DaemonBin(p config.Params) string  { return p.KnotBin }
func (k *Knot) ControlBin(p config.Params) string { return p.KnotCtl }
func (k *Knot) PIDFile() string                   { return knotPIDFile }
func (k *Knot) BindingSignature() string          { return knotBindFailure }
func (k *Knot) ControlWaitParams() []string       { return []string{"-b"} }
func (k *Knot) WaitAfterControl(*Server, bool)    {}

func (k *Knot) StartParams(s *Server) []string {
	return []string{"-c", s.confFile}
}

func (k *Knot) CtlParams(s *Server) []string {
	return []string{"-c", s.confFile, "-t", strconv.Itoa(knotCtlTimeout)}
}

func (k *Knot) FlushCommand(zone string, wait bool) string {
	if zone == "" {
		return "zone-flush"
	}
	return "zone-flush " + zone
}

func (k *Knot) Listeners(s *Server) []Listener {
	return []Listener{{Network: "tcp", Port: s.ports.Plain}, {Network: "udp", Port: s.ports.Plain}}
}

func (k *Knot) PreStart(context.Context, *Server) error  { return nil }
func (k *Knot) PostStart(context.Context, *Server) error { return nil }

func (k *Knot) ControlSource(s *Server) convergence.SerialSource {
	return convergence.ControlSource{Socket: control.NewKnotSocket(filepath.Join(s.dir, knotSocket))}
}

type knotServer struct {
	Rundir     string   `yaml:"rundir"`
	PIDFile    string   `yaml:"pidfile"`
	Listen     []string `yaml:"listen,flow"`
	ListenTLS  string   `yaml:"listen-tls,omitempty"`
	ListenQUIC string   `yaml:"listen-quic,omitempty"`
}

type knotXDP struct {
	Listen string `yaml:"listen"`
	TCP    string `yaml:"tcp"`
}

type knotControl struct {
	Listen  string `yaml:"listen"`
	Timeout int    `yaml:"timeout"`
}

type knotLog struct {
	Target string `yaml:"target"`
	Any    string `yaml:"any"`
}

type knotKey struct {
	ID        string `yaml:"id"`
	Algorithm string `yaml:"algorithm"`
	Secret    string `yaml:"secret"`
}

type knotRemote struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Key     string `yaml:"key,omitempty"`
}

type knotACL struct {
	ID      string   `yaml:"id"`
	Address string   `yaml:"address,omitempty"`
	Key     string   `yaml:"key,omitempty"`
	Action  []string `yaml:"action,flow"`
}

type knotPolicy struct {
	ID                string `yaml:"id"`
	Manual            string `yaml:"manual,omitempty"`
	SingleTypeSigning string `yaml:"single-type-signing,omitempty"`
	Algorithm         string `yaml:"algorithm,omitempty"`
	KskSize           int    `yaml:"ksk-size,omitempty"`
	ZskSize           int    `yaml:"zsk-size,omitempty"`
	DnskeyTTL         int    `yaml:"dnskey-ttl,omitempty"`
	ZoneMaxTTL        int    `yaml:"zone-max-ttl,omitempty"`
	KskLifetime       int    `yaml:"ksk-lifetime,omitempty"`
	ZskLifetime       int    `yaml:"zsk-lifetime,omitempty"`
	PropagationDelay  int    `yaml:"propagation-delay,omitempty"`
	RrsigLifetime     int    `yaml:"rrsig-lifetime,omitempty"`
	RrsigRefresh      int    `yaml:"rrsig-refresh,omitempty"`
	Nsec3             string `yaml:"nsec3,omitempty"`
	Nsec3Iterations   *int   `yaml:"nsec3-iterations,omitempty"`
	Nsec3OptOut       string `yaml:"nsec3-opt-out,omitempty"`
	Nsec3SaltLength   int    `yaml:"nsec3-salt-length,omitempty"`
	KskShared         string `yaml:"ksk-shared,omitempty"`
	CdsPublish        string `yaml:"cds-cdnskey-publish,omitempty"`
	DnskeyManagement  string `yaml:"dnskey-management,omitempty"`
	OfflineKsk        string `yaml:"offline-ksk,omitempty"`
}

type knotDatabase struct {
	Storage string `yaml:"storage"`
	KaspDB  string `yaml:"kasp-db"`
}

type knotTemplate struct {
	ID             string   `yaml:"id"`
	Storage        string   `yaml:"storage,omitempty"`
	File           string   `yaml:"file,omitempty"`
	ZonefileSync   string   `yaml:"zonefile-sync,omitempty"`
	ZonefileLoad   string   `yaml:"zonefile-load,omitempty"`
	NotifyDelay    *int     `yaml:"notify-delay,omitempty"`
	JournalContent string   `yaml:"journal-content,omitempty"`
	DnssecSigning  string   `yaml:"dnssec-signing,omitempty"`
	GlobalModule   []string `yaml:"global-module,flow,omitempty"`
	ACL            []string `yaml:"acl,flow,omitempty"`
}

type knotZone struct {
	Domain          string   `yaml:"domain"`
	File            string   `yaml:"file"`
	Master          []string `yaml:"master,flow,omitempty"`
	Notify          []string `yaml:"notify,flow,omitempty"`
	ACL             []string `yaml:"acl,flow"`
	SerialModulo    string   `yaml:"serial-modulo,omitempty"`
	JournalContent  string   `yaml:"journal-content"`
	ZonefileLoad    string   `yaml:"zonefile-load,omitempty"`
	CatalogRole     string   `yaml:"catalog-role,omitempty"`
	CatalogZone     string   `yaml:"catalog-zone,omitempty"`
	CatalogGroup    string   `yaml:"catalog-group,omitempty"`
	CatalogTemplate []string `yaml:"catalog-template,flow,omitempty"`
	DnssecSigning   string   `yaml:"dnssec-signing,omitempty"`
	DnssecPolicy    string   `yaml:"dnssec-policy,omitempty"`
	Module          []string `yaml:"module,flow,omitempty"`
}

// knotSection is one top level section. Sections are emitted in order
// since Knot resolves references only to sections defined earlier.
type knotSection struct {
	name string
	body any
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func flag(b bool) string {
	if b {
		return "on"
	}
	return ""
}

// knotAddress renders addr@port, or a plain unix socket path.
func knotAddress(addr string, port int) string {
	if strings.HasPrefix(addr, "/") {
		return addr
	}
	return fmt.Sprintf("%s@%d", addr, port)
}

func (k *Knot) GenerateConfig(s *Server) (string, error) {
	keyDir, err := s.KeyDir()
	if err != nil {
		return "", err
	}

	zones := s.zones.Zones()
	var sections []knotSection

	srv := knotServer{
		Rundir:  s.dir,
		PIDFile: filepath.Join(s.dir, knotPIDFile),
		Listen:  []string{knotAddress(s.Addr(), s.ports.Plain)},
	}
	if s.ports.TLS != 0 {
		srv.ListenTLS = knotAddress(s.Addr(), s.ports.TLS)
	}
	if s.ports.QUIC != 0 {
		srv.ListenQUIC = knotAddress(s.Addr(), s.ports.QUIC)
	}
	sections = append(sections, knotSection{"server", srv})
	if s.ports.XDP != 0 {
		sections = append(sections, knotSection{"xdp", knotXDP{Listen: knotAddress(s.Addr(), s.ports.XDP), TCP: "on"}})
	}
	sections = append(sections,
		knotSection{"control", knotControl{Listen: knotSocket, Timeout: knotCtlTimeout}},
		knotSection{"log", []knotLog{{Target: "stdout", Any: "debug"}}},
	)

	if keys := k.keys(s, zones); len(keys) > 0 {
		sections = append(sections, knotSection{"key", keys})
	}

	peers := peerNames(zones)
	if len(peers) > 0 {
		remotes := make([]knotRemote, 0, len(peers))
		for _, name := range peers {
			p, ok := s.Peer(name)
			if !ok {
				return "", fmt.Errorf("unknown peer %s", name)
			}
			r := knotRemote{ID: p.name, Address: knotAddress(p.Addr(), p.ports.Plain)}
			if s.tsig != nil {
				r.Key = s.tsig.Name
			}
			remotes = append(remotes, r)
		}
		sections = append(sections, knotSection{"remote", remotes})
	}

	sections = append(sections, knotSection{"acl", k.acls(s, zones)})

	var policies []knotPolicy
	for _, z := range zones {
		if z.Dnssec.Enable {
			policies = append(policies, knotPolicyOf(z.Name(), z.Dnssec))
		}
	}
	if len(policies) > 0 {
		sections = append(sections, knotSection{"policy", policies})
	}

	sections = append(sections, knotSection{"database", knotDatabase{Storage: s.dir, KaspDB: keyDir}})

	mods := s.zones.GlobalModules()
	for _, z := range zones {
		mods = append(mods, z.Modules...)
	}
	modSections, err := moduleSections(mods)
	if err != nil {
		return "", err
	}
	sections = append(sections, modSections...)

	sections = append(sections, knotSection{"template", k.templates(s, zones)})

	var zs []knotZone
	for _, z := range zones {
		if z.CatalogRole == domain.CatalogHidden {
			continue
		}
		zs = append(zs, k.zone(s, z))
	}
	if len(zs) > 0 {
		sections = append(sections, knotSection{"zone", zs})
	}

	var buf bytes.Buffer
	for _, sec := range sections {
		out, err := yaml.Marshal(map[string]any{sec.name: sec.body})
		if err != nil {
			return "", fmt.Errorf("section %s: %w", sec.name, err)
		}
		buf.Write(out)
		buf.WriteByte('\n')
	}
	return buf.String(), nil
}

func (k *Knot) keys(s *Server, zones []*domain.Zone) []knotKey {
	seen := make(map[string]bool)
	var keys []knotKey
	add := func(t *domain.Tsig) {
		if t == nil || seen[t.Name] {
			return
		}
		seen[t.Name] = true
		keys = append(keys, knotKey{ID: t.Name, Algorithm: t.Alg, Secret: t.Secret})
	}
	add(s.testKey)
	add(s.tsig)
	for _, name := range peerNames(zones) {
		if p, ok := s.Peer(name); ok {
			add(p.tsig)
		}
	}
	return keys
}

func (k *Knot) acls(s *Server, zones []*domain.Zone) []knotACL {
	test := knotACL{ID: testACL, Address: s.Addr(), Action: []string{"transfer", "notify", "update"}}
	if s.testKey != nil {
		test.Key = s.testKey.Name
	}
	acls := []knotACL{test}

	seen := make(map[string]bool)
	for _, z := range zones {
		for _, m := range z.MasterNames() {
			id := "acl_" + m
			if seen[id] {
				continue
			}
			seen[id] = true
			a := knotACL{ID: id, Action: []string{"notify"}}
			if p, ok := s.Peer(m); ok {
				a.Address = p.Addr()
				if p.tsig != nil {
					a.Key = p.tsig.Name
				}
			}
			acls = append(acls, a)
		}
		for _, sl := range z.SlaveNames() {
			id := "acl_" + sl
			if seen[id] {
				continue
			}
			seen[id] = true
			a := knotACL{ID: id, Action: []string{"transfer"}}
			if z.DDNS {
				a.Action = append(a.Action, "update")
			}
			if p, ok := s.Peer(sl); ok {
				a.Address = p.Addr()
				if p.tsig != nil {
					a.Key = p.tsig.Name
				}
			}
			acls = append(acls, a)
		}
	}
	return acls
}

func (k *Knot) templates(s *Server, zones []*domain.Zone) []knotTemplate {
	delay := 0
	def := knotTemplate{ID: "default", Storage: s.dir, ZonefileSync: "1d", NotifyDelay: &delay}
	for _, m := range s.zones.GlobalModules() {
		def.GlobalModule = append(def.GlobalModule, m.Ref())
	}
	out := []knotTemplate{def}

	var catalog *domain.Zone
	for _, z := range zones {
		if z.CatalogRole == domain.CatalogInterpret || z.CatalogRole == domain.CatalogGenerate {
			catalog = z
			break
		}
	}
	if catalog == nil {
		return out
	}

	file := filepath.Join(s.dir, "catalog", "%s.zone")
	acl := zoneACL(catalog)
	dflt := knotTemplate{ID: catalogTemplates[0], File: file, ZonefileLoad: "difference", JournalContent: catalog.JournalContent, ACL: acl}
	if catalog.Dnssec.Enable {
		dflt.DnssecSigning = onOff(!catalog.Dnssec.Disable)
	}
	return append(out,
		dflt,
		knotTemplate{ID: catalogTemplates[1], File: file, JournalContent: catalog.JournalContent, DnssecSigning: "on", ACL: acl},
		knotTemplate{ID: catalogTemplates[2], File: file, JournalContent: catalog.JournalContent, ACL: acl},
	)
}

func zoneACL(z *domain.Zone) []string {
	acl := []string{testACL}
	for _, m := range z.MasterNames() {
		acl = append(acl, "acl_"+m)
	}
	for _, sl := range z.SlaveNames() {
		acl = append(acl, "acl_"+sl)
	}
	return acl
}

func (k *Knot) zone(s *Server, z *domain.Zone) knotZone {
	kz := knotZone{
		Domain:         z.Name(),
		File:           z.File.Path(),
		Master:         z.MasterNames(),
		Notify:         z.SlaveNames(),
		ACL:            zoneACL(z),
		SerialModulo:   z.SerialModulo,
		JournalContent: z.JournalContent,
	}
	if z.IXFR {
		kz.ZonefileLoad = "difference"
	}
	switch z.CatalogRole {
	case domain.CatalogGenerate:
		kz.CatalogRole = "generate"
	case domain.CatalogMember:
		kz.CatalogRole = "member"
		kz.CatalogZone = z.CatalogGenName
		kz.CatalogGroup = z.CatalogGroup
	case domain.CatalogInterpret:
		kz.CatalogRole = "interpret"
		kz.CatalogTemplate = catalogTemplates
	}
	if z.Dnssec.Enable {
		kz.DnssecSigning = onOff(!z.Dnssec.Disable)
	}
	if z.Dnssec.Enable || z.Dnssec.Validate {
		kz.DnssecPolicy = z.Name()
		if z.Dnssec.SharedPolicyWith != "" {
			kz.DnssecPolicy = z.Dnssec.SharedPolicyWith
		}
	}
	for _, m := range z.Modules {
		kz.Module = append(kz.Module, m.Ref())
	}
	return kz
}

func knotPolicyOf(zone string, d domain.DnssecPolicy) knotPolicy {
	p := knotPolicy{
		ID:                zone,
		Manual:            flag(d.Manual),
		SingleTypeSigning: flag(d.SingleTypeSigning),
		Algorithm:         d.Alg,
		KskSize:           d.KskSize,
		ZskSize:           d.ZskSize,
		DnskeyTTL:         d.DnskeyTTL,
		ZoneMaxTTL:        d.ZoneMaxTTL,
		KskLifetime:       d.KskLifetime,
		ZskLifetime:       d.ZskLifetime,
		PropagationDelay:  d.PropagationDelay,
		RrsigLifetime:     d.RrsigLifetime,
		RrsigRefresh:      d.RrsigRefresh,
		Nsec3:             flag(d.Nsec3),
		Nsec3OptOut:       flag(d.Nsec3OptOut),
		Nsec3SaltLength:   d.Nsec3SaltLen,
		KskShared:         flag(d.KskShared),
		CdsPublish:        d.CdsPublish,
		DnskeyManagement:  d.DnskeyMgmt,
		OfflineKsk:        flag(d.OfflineKsk),
	}
	if d.Nsec3 {
		iters := d.Nsec3Iters
		p.Nsec3Iterations = &iters
	}
	return p
}

// moduleSections renders one section per module kind holding every
// configured instance with an id.
func moduleSections(mods []domain.Module) ([]knotSection, error) {
	byName := make(map[string][]*yaml.Node)
	seen := make(map[string]bool)
	for _, m := range mods {
		if m.ID == "" || seen[m.Ref()] {
			continue
		}
		seen[m.Ref()] = true
		item, err := moduleItem(m)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", m.Ref(), err)
		}
		byName[m.Name] = append(byName[m.Name], item)
	}
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]knotSection, 0, len(names))
	for _, n := range names {
		out = append(out, knotSection{"mod-" + n, byName[n]})
	}
	return out, nil
}

// moduleItem keeps the id first, followed by the params in key order.
func moduleItem(m domain.Module) (*yaml.Node, error) {
	item := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key string, value any) error {
		var k, v yaml.Node
		k.SetString(key)
		if err := v.Encode(value); err != nil {
			return err
		}
		item.Content = append(item.Content, &k, &v)
		return nil
	}
	if err := add("id", m.ID); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m.Params))
	for key := range m.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := add(key, m.Params[key]); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// peerNames returns the sorted names of every master and slave peer.
func peerNames(zones []*domain.Zone) []string {
	set := make(map[string]struct{})
	for _, z := range zones {
		for _, m := range z.MasterNames() {
			set[m] = struct{}{}
		}
		for _, sl := range z.SlaveNames() {
			set[sl] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
