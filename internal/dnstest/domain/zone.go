package domain

import (
	"fmt"
	"sort"
)

// ZoneFile is the on-disk zone handle a Zone owns. The harness treats the
// content as opaque and only needs the capabilities below.
type ZoneFile interface {
	Name() string
	Path() string
	SOASerial() (uint32, error)
	Backup() error
	Remove() error
	// Clone copies the file into dir. With exists=false only the handle is
	// created, pointing at a path the server will populate (slave zones).
	Clone(dir string, exists bool) (ZoneFile, error)
	AppendRecords(lines []string) error
}

// CatalogRole is the role a zone plays in catalog zone provisioning.
type CatalogRole int

const (
	CatalogNone CatalogRole = iota
	CatalogInterpret
	CatalogGenerate
	CatalogMember
	CatalogHidden // interpreted member zone
)

func (r CatalogRole) String() string {
	switch r {
	case CatalogNone:
		return "none"
	case CatalogInterpret:
		return "interpret"
	case CatalogGenerate:
		return "generate"
	case CatalogMember:
		return "member"
	case CatalogHidden:
		return "hidden"
	default:
		return fmt.Sprintf("CatalogRole(%d)", int(r))
	}
}

// Module describes one server query module attached to a zone or globally.
type Module struct {
	Name   string
	ID     string
	Params map[string]any
}

// Ref returns the reference used to attach the module to a zone, e.g.
// "mod-rrl/default".
func (m Module) Ref() string {
	if m.ID == "" {
		return "mod-" + m.Name
	}
	return "mod-" + m.Name + "/" + m.ID
}

// Zone is one zone hosted on a server.
type Zone struct {
	File           ZoneFile
	Masters        map[string]struct{}
	Slaves         map[string]struct{}
	DDNS           bool
	IXFR           bool
	JournalContent string
	SerialModulo   string
	Modules        []Module
	Dnssec         DnssecPolicy
	CatalogRole    CatalogRole
	CatalogGenName string // generated catalog zone this member belongs to
	CatalogGroup   string
}

// ZoneOptions are the transfer flags given when a zone is first registered.
type ZoneOptions struct {
	DDNS           bool
	IXFR           bool
	JournalContent string
}

// DefaultJournalContent is the journal policy used when none is given.
const DefaultJournalContent = "changes"

// NewZone creates a zone owning zf.
func NewZone(zf ZoneFile, opts ZoneOptions) *Zone {
	jc := opts.JournalContent
	if jc == "" {
		jc = DefaultJournalContent
	}
	return &Zone{
		File:           zf,
		Masters:        make(map[string]struct{}),
		Slaves:         make(map[string]struct{}),
		DDNS:           opts.DDNS,
		IXFR:           opts.IXFR,
		JournalContent: jc,
	}
}

// Name returns the zone name taken from its file handle.
func (z *Zone) Name() string {
	return z.File.Name()
}

// IsSlave reports whether the zone has at least one master peer.
func (z *Zone) IsSlave() bool {
	return len(z.Masters) > 0
}

// AddMaster registers a master peer by server name.
func (z *Zone) AddMaster(server string) {
	z.Masters[server] = struct{}{}
}

// AddSlave registers a slave peer by server name.
func (z *Zone) AddSlave(server string) {
	z.Slaves[server] = struct{}{}
}

// MasterNames returns the master peers sorted by name.
func (z *Zone) MasterNames() []string {
	return sortedKeys(z.Masters)
}

// SlaveNames returns the slave peers sorted by name.
func (z *Zone) SlaveNames() []string {
	return sortedKeys(z.Slaves)
}

func (z *Zone) AddModule(m Module) {
	z.Modules = append(z.Modules, m)
}

// Module returns the first attached module with the given name.
func (z *Zone) Module(name string) (Module, bool) {
	for _, m := range z.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return Module{}, false
}

func (z *Zone) ClearModules() {
	z.Modules = nil
}

// DisableMaster turns a master zone into a slave zone: the old file is
// removed, the handle replaced and incremental transfers are no longer
// provided.
func (z *Zone) DisableMaster(newFile ZoneFile) error {
	if err := z.File.Remove(); err != nil {
		return fmt.Errorf("removing master zone file %s: %w", z.File.Path(), err)
	}
	z.File = newFile
	z.IXFR = false
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
