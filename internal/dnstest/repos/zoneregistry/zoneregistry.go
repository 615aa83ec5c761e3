// Package zoneregistry keeps the zones configured on one server.
package zoneregistry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/haukened/dnstest/internal/dnstest/common/utils"
	"github.com/haukened/dnstest/internal/dnstest/domain"
)

var (
	// ErrZoneNotFound is returned when an operation names an unregistered zone.
	ErrZoneNotFound = errors.New("zone not registered")
	// ErrCatalogNotGenerate is returned when a member zone references a
	// catalog zone that does not generate a catalog.
	ErrCatalogNotGenerate = errors.New("catalog zone is not a generate zone")
)

// Registry maps canonical zone names to zone state. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	zones   map[string]*domain.Zone
	modules []domain.Module // server wide modules
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		zones: make(map[string]*domain.Zone),
	}
}

// SetMaster registers zf as a master zone, creating the zone on first use.
// A non-empty slave is added to the zone's slave peers.
func (r *Registry) SetMaster(zf domain.ZoneFile, slave string, opts domain.ZoneOptions) *domain.Zone {
	name := utils.CanonicalZoneName(zf.Name())

	r.mu.Lock()
	defer r.mu.Unlock()

	z, ok := r.zones[name]
	if !ok {
		z = domain.NewZone(zf, opts)
		r.zones[name] = z
	}
	if slave != "" {
		z.AddSlave(slave)
	}
	return z
}

// SetSlave registers zf as a slave zone of master. An existing zone is
// converted with DisableMaster, which drops its old file.
func (r *Registry) SetSlave(zf domain.ZoneFile, master string, opts domain.ZoneOptions) (*domain.Zone, error) {
	name := utils.CanonicalZoneName(zf.Name())

	r.mu.Lock()
	defer r.mu.Unlock()

	z, ok := r.zones[name]
	if !ok {
		z = domain.NewZone(zf, opts)
		r.zones[name] = z
	} else if err := z.DisableMaster(zf); err != nil {
		return nil, err
	}
	z.AddMaster(master)
	return z, nil
}

// CatInterpret marks zone as a catalog zone the server interprets.
func (r *Registry) CatInterpret(zone string) error {
	return r.setRole(zone, domain.CatalogInterpret)
}

// CatGenerate marks zone as a catalog zone the server generates.
func (r *Registry) CatGenerate(zone string) error {
	return r.setRole(zone, domain.CatalogGenerate)
}

// CatHidden marks zone as an interpreted member zone.
func (r *Registry) CatHidden(zone string) error {
	return r.setRole(zone, domain.CatalogHidden)
}

// CatMember makes zone a member of the generated catalog zone catalog.
func (r *Registry) CatMember(zone, catalog, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	z, err := r.lookup(zone)
	if err != nil {
		return err
	}
	c, err := r.lookup(catalog)
	if err != nil {
		return err
	}
	if c.CatalogRole != domain.CatalogGenerate {
		return fmt.Errorf("%w: %s has role %s", ErrCatalogNotGenerate, c.Name(), c.CatalogRole)
	}
	z.CatalogRole = domain.CatalogMember
	z.CatalogGenName = c.Name()
	z.CatalogGroup = group
	return nil
}

func (r *Registry) setRole(zone string, role domain.CatalogRole) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	z, err := r.lookup(zone)
	if err != nil {
		return err
	}
	z.CatalogRole = role
	return nil
}

// AddModule attaches m to zone, or server wide when zone is empty.
func (r *Registry) AddModule(zone string, m domain.Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if zone == "" {
		r.modules = append(r.modules, m)
		return nil
	}
	z, err := r.lookup(zone)
	if err != nil {
		return err
	}
	z.AddModule(m)
	return nil
}

// Module returns the named module of zone, or of the server when zone is empty.
func (r *Registry) Module(zone, name string) (domain.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if zone == "" {
		for _, m := range r.modules {
			if m.Name == name {
				return m, true
			}
		}
		return domain.Module{}, false
	}
	z, err := r.lookup(zone)
	if err != nil {
		return domain.Module{}, false
	}
	return z.Module(name)
}

// GlobalModules returns a copy of the server wide modules.
func (r *Registry) GlobalModules() []domain.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Module(nil), r.modules...)
}

// ClearModules detaches every module of zone, or the server wide modules
// when zone is empty.
func (r *Registry) ClearModules(zone string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if zone == "" {
		r.modules = nil
		return nil
	}
	z, err := r.lookup(zone)
	if err != nil {
		return err
	}
	z.ClearModules()
	return nil
}

// SetDnssec replaces the signing policy of zone.
func (r *Registry) SetDnssec(zone string, p domain.DnssecPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	z, err := r.lookup(zone)
	if err != nil {
		return err
	}
	z.Dnssec = p
	return nil
}

// Get returns the zone registered under name.
func (r *Registry) Get(name string) (*domain.Zone, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	z, ok := r.zones[utils.CanonicalZoneName(name)]
	return z, ok
}

// Names returns all registered zone names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.zones))
	for name := range r.zones {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Zones returns the registered zones sorted by name.
func (r *Registry) Zones() []*domain.Zone {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Zone, 0, len(names))
	for _, name := range names {
		if z, ok := r.zones[name]; ok {
			out = append(out, z)
		}
	}
	return out
}

// Len returns the number of registered zones.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.zones)
}

// Remove drops zone from the registry without touching its file.
func (r *Registry) Remove(zone string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.zones, utils.CanonicalZoneName(zone))
}

// lookup must be called with mu held.
func (r *Registry) lookup(zone string) (*domain.Zone, error) {
	z, ok := r.zones[utils.CanonicalZoneName(zone)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrZoneNotFound, utils.CanonicalZoneName(zone))
	}
	return z, nil
}
