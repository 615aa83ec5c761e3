package server

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/haukened/dnstest/internal/dnstest/common/utils"
	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/repos/zonefile"
	"github.com/haukened/dnstest/internal/dnstest/services/convergence"
)

// ErrNoMaster is returned by SetSlave without a master server.
var ErrNoMaster = errors.New("slave zone needs a master server")

// SetMaster hosts zf as a master zone. On first registration the file is
// copied into the server directory. A non-nil slave is added as a peer.
func (s *Server) SetMaster(zf domain.ZoneFile, slave *Server, opts domain.ZoneOptions) (*domain.Zone, error) {
	if _, ok := s.zones.Get(zf.Name()); !ok {
		clone, err := zf.Clone(filepath.Join(s.dir, "master"), true)
		if err != nil {
			return nil, err
		}
		zf = clone
	}
	var peer string
	if slave != nil {
		peer = slave.name
		s.peers[peer] = slave
	}
	return s.zones.SetMaster(zf, peer, opts), nil
}

// SetSlave hosts zf as a slave zone transferred from master. The slave
// file does not exist until the first transfer.
func (s *Server) SetSlave(zf domain.ZoneFile, master *Server, opts domain.ZoneOptions) (*domain.Zone, error) {
	if master == nil {
		return nil, ErrNoMaster
	}
	clone, err := zf.Clone(filepath.Join(s.dir, "slave"), false)
	if err != nil {
		return nil, err
	}
	s.peers[master.name] = master
	return s.zones.SetSlave(clone, master.name, opts)
}

// Link makes master serve every zone to each of slaves.
func Link(zones []domain.ZoneFile, master *Server, slaves []*Server, opts domain.ZoneOptions) error {
	for _, zf := range zones {
		if _, err := master.SetMaster(zf, nil, opts); err != nil {
			return err
		}
		for _, sl := range slaves {
			if _, err := master.SetMaster(zf, sl, opts); err != nil {
				return err
			}
			if _, err := sl.SetSlave(zf, master, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Server) zone(name string) (*domain.Zone, error) {
	z, ok := s.zones.Get(name)
	if !ok {
		return nil, domain.NewFailed(s.name, "zone", "zone '%s' is not configured", utils.CanonicalZoneName(name))
	}
	return z, nil
}

func (s *Server) zoneFileSerial(zone string) (uint32, error) {
	z, err := s.zone(zone)
	if err != nil {
		return 0, err
	}
	return z.File.SOASerial()
}

func (s *Server) CatInterpret(zone string) error { return s.zones.CatInterpret(zone) }
func (s *Server) CatGenerate(zone string) error  { return s.zones.CatGenerate(zone) }
func (s *Server) CatHidden(zone string) error    { return s.zones.CatHidden(zone) }

// CatMember adds zone to the catalog generated from catalog.
func (s *Server) CatMember(zone, catalog, group string) error {
	return s.zones.CatMember(zone, catalog, group)
}

// AddModule attaches m to zone, or to the whole server when zone is empty.
func (s *Server) AddModule(zone string, m domain.Module) error {
	return s.zones.AddModule(zone, m)
}

// ClearModules detaches every module from zone, or the server wide ones
// when zone is empty.
func (s *Server) ClearModules(zone string) error {
	return s.zones.ClearModules(zone)
}

// Dnssec returns the signing policy of zone.
func (s *Server) Dnssec(zone string) (domain.DnssecPolicy, error) {
	z, err := s.zone(zone)
	if err != nil {
		return domain.DnssecPolicy{}, err
	}
	return z.Dnssec, nil
}

// SetDnssec replaces the signing policy of zone.
func (s *Server) SetDnssec(zone string, p domain.DnssecPolicy) error {
	return s.zones.SetDnssec(zone, p)
}

// ZoneWait waits until zone has a serial satisfying o.
func (s *Server) ZoneWait(ctx context.Context, zone string, o convergence.WaitOptions) (uint32, error) {
	return s.waiter.WaitForSerial(ctx, utils.CanonicalZoneName(zone), o)
}

// ZonesWait waits for zones, or for every configured zone when none is
// given.
func (s *Server) ZonesWait(ctx context.Context, zones []string, o convergence.ManyOptions) (map[string]uint32, error) {
	if len(zones) == 0 {
		zones = s.zones.Names()
	}
	names := make([]string, len(zones))
	for i, z := range zones {
		names[i] = utils.CanonicalZoneName(z)
	}
	return s.waiter.WaitForMany(ctx, names, o)
}

// ZoneBackup copies the file of zone aside, flushing it first when asked.
func (s *Server) ZoneBackup(ctx context.Context, zone string, flush bool) error {
	z, err := s.zone(zone)
	if err != nil {
		return err
	}
	if flush {
		if err := s.Flush(ctx, zone, true); err != nil {
			return err
		}
	}
	return z.File.Backup()
}

// ZoneVerify checks the signatures of the zone file with the configured
// validators.
func (s *Server) ZoneVerify(ctx context.Context, zone string, bind, ldns bool) error {
	z, err := s.zone(zone)
	if err != nil {
		return err
	}
	v := zonefile.Verifier{BindBin: s.params.DnssecVerify, LdnsBin: s.params.LdnsVerify, Runner: s.runner}
	return v.Verify(ctx, z.File, bind, ldns)
}
