package zoneregistry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnstest/internal/dnstest/domain"
)

type stubFile struct {
	name      string
	path      string
	removed   bool
	removeErr error
}

func (f *stubFile) Name() string               { return f.name }
func (f *stubFile) Path() string               { return f.path }
func (f *stubFile) SOASerial() (uint32, error) { return 1, nil }
func (f *stubFile) Backup() error              { return nil }
func (f *stubFile) Remove() error {
	f.removed = true
	return f.removeErr
}
func (f *stubFile) Clone(dir string, exists bool) (domain.ZoneFile, error) {
	return &stubFile{name: f.name, path: dir}, nil
}
func (f *stubFile) AppendRecords([]string) error { return nil }

func TestNew(t *testing.T) {
	r := New()
	require.NotNil(t, r)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Names())
}

func TestRegistry_SetMaster(t *testing.T) {
	r := New()
	zf := &stubFile{name: "Example.COM"}

	z := r.SetMaster(zf, "", domain.ZoneOptions{DDNS: true})
	assert.True(t, z.DDNS)
	assert.Empty(t, z.Slaves)

	// second call reuses the zone and only adds the peer
	again := r.SetMaster(&stubFile{name: "example.com."}, "knot2", domain.ZoneOptions{})
	assert.Same(t, z, again)
	assert.Same(t, zf, again.File)
	assert.Equal(t, []string{"knot2"}, again.SlaveNames())
	assert.True(t, again.DDNS)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_SetSlave_New(t *testing.T) {
	r := New()
	z, err := r.SetSlave(&stubFile{name: "example.com."}, "knot1", domain.ZoneOptions{IXFR: true})
	require.NoError(t, err)
	assert.True(t, z.IsSlave())
	assert.True(t, z.IXFR)
	assert.Equal(t, []string{"knot1"}, z.MasterNames())
}

func TestRegistry_SetSlave_DisablesMaster(t *testing.T) {
	r := New()
	masterFile := &stubFile{name: "example.com.", path: "/m"}
	r.SetMaster(masterFile, "", domain.ZoneOptions{IXFR: true})

	slaveFile := &stubFile{name: "example.com.", path: "/s"}
	z, err := r.SetSlave(slaveFile, "knot1", domain.ZoneOptions{IXFR: true})
	require.NoError(t, err)

	assert.True(t, masterFile.removed)
	assert.Same(t, slaveFile, z.File)
	assert.False(t, z.IXFR)
	assert.True(t, z.IsSlave())
}

func TestRegistry_SetSlave_RemoveFails(t *testing.T) {
	r := New()
	r.SetMaster(&stubFile{name: "example.com.", removeErr: errors.New("busy")}, "", domain.ZoneOptions{})

	_, err := r.SetSlave(&stubFile{name: "example.com."}, "knot1", domain.ZoneOptions{})
	assert.Error(t, err)
}

func TestRegistry_CatalogRoles(t *testing.T) {
	r := New()
	r.SetMaster(&stubFile{name: "catalog."}, "", domain.ZoneOptions{})
	r.SetMaster(&stubFile{name: "member.com."}, "", domain.ZoneOptions{})
	r.SetMaster(&stubFile{name: "hidden.com."}, "", domain.ZoneOptions{})

	require.NoError(t, r.CatInterpret("catalog"))
	z, _ := r.Get("catalog.")
	assert.Equal(t, domain.CatalogInterpret, z.CatalogRole)

	err := r.CatMember("member.com", "catalog", "grp")
	assert.ErrorIs(t, err, ErrCatalogNotGenerate)

	require.NoError(t, r.CatGenerate("catalog."))
	require.NoError(t, r.CatMember("member.com", "catalog", "grp"))
	m, _ := r.Get("member.com")
	assert.Equal(t, domain.CatalogMember, m.CatalogRole)
	assert.Equal(t, "catalog.", m.CatalogGenName)
	assert.Equal(t, "grp", m.CatalogGroup)

	require.NoError(t, r.CatHidden("hidden.com"))
	h, _ := r.Get("hidden.com")
	assert.Equal(t, domain.CatalogHidden, h.CatalogRole)
}

func TestRegistry_UnknownZone(t *testing.T) {
	r := New()
	r.SetMaster(&stubFile{name: "catalog."}, "", domain.ZoneOptions{})

	tests := []struct {
		name string
		fn   func() error
	}{
		{"interpret", func() error { return r.CatInterpret("nope.") }},
		{"generate", func() error { return r.CatGenerate("nope.") }},
		{"hidden", func() error { return r.CatHidden("nope.") }},
		{"member zone", func() error { return r.CatMember("nope.", "catalog.", "") }},
		{"member catalog", func() error { return r.CatMember("catalog.", "nope.", "") }},
		{"module", func() error { return r.AddModule("nope.", domain.Module{Name: "rrl"}) }},
		{"clear modules", func() error { return r.ClearModules("nope.") }},
		{"dnssec", func() error { return r.SetDnssec("nope.", domain.DnssecPolicy{}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.fn(), ErrZoneNotFound)
		})
	}
}

func TestRegistry_Modules(t *testing.T) {
	r := New()
	r.SetMaster(&stubFile{name: "example.com."}, "", domain.ZoneOptions{})

	require.NoError(t, r.AddModule("", domain.Module{Name: "stats"}))
	require.NoError(t, r.AddModule("example.com", domain.Module{Name: "rrl", ID: "z"}))

	m, ok := r.Module("", "stats")
	require.True(t, ok)
	assert.Equal(t, "stats", m.Name)
	_, ok = r.Module("", "rrl")
	assert.False(t, ok)

	m, ok = r.Module("example.com.", "rrl")
	require.True(t, ok)
	assert.Equal(t, "z", m.ID)
	_, ok = r.Module("missing.", "rrl")
	assert.False(t, ok)

	assert.Len(t, r.GlobalModules(), 1)
	require.NoError(t, r.ClearModules(""))
	assert.Empty(t, r.GlobalModules())

	require.NoError(t, r.ClearModules("example.com."))
	_, ok = r.Module("example.com.", "rrl")
	assert.False(t, ok)
}

func TestRegistry_SetDnssec_ReplacesPolicy(t *testing.T) {
	r := New()
	r.SetMaster(&stubFile{name: "example.com."}, "", domain.ZoneOptions{})

	require.NoError(t, r.SetDnssec("example.com.", domain.DnssecPolicy{Enable: true, Nsec3: true, Nsec3Iters: 5}))
	require.NoError(t, r.SetDnssec("example.com.", domain.DnssecPolicy{Enable: true, Alg: "ECDSAP256SHA256"}))

	z, _ := r.Get("example.com.")
	assert.Equal(t, domain.DnssecPolicy{Enable: true, Alg: "ECDSAP256SHA256"}, z.Dnssec)
}

func TestRegistry_NamesZonesRemove(t *testing.T) {
	r := New()
	for _, n := range []string{"b.com", "a.com", "c.com"} {
		r.SetMaster(&stubFile{name: n}, "", domain.ZoneOptions{})
	}
	assert.Equal(t, []string{"a.com.", "b.com.", "c.com."}, r.Names())

	zones := r.Zones()
	require.Len(t, zones, 3)
	assert.Equal(t, "a.com", zones[0].Name())

	r.Remove("B.com.")
	assert.Equal(t, []string{"a.com.", "c.com."}, r.Names())
	_, ok := r.Get("b.com")
	assert.False(t, ok)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.SetMaster(&stubFile{name: "example.com."}, "peer", domain.ZoneOptions{})
		}()
		go func() {
			defer wg.Done()
			_ = r.Names()
			_, _ = r.Get("example.com.")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Len())
}
