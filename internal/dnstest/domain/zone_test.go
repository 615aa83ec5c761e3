package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeZoneFile struct {
	name      string
	path      string
	removed   bool
	removeErr error
}

func (f *fakeZoneFile) Name() string               { return f.name }
func (f *fakeZoneFile) Path() string               { return f.path }
func (f *fakeZoneFile) SOASerial() (uint32, error) { return 1, nil }
func (f *fakeZoneFile) Backup() error              { return nil }
func (f *fakeZoneFile) Remove() error {
	f.removed = true
	return f.removeErr
}
func (f *fakeZoneFile) Clone(dir string, exists bool) (ZoneFile, error) {
	return &fakeZoneFile{name: f.name, path: dir + "/" + f.name + "zone"}, nil
}
func (f *fakeZoneFile) AppendRecords([]string) error { return nil }

func TestNewZone_Defaults(t *testing.T) {
	z := NewZone(&fakeZoneFile{name: "example.com."}, ZoneOptions{})
	assert.Equal(t, "example.com.", z.Name())
	assert.Equal(t, DefaultJournalContent, z.JournalContent)
	assert.False(t, z.IsSlave())
	assert.Equal(t, CatalogNone, z.CatalogRole)
	assert.Empty(t, z.Masters)
	assert.Empty(t, z.Slaves)
}

func TestZone_Peers(t *testing.T) {
	z := NewZone(&fakeZoneFile{name: "example.com."}, ZoneOptions{IXFR: true})
	z.AddSlave("knot2")
	z.AddSlave("bind1")
	z.AddSlave("knot2")
	assert.Equal(t, []string{"bind1", "knot2"}, z.SlaveNames())
	assert.False(t, z.IsSlave())

	z.AddMaster("knot1")
	assert.True(t, z.IsSlave())
	assert.Equal(t, []string{"knot1"}, z.MasterNames())
}

func TestZone_Modules(t *testing.T) {
	z := NewZone(&fakeZoneFile{name: "example.com."}, ZoneOptions{})
	z.AddModule(Module{Name: "rrl", ID: "default"})
	z.AddModule(Module{Name: "stats"})

	m, ok := z.Module("rrl")
	require.True(t, ok)
	assert.Equal(t, "mod-rrl/default", m.Ref())

	m, ok = z.Module("stats")
	require.True(t, ok)
	assert.Equal(t, "mod-stats", m.Ref())

	_, ok = z.Module("missing")
	assert.False(t, ok)

	z.ClearModules()
	assert.Empty(t, z.Modules)
}

func TestZone_DisableMaster(t *testing.T) {
	old := &fakeZoneFile{name: "example.com.", path: "/tmp/master/example.com.zone"}
	z := NewZone(old, ZoneOptions{IXFR: true})

	replacement := &fakeZoneFile{name: "example.com.", path: "/tmp/slave/example.com.zone"}
	require.NoError(t, z.DisableMaster(replacement))

	assert.True(t, old.removed)
	assert.Same(t, replacement, z.File)
	assert.False(t, z.IXFR)
}

func TestZone_DisableMaster_RemoveError(t *testing.T) {
	old := &fakeZoneFile{name: "example.com.", removeErr: errors.New("permission denied")}
	z := NewZone(old, ZoneOptions{IXFR: true})

	err := z.DisableMaster(&fakeZoneFile{name: "example.com."})
	require.Error(t, err)
	assert.Same(t, old, z.File)
	assert.True(t, z.IXFR)
}

func TestCatalogRole_String(t *testing.T) {
	tests := map[CatalogRole]string{
		CatalogNone:      "none",
		CatalogInterpret: "interpret",
		CatalogGenerate:  "generate",
		CatalogMember:    "member",
		CatalogHidden:    "hidden",
		CatalogRole(9):   "CatalogRole(9)",
	}
	for role, want := range tests {
		assert.Equal(t, want, role.String())
	}
}

func TestDnssecPolicy_Signed(t *testing.T) {
	assert.False(t, DnssecPolicy{}.Signed())
	assert.True(t, DnssecPolicy{Enable: true}.Signed())
	assert.False(t, DnssecPolicy{Enable: true, Disable: true}.Signed())
}
