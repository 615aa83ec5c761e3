// Package zonefile implements domain.ZoneFile over master files on disk.
package zonefile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/haukened/dnstest/internal/dnstest/common/clock"
	"github.com/haukened/dnstest/internal/dnstest/common/utils"
	"github.com/haukened/dnstest/internal/dnstest/domain"
)

const (
	errOpenZone   = "open zone file %s: %w"
	errParseZone  = "parse zone file %s: %w"
	errAppendZone = "append to zone file %s: %w"
)

// ErrNoSOA is returned when a zone file carries no SOA record.
var ErrNoSOA = errors.New("zone file has no SOA record")

// File is a zone master file.
type File struct {
	name  string
	path  string
	clock clock.Clock
}

// New returns a handle for the zone name stored at path.
func New(name, path string) *File {
	return &File{name: utils.CanonicalZoneName(name), path: path, clock: clock.RealClock{}}
}

// WithClock sets the clock used for backup suffixes.
func (f *File) WithClock(c clock.Clock) *File {
	f.clock = c
	return f
}

func (f *File) Name() string { return f.name }
func (f *File) Path() string { return f.path }

// SOASerial parses the file and returns the serial of its SOA record.
func (f *File) SOASerial() (uint32, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return 0, fmt.Errorf(errOpenZone, f.path, err)
	}
	defer fh.Close()

	zp := dns.NewZoneParser(fh, f.name, f.path)
	zp.SetIncludeAllowed(true)
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if soa, isSOA := rr.(*dns.SOA); isSOA {
			return soa.Serial, nil
		}
	}
	if err := zp.Err(); err != nil {
		return 0, fmt.Errorf(errParseZone, f.path, err)
	}
	return 0, fmt.Errorf("%w: %s", ErrNoSOA, f.path)
}

// Backup copies the file next to itself with a unix timestamp suffix.
func (f *File) Backup() error {
	dst := f.path + "." + strconv.FormatInt(f.clock.Now().Unix(), 10)
	return utils.CopyFile(f.path, dst)
}

// Remove deletes the file. A missing file is not an error.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Clone returns a handle for the same zone stored in dir. With exists the
// content is copied, otherwise only the directory is prepared.
func (f *File) Clone(dir string, exists bool) (domain.ZoneFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	c := &File{name: f.name, path: filepath.Join(dir, FileName(f.name)), clock: f.clock}
	if exists {
		if err := utils.CopyFile(f.path, c.path); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AppendRecords appends lines in master file format to the file.
func (f *File) AppendRecords(lines []string) error {
	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf(errAppendZone, f.path, err)
	}
	defer fh.Close()

	for _, line := range lines {
		if _, err := io.WriteString(fh, strings.TrimRight(line, "\n")+"\n"); err != nil {
			return fmt.Errorf(errAppendZone, f.path, err)
		}
	}
	return nil
}

// FileName returns the conventional file name for a zone, e.g.
// "example.com.zone" or "root.zone".
func FileName(zone string) string {
	zone = utils.CanonicalZoneName(zone)
	if zone == "." {
		return "root.zone"
	}
	return zone + "zone"
}

var _ domain.ZoneFile = (*File)(nil)
