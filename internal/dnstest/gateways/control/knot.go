package control

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// UnitType is the leading byte of a control protocol unit.
type UnitType byte

const (
	UnitEnd UnitType = iota
	UnitData
	UnitExtra
	UnitBlock
)

func (t UnitType) String() string {
	switch t {
	case UnitEnd:
		return "END"
	case UnitData:
		return "DATA"
	case UnitExtra:
		return "EXTRA"
	case UnitBlock:
		return "BLOCK"
	default:
		return fmt.Sprintf("UNIT%d", byte(t))
	}
}

// Item indexes a value carried by a DATA or EXTRA unit.
type Item byte

const (
	ItemCommand Item = iota
	ItemFlags
	ItemError
	ItemSection
	ItemItem
	ItemID
	ItemZone
	ItemOwner
	ItemTTL
	ItemType
	ItemData
	ItemFilter
	itemCount
)

// items are encoded as their index plus this offset, which keeps them
// apart from unit type bytes.
const itemOffset = 0x10

const (
	// DefaultSocketTimeout bounds one socket exchange.
	DefaultSocketTimeout = 5 * time.Second
	maxItemLen           = 0xffff
)

var (
	// ErrUnexpectedEnd is returned when the server closes a session while
	// a block is expected.
	ErrUnexpectedEnd = errors.New("control session ended")
	// ErrNotConnected is returned when using a closed socket.
	ErrNotConnected = errors.New("control socket not connected")
	// ErrNoSerial is returned when a zone-read carries no SOA.
	ErrNoSerial = errors.New("no SOA serial in zone-read response")
)

const (
	errUnknownCode = "unknown control code 0x%02x"
	errItemTooLong = "control item %d too long (%d bytes)"
	errRemote      = "control command failed: %s"
)

// Unit is one message of the control protocol.
type Unit struct {
	Type UnitType
	Data map[Item]string
}

// WriteUnit encodes u onto w.
func WriteUnit(w io.Writer, u Unit) error {
	buf := []byte{byte(u.Type)}
	if u.Type == UnitData || u.Type == UnitExtra {
		keys := make([]int, 0, len(u.Data))
		for k := range u.Data {
			keys = append(keys, int(k))
		}
		sort.Ints(keys)
		for _, k := range keys {
			v := u.Data[Item(k)]
			if len(v) > maxItemLen {
				return fmt.Errorf(errItemTooLong, k, len(v))
			}
			buf = append(buf, byte(k)+itemOffset)
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(v)))
			buf = append(buf, v...)
		}
	}
	_, err := w.Write(buf)
	return err
}

// ReadUnit decodes one unit from r. Items of a DATA or EXTRA unit run until
// the next unit type byte, so r must be buffered.
func ReadUnit(r *bufio.Reader) (Unit, error) {
	b, err := r.ReadByte()
	if err != nil {
		return Unit{}, err
	}
	if b > byte(UnitBlock) {
		return Unit{}, fmt.Errorf(errUnknownCode, b)
	}
	u := Unit{Type: UnitType(b)}
	if u.Type != UnitData && u.Type != UnitExtra {
		return u, nil
	}

	u.Data = make(map[Item]string)
	for {
		next, err := r.Peek(1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return u, nil
			}
			return u, err
		}
		if next[0] < itemOffset {
			return u, nil
		}
		code, _ := r.ReadByte()
		idx := Item(code - itemOffset)
		if idx >= itemCount {
			return u, fmt.Errorf(errUnknownCode, code)
		}
		var l [2]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return u, err
		}
		v := make([]byte, binary.BigEndian.Uint16(l[:]))
		if _, err := io.ReadFull(r, v); err != nil {
			return u, err
		}
		u.Data[idx] = string(v)
	}
}

// DialFunc opens the connection to a control socket.
type DialFunc func(ctx context.Context, path string) (net.Conn, error)

var dialUnix DialFunc = func(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}

// KnotSocket is a client of the Knot control socket.
type KnotSocket struct {
	Path    string
	Timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// NewKnotSocket returns an unconnected client for the socket at path.
func NewKnotSocket(path string) *KnotSocket {
	return &KnotSocket{Path: path, Timeout: DefaultSocketTimeout}
}

// Connect opens the socket.
func (k *KnotSocket) Connect(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.conn != nil {
		return nil
	}
	conn, err := dialUnix(ctx, k.Path)
	if err != nil {
		return err
	}
	k.conn = conn
	k.r = bufio.NewReader(conn)
	return nil
}

func (k *KnotSocket) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(k.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

// SendBlock sends one DATA unit followed by a BLOCK unit.
func (k *KnotSocket) SendBlock(ctx context.Context, data map[Item]string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.conn == nil {
		return ErrNotConnected
	}
	_ = k.conn.SetWriteDeadline(k.deadline(ctx))

	w := bufio.NewWriter(k.conn)
	if err := WriteUnit(w, Unit{Type: UnitData, Data: data}); err != nil {
		return err
	}
	if err := WriteUnit(w, Unit{Type: UnitBlock}); err != nil {
		return err
	}
	return w.Flush()
}

// ReceiveBlock reads DATA and EXTRA units up to the closing BLOCK. A unit
// carrying an error item fails the whole block.
func (k *KnotSocket) ReceiveBlock(ctx context.Context) ([]Unit, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.conn == nil {
		return nil, ErrNotConnected
	}
	_ = k.conn.SetReadDeadline(k.deadline(ctx))

	var units []Unit
	var remote error
	for {
		u, err := ReadUnit(k.r)
		if err != nil {
			return units, err
		}
		switch u.Type {
		case UnitBlock:
			return units, remote
		case UnitEnd:
			return units, ErrUnexpectedEnd
		}
		if msg, ok := u.Data[ItemError]; ok && remote == nil {
			remote = fmt.Errorf(errRemote, msg)
		}
		units = append(units, u)
	}
}

// Close ends the session and closes the socket.
func (k *KnotSocket) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.conn == nil {
		return nil
	}
	_ = k.conn.SetWriteDeadline(time.Now().Add(k.Timeout))
	_ = WriteUnit(k.conn, Unit{Type: UnitEnd})
	err := k.conn.Close()
	k.conn, k.r = nil, nil
	return err
}

// ZoneReadSOASerial reads the apex SOA of zone over a fresh session and
// returns its serial.
func (k *KnotSocket) ZoneReadSOASerial(ctx context.Context, zone string) (uint32, error) {
	zone = strings.ToLower(dns.Fqdn(zone))
	if err := k.Connect(ctx); err != nil {
		return 0, err
	}
	defer k.Close()

	err := k.SendBlock(ctx, map[Item]string{
		ItemCommand: "zone-read",
		ItemZone:    zone,
		ItemOwner:   "@",
		ItemType:    "SOA",
	})
	if err != nil {
		return 0, err
	}
	units, err := k.ReceiveBlock(ctx)
	if err != nil {
		return 0, err
	}
	return SOASerial(units, zone)
}

// SOASerial extracts the apex SOA serial of zone from zone-read units.
func SOASerial(units []Unit, zone string) (uint32, error) {
	zone = strings.ToLower(dns.Fqdn(zone))
	for _, u := range units {
		if !strings.EqualFold(u.Data[ItemType], "SOA") {
			continue
		}
		if z, ok := u.Data[ItemZone]; ok && !strings.EqualFold(dns.Fqdn(z), zone) {
			continue
		}
		if o, ok := u.Data[ItemOwner]; ok && !strings.EqualFold(dns.Fqdn(o), zone) {
			continue
		}
		fields := strings.Fields(u.Data[ItemData])
		if len(fields) < 3 {
			continue
		}
		serial, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid SOA serial %q: %w", fields[2], err)
		}
		return uint32(serial), nil
	}
	return 0, ErrNoSerial
}
