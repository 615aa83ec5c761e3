package exchangelog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnstest/internal/dnstest/common/log"
	"github.com/haukened/dnstest/internal/dnstest/domain"
)

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureLogger) add(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *captureLogger) Info(_ map[string]any, msg string)  { c.add(msg) }
func (c *captureLogger) Error(_ map[string]any, msg string) { c.add(msg) }
func (c *captureLogger) Debug(_ map[string]any, msg string) { c.add(msg) }
func (c *captureLogger) Warn(_ map[string]any, msg string)  { c.add(msg) }
func (c *captureLogger) Panic(_ map[string]any, msg string) { c.add(msg) }
func (c *captureLogger) Fatal(_ map[string]any, msg string) { c.add(msg) }

func TestNew_Disabled(t *testing.T) {
	j, err := New(0)
	require.NoError(t, err)
	j.Record(domain.Exchange{Name: "example.com."})
	assert.Equal(t, 0, j.Len())
	assert.Nil(t, j.Recent())
	recorded, evictions := j.Stats()
	assert.Zero(t, recorded)
	assert.Zero(t, evictions)
	j.Dump("knot1")
}

func TestJournal_KeepsMostRecent(t *testing.T) {
	j, err := New(3)
	require.NoError(t, err)

	for _, name := range []string{"a.", "b.", "c.", "d.", "e."} {
		j.Record(domain.Exchange{Name: name, Type: "SOA"})
	}

	assert.Equal(t, 3, j.Len())
	recent := j.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "c.", recent[0].Name)
	assert.Equal(t, "e.", recent[2].Name)

	recorded, evictions := j.Stats()
	assert.Equal(t, uint64(5), recorded)
	assert.Equal(t, uint64(2), evictions)
}

func TestJournal_RecentDoesNotReorder(t *testing.T) {
	j, err := New(2)
	require.NoError(t, err)
	j.Record(domain.Exchange{Name: "a."})
	j.Record(domain.Exchange{Name: "b."})

	_ = j.Recent()
	j.Record(domain.Exchange{Name: "c."})

	recent := j.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "b.", recent[0].Name)
	assert.Equal(t, "c.", recent[1].Name)
}

func TestJournal_Dump(t *testing.T) {
	orig := log.GetLogger()
	capture := &captureLogger{}
	log.SetLogger(capture)
	defer log.SetLogger(orig)

	j, err := New(4)
	require.NoError(t, err)
	j.Record(domain.Exchange{Name: "example.com.", Class: "IN", Type: "SOA", Transport: "udp", Rcode: "NOERROR"})
	j.Dump("knot1")

	require.Len(t, capture.msgs, 2)
	assert.Equal(t, "recent exchanges", capture.msgs[0])
	assert.Contains(t, capture.msgs[1], "example.com. IN SOA via udp")
}
