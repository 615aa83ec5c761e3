package outcome

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/dnstest/internal/dnstest/common/log"
)

var (
	bucketFailures = []byte("failures")
	bucketTags     = []byte("tags")
)

// boltStore persists failures in a bbolt database so that several harness
// processes on one host accumulate results in one file.
type boltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures buckets exist.
func Open(path string) (Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFailures); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketTags); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db, now: time.Now}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

// RecordFailure stores the failure and bumps the tag counter. Storage
// errors are logged, never returned.
func (s *boltStore) RecordFailure(tag, msg string) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFailures)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(u64(seq), encodeFailure(s.now(), tag, msg)); err != nil {
			return err
		}

		tags := tx.Bucket(bucketTags)
		var n uint64
		if v := tags.Get([]byte(tag)); len(v) == 8 {
			n = binary.BigEndian.Uint64(v)
		}
		return tags.Put([]byte(tag), u64(n+1))
	})
	if err != nil {
		log.Error(map[string]any{"tag": tag, "error": err.Error()}, "failed to record failure")
	}
}

func (s *boltStore) Failures() ([]Failure, error) {
	var out []Failure
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFailures).ForEach(func(k, v []byte) error {
			f, err := decodeFailure(v)
			if err != nil {
				return err
			}
			f.Seq = binary.BigEndian.Uint64(k)
			out = append(out, f)
			return nil
		})
	})
	return out, err
}

func (s *boltStore) Count(tag string) (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketTags).Get([]byte(tag)); len(v) == 8 {
			n = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return n, err
}

func u64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// encodeFailure stores "<unix nanos>\t<tag>\t<message>". Tabs in the tag
// are replaced so the message can hold anything.
func encodeFailure(at time.Time, tag, msg string) []byte {
	tag = strings.ReplaceAll(tag, "\t", " ")
	return []byte(strconv.FormatInt(at.UnixNano(), 10) + "\t" + tag + "\t" + msg)
}

func decodeFailure(v []byte) (Failure, error) {
	parts := strings.SplitN(string(v), "\t", 3)
	if len(parts) != 3 {
		return Failure{}, fmt.Errorf("malformed failure record %q", v)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Failure{}, fmt.Errorf("malformed failure time %q: %w", parts[0], err)
	}
	return Failure{Tag: parts[1], Message: parts[2], At: time.Unix(0, nanos)}, nil
}

var _ Store = (*boltStore)(nil)
