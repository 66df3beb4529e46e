// Package boltoffsets is a bbolt-backed storage.OffsetStore.
//
// It keeps stream consumer cursors in a local file instead of next to the
// stream. A consumer that processes events into local state (a search index, a
// cache) can then keep its cursor in the same place as that state.
//
// Each Advance is one bbolt write transaction, which is fsynced before
// Update returns.
//
// bbolt locks the file for the lifetime of a writable handle, so only the
// stream consumer process opens it with Open. Other processes read cursors
// through Snapshot.
package boltoffsets

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/juju/clock"
	"go.etcd.io/bbolt"

	"github.com/snehjoshi/relayq/internal/storage"
	"github.com/snehjoshi/relayq/internal/types"
)

var bucketConsumers = []byte("consumers")

// ErrLocked is returned when another process holds the offsets file open for
// writing.
var ErrLocked = errors.New("boltoffsets: offsets file held by another process")

const (
	writeLockWait = time.Second
	readLockWait  = 250 * time.Millisecond
)

// Store maps consumer IDs to their ConsumerRecord.
type Store struct {
	db    *bbolt.DB
	clock clock.Clock
}

var _ storage.OffsetStore = (*Store)(nil)

// Open opens (or creates) the offsets file at path.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: writeLockWait})
	if err != nil {
		return nil, openError(path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketConsumers)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltoffsets: init bucket: %w", err)
	}

	return &Store{db: db, clock: clk}, nil
}

// GetOrCreate returns the record of consumerID, creating it at 0 on first use.
func (s *Store) GetOrCreate(ctx context.Context, consumerID, stream string) (types.ConsumerRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.ConsumerRecord{}, err
	}

	var rec types.ConsumerRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConsumers)
		if val := b.Get([]byte(consumerID)); val != nil {
			var err error
			rec, err = unmarshalRecord(consumerID, val)
			return err
		}
		now := s.clock.Now().UTC().UnixMilli()
		rec = types.ConsumerRecord{
			ConsumerID: consumerID,
			Stream:     stream,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return b.Put([]byte(consumerID), marshalRecord(rec))
	})
	if err != nil {
		return types.ConsumerRecord{}, fmt.Errorf("boltoffsets: get or create %s: %w", consumerID, err)
	}
	if rec.Stream != stream {
		return types.ConsumerRecord{}, fmt.Errorf("%w: %s reads %s, not %s",
			storage.ErrStreamMismatch, consumerID, rec.Stream, stream)
	}
	return rec, nil
}

// Advance stores lastEventID as the cursor of consumerID.
func (s *Store) Advance(ctx context.Context, consumerID string, lastEventID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConsumers)
		val := b.Get([]byte(consumerID))
		if val == nil {
			return fmt.Errorf("%w: consumer %s", storage.ErrNotFound, consumerID)
		}
		rec, err := unmarshalRecord(consumerID, val)
		if err != nil {
			return err
		}
		if lastEventID < rec.LastEventID {
			return fmt.Errorf("%w: %s is at %d, refused %d",
				storage.ErrCursorRegression, consumerID, rec.LastEventID, lastEventID)
		}
		rec.LastEventID = lastEventID
		rec.UpdatedAt = s.clock.Now().UTC().UnixMilli()
		return b.Put([]byte(consumerID), marshalRecord(rec))
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrCursorRegression) {
			return err
		}
		return fmt.Errorf("boltoffsets: advance %s: %w", consumerID, err)
	}
	return nil
}

// ForEach calls fn for every stored record. Iteration stops early if fn
// returns an error.
func (s *Store) ForEach(fn func(types.ConsumerRecord) error) error {
	return forEach(s.db, fn)
}

// Records returns the records of stream sorted by consumer id.
func (s *Store) Records(stream string) ([]types.ConsumerRecord, error) {
	return records(s.db, stream)
}

// Snapshot reads the records of stream from the file at path through a
// read-only handle that is closed before returning. A missing file has no
// records. While a stream consumer holds the file, Snapshot fails with
// ErrLocked.
func Snapshot(path, stream string) ([]types.ConsumerRecord, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{ReadOnly: true, Timeout: readLockWait})
	if err != nil {
		return nil, openError(path, err)
	}
	defer db.Close()
	return records(db, stream)
}

func openError(path string, err error) error {
	if errors.Is(err, bbolt.ErrTimeout) {
		return fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return fmt.Errorf("boltoffsets: open %s: %w", path, err)
}

func forEach(db *bbolt.DB, fn func(types.ConsumerRecord) error) error {
	return db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConsumers)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			rec, err := unmarshalRecord(string(k), v)
			if err != nil {
				return err
			}
			return fn(rec)
		})
	})
}

func records(db *bbolt.DB, stream string) ([]types.ConsumerRecord, error) {
	var out []types.ConsumerRecord
	err := forEach(db, func(r types.ConsumerRecord) error {
		if r.Stream == stream {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltoffsets: read records: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConsumerID < out[j].ConsumerID })
	return out, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- serialisation helpers -------------------------------------------------
// A record is stored under its consumer ID as:
//
//	[lastEventID: 8 bytes, int64 ]
//	[createdAt  : 8 bytes, int64 ]
//	[updatedAt  : 8 bytes, int64 ]
//	[stream     : remaining bytes]

const fixedLen = 24

func marshalRecord(r types.ConsumerRecord) []byte {
	buf := make([]byte, fixedLen+len(r.Stream))
	binary.BigEndian.PutUint64(buf[0:], uint64(r.LastEventID))
	binary.BigEndian.PutUint64(buf[8:], uint64(r.CreatedAt))
	binary.BigEndian.PutUint64(buf[16:], uint64(r.UpdatedAt))
	copy(buf[fixedLen:], r.Stream)
	return buf
}

func unmarshalRecord(consumerID string, buf []byte) (types.ConsumerRecord, error) {
	if len(buf) < fixedLen {
		return types.ConsumerRecord{}, fmt.Errorf("boltoffsets: record for %s too short (%d bytes)", consumerID, len(buf))
	}
	return types.ConsumerRecord{
		ConsumerID:  consumerID,
		LastEventID: int64(binary.BigEndian.Uint64(buf[0:])),
		CreatedAt:   int64(binary.BigEndian.Uint64(buf[8:])),
		UpdatedAt:   int64(binary.BigEndian.Uint64(buf[16:])),
		Stream:      string(buf[fixedLen:]),
	}, nil
}
