// Package bolt is the default single-node admitq store, backed by bbolt.
//
// Layout inside the database file:
//
//	items          keys.Item(pk, sk) → JSON entity (record, lock or counter)
//	idx_requester  USER#<id>  0x00 <sortKey> → requestId
//	idx_event      EVENT#<id> 0x00 <sortKey> → requestId
//
// Every mutating call runs in exactly one db.Update transaction. bbolt allows
// a single writer at a time, so a read-check-write inside one transaction is
// a linearizable conditional write.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/admitq/internal/keys"
	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/types"
)

var (
	bucketItems     = []byte("items")
	bucketRequester = []byte("idx_requester")
	bucketEvent     = []byte("idx_event")
)

const indexSep = 0x00

// Store implements storage.Store on a single bbolt file.
type Store struct {
	db     *bbolt.DB
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path and ensures every bucket
// exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketItems, bucketRequester, bucketEvent} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database. Further calls return
// storage.ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return ctx.Err()
}

// ─── Records ──────────────────────────────────────────────────────────────────

func (s *Store) CreateRecord(ctx context.Context, rec types.RequestRecord) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	key := []byte(keys.Item(keys.Request(rec.RequestID)))
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("bolt: marshal record %s: %w", rec.RequestID, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketItems)
		if b.Get(key) != nil {
			return storage.ErrAlreadyExists
		}
		if err := b.Put(key, val); err != nil {
			return err
		}
		return putProjection(tx, &rec)
	})
}

func (s *Store) GetRecord(ctx context.Context, requestID string) (types.RequestRecord, error) {
	var rec types.RequestRecord
	if err := s.check(ctx); err != nil {
		return rec, err
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = readRecord(tx, requestID)
		return err
	})
	return rec, err
}

func (s *Store) UpdateRecordIf(ctx context.Context, requestID string, from, to types.Status, patch storage.RecordPatch) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := readRecord(tx, requestID)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ErrConditionFailed
		}
		if err != nil {
			return err
		}
		if rec.Status != from {
			return storage.ErrConditionFailed
		}

		patch.Apply(&rec)
		rec.Status = to

		val, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("bolt: marshal record %s: %w", requestID, err)
		}
		if err := tx.Bucket(bucketItems).Put([]byte(keys.Item(keys.Request(requestID))), val); err != nil {
			return err
		}
		return putProjection(tx, &rec)
	})
}

func (s *Store) ListByRequester(ctx context.Context, requesterID string, limit int) ([]types.RequestRecord, error) {
	return s.list(ctx, bucketRequester, keys.Requester(requesterID), limit)
}

func (s *Store) ListByEvent(ctx context.Context, eventID string, limit int) ([]types.RequestRecord, error) {
	return s.list(ctx, bucketEvent, keys.Event(eventID), limit)
}

// list walks one index bucket backwards from the end of indexKey's range so
// the newest sort key comes first.
func (s *Store) list(ctx context.Context, bucket []byte, indexKey string, limit int) ([]types.RequestRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	prefix := append([]byte(indexKey), indexSep)
	upper := append(append([]byte{}, prefix...), 0xff)

	var out []types.RequestRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		k, v := c.Seek(upper)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, v = c.Prev() {
			rec, err := readRecord(tx, string(v))
			if err != nil {
				return fmt.Errorf("bolt: index %s points at %s: %w", k, v, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// ─── Locks ────────────────────────────────────────────────────────────────────

func (s *Store) CreateLock(ctx context.Context, lock types.IdempotencyLock) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	key := []byte(keys.Item(keys.Lock(lock.EventID, lock.RequesterID)))
	val, err := json.Marshal(lock)
	if err != nil {
		return false, fmt.Errorf("bolt: marshal lock: %w", err)
	}

	created := false
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketItems)
		if b.Get(key) != nil {
			return nil
		}
		created = true
		return b.Put(key, val)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *Store) GetLock(ctx context.Context, eventID, requesterID string) (types.IdempotencyLock, error) {
	var lock types.IdempotencyLock
	if err := s.check(ctx); err != nil {
		return lock, err
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, keys.Item(keys.Lock(eventID, requesterID)), &lock)
	})
	return lock, err
}

// ─── Capacity ─────────────────────────────────────────────────────────────────

func (s *Store) DecrementIfPositive(ctx context.Context, eventID string, nowMs int64) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	key := keys.Item(keys.Capacity(eventID))

	reserved := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var c types.CapacityCounter
		if err := getJSON(tx, key, &c); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if c.Remaining <= 0 {
			return nil
		}
		c.Remaining--
		c.UpdatedAt = nowMs
		reserved = true
		return putJSON(tx, key, c)
	})
	if err != nil {
		return false, err
	}
	return reserved, nil
}

func (s *Store) Provision(ctx context.Context, eventID string, remaining, nowMs int64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if remaining < 0 {
		return fmt.Errorf("bolt: provision %s: remaining must be >= 0", eventID)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, keys.Item(keys.Capacity(eventID)), types.CapacityCounter{
			EventID:   eventID,
			Remaining: remaining,
			UpdatedAt: nowMs,
		})
	})
}

func (s *Store) GetCapacity(ctx context.Context, eventID string) (types.CapacityCounter, error) {
	var c types.CapacityCounter
	if err := s.check(ctx); err != nil {
		return c, err
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, keys.Item(keys.Capacity(eventID)), &c)
	})
	return c, err
}

// ---- helpers ---------------------------------------------------------------

func readRecord(tx *bbolt.Tx, requestID string) (types.RequestRecord, error) {
	var rec types.RequestRecord
	err := getJSON(tx, keys.Item(keys.Request(requestID)), &rec)
	return rec, err
}

func getJSON(tx *bbolt.Tx, key string, v any) error {
	val := tx.Bucket(bucketItems).Get([]byte(key))
	if val == nil {
		return storage.ErrNotFound
	}
	if err := json.Unmarshal(val, v); err != nil {
		return fmt.Errorf("bolt: decode %s: %w", key, err)
	}
	return nil
}

func putJSON(tx *bbolt.Tx, key string, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bolt: encode %s: %w", key, err)
	}
	return tx.Bucket(bucketItems).Put([]byte(key), val)
}

// putProjection writes index entries for whichever listing keys rec carries.
// Projection keys are written once and never change, so re-putting is a no-op.
func putProjection(tx *bbolt.Tx, rec *types.RequestRecord) error {
	if rec.RequesterIndexKey != "" {
		if err := tx.Bucket(bucketRequester).Put(indexKey(rec.RequesterIndexKey, rec.RequesterSortKey), []byte(rec.RequestID)); err != nil {
			return err
		}
	}
	if rec.EventIndexKey != "" {
		if err := tx.Bucket(bucketEvent).Put(indexKey(rec.EventIndexKey, rec.EventSortKey), []byte(rec.RequestID)); err != nil {
			return err
		}
	}
	return nil
}

func indexKey(index, sort string) []byte {
	k := make([]byte, 0, len(index)+1+len(sort))
	k = append(k, index...)
	k = append(k, indexSep)
	return append(k, sort...)
}
