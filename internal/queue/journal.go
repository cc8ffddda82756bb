package queue

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	bucketMessages = []byte("messages")
	bucketDead     = []byte("dead")
)

// Journal is a bbolt file holding every unacknowledged and dead-lettered
// message, keyed by message id.
type Journal struct {
	db *bbolt.DB
}

// OpenJournal opens (or creates) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketMessages, bucketDead} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: init buckets: %w", err)
	}
	return &Journal{db: db}, nil
}

// Put upserts a live message.
func (j *Journal) Put(m Message) error {
	return j.put(bucketMessages, m)
}

// Delete removes a live message.
func (j *Journal) Delete(id string) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).Delete([]byte(id))
	})
}

// MoveToDead moves m from the live bucket to the dead bucket in one
// transaction.
func (j *Journal) MoveToDead(m Message) error {
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("journal: marshal %s: %w", m.ID, err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketMessages).Delete([]byte(m.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketDead).Put([]byte(m.ID), val)
	})
}

// Revive moves m from the dead bucket back to the live bucket in one
// transaction.
func (j *Journal) Revive(m Message) error {
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("journal: marshal %s: %w", m.ID, err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketDead).Delete([]byte(m.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketMessages).Put([]byte(m.ID), val)
	})
}

// DeleteDead removes a dead-lettered message.
func (j *Journal) DeleteDead(id string) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDead).Delete([]byte(id))
	})
}

// ForEach calls fn for every live message in id order.
func (j *Journal) ForEach(fn func(Message) error) error {
	return j.forEach(bucketMessages, fn)
}

// ForEachDead calls fn for every dead-lettered message in id order.
func (j *Journal) ForEachDead(fn func(Message) error) error {
	return j.forEach(bucketDead, fn)
}

// Close closes the underlying bbolt database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) put(bucket []byte, m Message) error {
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("journal: marshal %s: %w", m.ID, err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(m.ID), val)
	})
}

func (j *Journal) forEach(bucket []byte, fn func(Message) error) error {
	return j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("journal: decode %s: %w", k, err)
			}
			return fn(m)
		})
	})
}
