// Package storage defines the store capability that every admitq component
// persists through.
//
// Components above this package (lifecycle, idempotency, capacity, query)
// interact with durable state ONLY through these interfaces. Every mutating
// call is a single-item conditional write, which is the only cross-worker
// exclusion admitq relies on. Backends must make each one linearizable:
//
//   - bolt.Store     one read-write transaction per call (bbolt serializes writers)
//   - sqlite.Store   one conditional statement, checked through rows affected
//   - postgres.Store one conditional statement, checked through rows affected
//
// All methods must be safe for concurrent use.
package storage

import (
	"context"
	"errors"

	"github.com/snehjoshi/admitq/internal/types"
)

// ErrNotFound is returned when a record, lock or counter does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyExists is returned by CreateRecord when the id is taken.
var ErrAlreadyExists = errors.New("storage: already exists")

// ErrConditionFailed is returned by UpdateRecordIf when the stored status is
// not the expected one, or the record does not exist.
var ErrConditionFailed = errors.New("storage: condition failed")

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("storage: closed")

// RecordStore persists RequestRecords.
type RecordStore interface {
	// CreateRecord writes rec if no record with the same RequestID exists.
	// Returns ErrAlreadyExists otherwise.
	CreateRecord(ctx context.Context, rec types.RequestRecord) error

	// GetRecord returns ErrNotFound if the record does not exist.
	GetRecord(ctx context.Context, requestID string) (types.RequestRecord, error)

	// UpdateRecordIf sets status to `to` and applies patch, but only when the
	// stored status equals `from`. Returns ErrConditionFailed otherwise.
	UpdateRecordIf(ctx context.Context, requestID string, from, to types.Status, patch RecordPatch) error

	// ListByRequester returns records whose requester projection is set,
	// newest sort key first, at most limit entries.
	ListByRequester(ctx context.Context, requesterID string, limit int) ([]types.RequestRecord, error)

	// ListByEvent is ListByRequester for the event projection.
	ListByEvent(ctx context.Context, eventID string, limit int) ([]types.RequestRecord, error)
}

// LockStore persists IdempotencyLocks.
type LockStore interface {
	// CreateLock reports false, without writing, if a lock for the same
	// (EventID, RequesterID) already exists.
	CreateLock(ctx context.Context, lock types.IdempotencyLock) (bool, error)

	// GetLock returns ErrNotFound if no lock exists.
	GetLock(ctx context.Context, eventID, requesterID string) (types.IdempotencyLock, error)
}

// CapacityStore persists CapacityCounters.
type CapacityStore interface {
	// DecrementIfPositive lowers remaining by one if it is above zero and
	// reports whether it did. A missing counter reports false.
	DecrementIfPositive(ctx context.Context, eventID string, nowMs int64) (bool, error)

	// Provision creates or overwrites the counter for eventID.
	Provision(ctx context.Context, eventID string, remaining, nowMs int64) error

	// GetCapacity returns ErrNotFound if no counter exists.
	GetCapacity(ctx context.Context, eventID string) (types.CapacityCounter, error)
}

// Store is the full capability a backend provides.
type Store interface {
	RecordStore
	LockStore
	CapacityStore
	Close() error
}
