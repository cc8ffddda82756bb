// Package sqlite is the embedded SQL admitq store, backed by the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/snehjoshi/admitq/internal/keys"
	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/storage/sqlrow"
	"github.com/snehjoshi/admitq/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// Store implements storage.Store on one SQLite database.
//
// The pool is capped at a single connection. SQLite has one writer anyway,
// and it keeps ":memory:" databases shared across calls.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database. Further calls return storage.ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) check() error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

func (s *Store) CreateRecord(ctx context.Context, rec types.RequestRecord) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (`+sqlrow.Columns+`) VALUES (`+sqlrow.Placeholders(sqlrow.Question)+`)
		 ON CONFLICT (request_id) DO NOTHING`,
		sqlrow.Values(rec)...)
	if err != nil {
		return fmt.Errorf("sqlite: create record %s: %w", rec.RequestID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("sqlite: create record %s: %w", rec.RequestID, err)
	} else if n == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, requestID string) (types.RequestRecord, error) {
	if err := s.check(); err != nil {
		return types.RequestRecord{}, err
	}
	rec, err := sqlrow.Scan(s.db.QueryRowContext(ctx,
		`SELECT `+sqlrow.Columns+` FROM requests WHERE request_id = ?`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.RequestRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return types.RequestRecord{}, fmt.Errorf("sqlite: get record %s: %w", requestID, err)
	}
	return rec, nil
}

func (s *Store) UpdateRecordIf(ctx context.Context, requestID string, from, to types.Status, patch storage.RecordPatch) error {
	if err := s.check(); err != nil {
		return err
	}
	set, args := sqlrow.Set(to, patch, sqlrow.Question)
	args = append(args, requestID, from.String())

	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET `+set+` WHERE request_id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: update record %s: %w", requestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update record %s: %w", requestID, err)
	}
	if n == 0 {
		return storage.ErrConditionFailed
	}
	return nil
}

func (s *Store) ListByRequester(ctx context.Context, requesterID string, limit int) ([]types.RequestRecord, error) {
	return s.list(ctx, `SELECT `+sqlrow.Columns+` FROM requests
		WHERE requester_index_key = ? ORDER BY requester_sort_key DESC LIMIT ?`,
		keys.Requester(requesterID), limit)
}

func (s *Store) ListByEvent(ctx context.Context, eventID string, limit int) ([]types.RequestRecord, error) {
	return s.list(ctx, `SELECT `+sqlrow.Columns+` FROM requests
		WHERE event_index_key = ? ORDER BY event_sort_key DESC LIMIT ?`,
		keys.Event(eventID), limit)
}

func (s *Store) list(ctx context.Context, query, indexKey string, limit int) ([]types.RequestRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, query, indexKey, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s: %w", indexKey, err)
	}
	defer rows.Close()

	var out []types.RequestRecord
	for rows.Next() {
		rec, err := sqlrow.Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list %s: %w", indexKey, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CreateLock(ctx context.Context, lock types.IdempotencyLock) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_locks (event_id, requester_id, request_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (event_id, requester_id) DO NOTHING`,
		lock.EventID, lock.RequesterID, lock.RequestID, lock.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("sqlite: create lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: create lock: %w", err)
	}
	return n == 1, nil
}

func (s *Store) GetLock(ctx context.Context, eventID, requesterID string) (types.IdempotencyLock, error) {
	lock := types.IdempotencyLock{EventID: eventID, RequesterID: requesterID}
	if err := s.check(); err != nil {
		return lock, err
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, created_at FROM idempotency_locks
		WHERE event_id = ? AND requester_id = ?`, eventID, requesterID).
		Scan(&lock.RequestID, &lock.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.IdempotencyLock{}, storage.ErrNotFound
	}
	if err != nil {
		return types.IdempotencyLock{}, fmt.Errorf("sqlite: get lock: %w", err)
	}
	return lock, nil
}

func (s *Store) DecrementIfPositive(ctx context.Context, eventID string, nowMs int64) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE capacity SET remaining = remaining - 1, updated_at = ?
		WHERE event_id = ? AND remaining > 0`, nowMs, eventID)
	if err != nil {
		return false, fmt.Errorf("sqlite: decrement %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: decrement %s: %w", eventID, err)
	}
	return n == 1, nil
}

func (s *Store) Provision(ctx context.Context, eventID string, remaining, nowMs int64) error {
	if err := s.check(); err != nil {
		return err
	}
	if remaining < 0 {
		return fmt.Errorf("sqlite: provision %s: remaining must be >= 0", eventID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capacity (event_id, remaining, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			remaining = excluded.remaining,
			updated_at = excluded.updated_at`, eventID, remaining, nowMs)
	if err != nil {
		return fmt.Errorf("sqlite: provision %s: %w", eventID, err)
	}
	return nil
}

func (s *Store) GetCapacity(ctx context.Context, eventID string) (types.CapacityCounter, error) {
	c := types.CapacityCounter{EventID: eventID}
	if err := s.check(); err != nil {
		return c, err
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT remaining, updated_at FROM capacity WHERE event_id = ?`, eventID).
		Scan(&c.Remaining, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CapacityCounter{}, storage.ErrNotFound
	}
	if err != nil {
		return types.CapacityCounter{}, fmt.Errorf("sqlite: get capacity %s: %w", eventID, err)
	}
	return c, nil
}
