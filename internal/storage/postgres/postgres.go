// Package postgres is the shared-database admitq store, used when several
// admitq processes serve the same events.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snehjoshi/admitq/internal/keys"
	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/storage/sqlrow"
	"github.com/snehjoshi/admitq/internal/types"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// Store implements storage.Store on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// New creates a connection pool from dsn and fails fast if the database is
// unreachable.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	return NewFromConfig(ctx, cfg)
}

// NewFromConfig is New for a pre-built pool config.
func NewFromConfig(ctx context.Context, cfg *pgxpool.Config) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// Ping is used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool. Further calls return
// storage.ErrClosed.
func (s *Store) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pool.Close()
	}
	return nil
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
	// RETURNING 1 only when inserted; a duplicate id returns no rows.
	var one int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO requests (`+sqlrow.Columns+`) VALUES (`+sqlrow.Placeholders(sqlrow.Dollar)+`)
		 ON CONFLICT (request_id) DO NOTHING
		 RETURNING 1`,
		sqlrow.Values(rec)...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return s.wrap(fmt.Sprintf("create record %s", rec.RequestID), err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, requestID string) (types.RequestRecord, error) {
	if err := s.check(); err != nil {
		return types.RequestRecord{}, err
	}
	rec, err := sqlrow.Scan(s.pool.QueryRow(ctx,
		`SELECT `+sqlrow.Columns+` FROM requests WHERE request_id = $1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.RequestRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return types.RequestRecord{}, s.wrap("get record "+requestID, err)
	}
	return rec, nil
}

func (s *Store) UpdateRecordIf(ctx context.Context, requestID string, from, to types.Status, patch storage.RecordPatch) error {
	if err := s.check(); err != nil {
		return err
	}
	set, args := sqlrow.Set(to, patch, sqlrow.Dollar)
	n := len(args)
	args = append(args, requestID, from.String())

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE requests SET %s WHERE request_id = $%d AND status = $%d`, set, n+1, n+2), args...)
	if err != nil {
		return s.wrap("update record "+requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConditionFailed
	}
	return nil
}

func (s *Store) ListByRequester(ctx context.Context, requesterID string, limit int) ([]types.RequestRecord, error) {
	return s.list(ctx, `SELECT `+sqlrow.Columns+` FROM requests
		WHERE requester_index_key = $1 ORDER BY requester_sort_key DESC LIMIT $2`,
		keys.Requester(requesterID), limit)
}

func (s *Store) ListByEvent(ctx context.Context, eventID string, limit int) ([]types.RequestRecord, error) {
	return s.list(ctx, `SELECT `+sqlrow.Columns+` FROM requests
		WHERE event_index_key = $1 ORDER BY event_sort_key DESC LIMIT $2`,
		keys.Event(eventID), limit)
}

func (s *Store) list(ctx context.Context, query, indexKey string, limit int) ([]types.RequestRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, query, indexKey, limit)
	if err != nil {
		return nil, s.wrap("list "+indexKey, err)
	}
	defer rows.Close()

	var out []types.RequestRecord
	for rows.Next() {
		rec, err := sqlrow.Scan(rows)
		if err != nil {
			return nil, s.wrap("list "+indexKey, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CreateLock(ctx context.Context, lock types.IdempotencyLock) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	var one int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO idempotency_locks (event_id, requester_id, request_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id, requester_id) DO NOTHING
		RETURNING 1
	`, lock.EventID, lock.RequesterID, lock.RequestID, lock.CreatedAt).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return false, s.wrap("create lock", err)
}

func (s *Store) GetLock(ctx context.Context, eventID, requesterID string) (types.IdempotencyLock, error) {
	if err := s.check(); err != nil {
		return types.IdempotencyLock{}, err
	}
	lock := types.IdempotencyLock{EventID: eventID, RequesterID: requesterID}
	err := s.pool.QueryRow(ctx, `
		SELECT request_id, created_at FROM idempotency_locks
		WHERE event_id = $1 AND requester_id = $2`, eventID, requesterID).
		Scan(&lock.RequestID, &lock.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.IdempotencyLock{}, storage.ErrNotFound
	}
	if err != nil {
		return types.IdempotencyLock{}, s.wrap("get lock", err)
	}
	return lock, nil
}

func (s *Store) DecrementIfPositive(ctx context.Context, eventID string, nowMs int64) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE capacity SET remaining = remaining - 1, updated_at = $1
		WHERE event_id = $2 AND remaining > 0`, nowMs, eventID)
	if err != nil {
		return false, s.wrap("decrement "+eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Provision(ctx context.Context, eventID string, remaining, nowMs int64) error {
	if err := s.check(); err != nil {
		return err
	}
	if remaining < 0 {
		return fmt.Errorf("postgres: provision %s: remaining must be >= 0", eventID)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO capacity (event_id, remaining, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO UPDATE SET
			remaining = EXCLUDED.remaining,
			updated_at = EXCLUDED.updated_at`, eventID, remaining, nowMs)
	if err != nil {
		return s.wrap("provision "+eventID, err)
	}
	return nil
}

func (s *Store) GetCapacity(ctx context.Context, eventID string) (types.CapacityCounter, error) {
	if err := s.check(); err != nil {
		return types.CapacityCounter{}, err
	}
	c := types.CapacityCounter{EventID: eventID}
	err := s.pool.QueryRow(ctx,
		`SELECT remaining, updated_at FROM capacity WHERE event_id = $1`, eventID).
		Scan(&c.Remaining, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.CapacityCounter{}, storage.ErrNotFound
	}
	if err != nil {
		return types.CapacityCounter{}, s.wrap("get capacity "+eventID, err)
	}
	return c, nil
}

func (s *Store) wrap(op string, err error) error {
	return fmt.Errorf("postgres: %s: %w", op, err)
}
