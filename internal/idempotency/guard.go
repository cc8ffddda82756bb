// Package idempotency enforces at most one accepted request per
// (event, requester) pair.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/types"
)

// Guard creates and resolves IdempotencyLocks.
type Guard struct {
	store storage.LockStore
	now   func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides time.Now for lock creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New returns a Guard over store.
func New(store storage.LockStore, opts ...Option) *Guard {
	g := &Guard{store: store, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// TryLock pins (eventID, requesterID) to candidateID. It reports false, with
// no side effects, when a lock already exists.
func (g *Guard) TryLock(ctx context.Context, eventID, requesterID, candidateID string) (bool, error) {
	ok, err := g.store.CreateLock(ctx, types.IdempotencyLock{
		EventID:     eventID,
		RequesterID: requesterID,
		RequestID:   candidateID,
		CreatedAt:   g.now().UTC().UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("idempotency: lock %s/%s: %w", eventID, requesterID, err)
	}
	return ok, nil
}

// Resolve returns the request id a lock points at, or "" when no lock exists.
func (g *Guard) Resolve(ctx context.Context, eventID, requesterID string) (string, error) {
	lock, err := g.store.GetLock(ctx, eventID, requesterID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("idempotency: resolve %s/%s: %w", eventID, requesterID, err)
	}
	return lock.RequestID, nil
}
