// Package capacity holds the per-event remaining-slot counters that decide
// first-come admissions.
//
// A reservation is a single atomic decrement-if-positive in the backing
// store. Reserved slots are never returned to the pool.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/types"
)

// ErrNegativeCapacity is returned by Provision for remaining < 0.
var ErrNegativeCapacity = errors.New("capacity: remaining must not be negative")

// Ledger reserves and reports capacity.
type Ledger struct {
	store storage.CapacityStore
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now for updatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New returns a Ledger over store. store may be the record store itself or a
// dedicated counter backend such as redisledger.
func New(store storage.CapacityStore, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// TryReserve takes one slot of eventID. It reports false when the counter is
// exhausted or was never provisioned.
func (l *Ledger) TryReserve(ctx context.Context, eventID string) (bool, error) {
	ok, err := l.store.DecrementIfPositive(ctx, eventID, l.nowMs())
	if err != nil {
		return false, fmt.Errorf("capacity: reserve %s: %w", eventID, err)
	}
	return ok, nil
}

// Remaining returns the counter for eventID. found is false when the event
// has no counter, which means it is not capacity-limited.
func (l *Ledger) Remaining(ctx context.Context, eventID string) (c types.CapacityCounter, found bool, err error) {
	c, err = l.store.GetCapacity(ctx, eventID)
	if errors.Is(err, storage.ErrNotFound) {
		return types.CapacityCounter{}, false, nil
	}
	if err != nil {
		return types.CapacityCounter{}, false, fmt.Errorf("capacity: read %s: %w", eventID, err)
	}
	return c, true, nil
}

// Provision creates or resets the counter for eventID. It is an operator
// action and is not used by the admission path.
func (l *Ledger) Provision(ctx context.Context, eventID string, remaining int64) error {
	if remaining < 0 {
		return ErrNegativeCapacity
	}
	if err := l.store.Provision(ctx, eventID, remaining, l.nowMs()); err != nil {
		return fmt.Errorf("capacity: provision %s: %w", eventID, err)
	}
	return nil
}

func (l *Ledger) nowMs() int64 { return l.now().UTC().UnixMilli() }
