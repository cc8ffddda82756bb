// Package redisledger keeps capacity counters in Redis so that several
// admitq processes can share one pool of slots without a shared SQL database.
//
// Each counter is a hash at <prefix>:EVENT#<eventId> with fields
// `remaining` and `updatedAt`. The decrement runs as a Lua script, which
// Redis executes atomically.
package redisledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/snehjoshi/admitq/internal/keys"
	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/types"
)

var decrementIfPositive = redis.NewScript(`
local r = redis.call('HGET', KEYS[1], 'remaining')
if not r then
  return 0
end
if tonumber(r) <= 0 then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'remaining', -1)
redis.call('HSET', KEYS[1], 'updatedAt', ARGV[1])
return 1
`)

// Ledger implements storage.CapacityStore on Redis.
type Ledger struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ storage.CapacityStore = (*Ledger)(nil)

// Option configures a Ledger.
type Option func(*Ledger)

// WithPrefix namespaces every key. Default "admitq:capacity".
func WithPrefix(prefix string) Option {
	return func(l *Ledger) { l.prefix = strings.Trim(prefix, ":") }
}

// New returns a Ledger using rdb. The caller owns rdb and closes it.
func New(rdb redis.UniversalClient, opts ...Option) *Ledger {
	l := &Ledger{rdb: rdb, prefix: "admitq:capacity"}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) key(eventID string) string {
	pk, _ := keys.Capacity(eventID)
	return l.prefix + ":" + pk
}

func (l *Ledger) DecrementIfPositive(ctx context.Context, eventID string, nowMs int64) (bool, error) {
	n, err := decrementIfPositive.Run(ctx, l.rdb, []string{l.key(eventID)}, nowMs).Int()
	if err != nil {
		return false, fmt.Errorf("redisledger: decrement %s: %w", eventID, err)
	}
	return n == 1, nil
}

func (l *Ledger) Provision(ctx context.Context, eventID string, remaining, nowMs int64) error {
	if remaining < 0 {
		return fmt.Errorf("redisledger: provision %s: remaining must be >= 0", eventID)
	}
	if err := l.rdb.HSet(ctx, l.key(eventID), "remaining", remaining, "updatedAt", nowMs).Err(); err != nil {
		return fmt.Errorf("redisledger: provision %s: %w", eventID, err)
	}
	return nil
}

func (l *Ledger) GetCapacity(ctx context.Context, eventID string) (types.CapacityCounter, error) {
	fields, err := l.rdb.HGetAll(ctx, l.key(eventID)).Result()
	if err != nil {
		return types.CapacityCounter{}, fmt.Errorf("redisledger: get %s: %w", eventID, err)
	}
	if len(fields) == 0 {
		return types.CapacityCounter{}, storage.ErrNotFound
	}

	c := types.CapacityCounter{EventID: eventID}
	if c.Remaining, err = strconv.ParseInt(fields["remaining"], 10, 64); err != nil {
		return types.CapacityCounter{}, fmt.Errorf("redisledger: %s remaining: %w", eventID, err)
	}
	if v, ok := fields["updatedAt"]; ok {
		if c.UpdatedAt, err = strconv.ParseInt(v, 10, 64); err != nil {
			return types.CapacityCounter{}, fmt.Errorf("redisledger: %s updatedAt: %w", eventID, err)
		}
	}
	return c, nil
}

// Ping checks connectivity.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisledger: ping: %w", err)
	}
	return nil
}
