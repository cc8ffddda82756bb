package redisledger_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/admitq/internal/capacity"
	"github.com/snehjoshi/admitq/internal/capacity/redisledger"
	"github.com/snehjoshi/admitq/internal/storage"
)

// newLedger needs a reachable Redis, e.g. ADMITQ_TEST_REDIS_ADDR=localhost:6379.
func newLedger(t *testing.T) *redisledger.Ledger {
	t.Helper()
	addr := os.Getenv("ADMITQ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ADMITQ_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	prefix := fmt.Sprintf("admitq-test:%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		if ks, err := rdb.Keys(ctx, prefix+":*").Result(); err == nil && len(ks) > 0 {
			rdb.Del(ctx, ks...)
		}
		rdb.Close()
	})

	l := redisledger.New(rdb, redisledger.WithPrefix(prefix))
	require.NoError(t, l.Ping(context.Background()))
	return l
}

func TestMissingCounter(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	ok, err := l.DecrementIfPositive(ctx, "none", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.GetCapacity(ctx, "none")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProvisionAndDecrement(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Provision(ctx, "e1", 1, 10))

	ok, err := l.DecrementIfPositive(ctx, "e1", 20)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.DecrementIfPositive(ctx, "e1", 30)
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := l.GetCapacity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Remaining)
	assert.Equal(t, int64(20), c.UpdatedAt, "failed decrement must not touch updatedAt")
}

func TestNeverOversold(t *testing.T) {
	l := newLedger(t)
	ledger := capacity.New(l)
	ctx := context.Background()
	const slots, callers = 7, 50
	require.NoError(t, ledger.Provision(ctx, "e1", slots))

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.TryReserve(ctx, "e1")
			assert.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(slots), granted.Load())
}
