// Package storetest is the conformance suite every storage.Store backend
// runs from its own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/admitq/internal/keys"
	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/types"
)

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) storage.Store

// Run executes every conformance check against stores produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"CreateGetRecord", testCreateGetRecord},
		{"CreateRecordTwice", testCreateRecordTwice},
		{"UpdateRecordIf", testUpdateRecordIf},
		{"UpdateRecordIfMissing", testUpdateRecordIfMissing},
		{"UpdateRecordIfSingleWinner", testUpdateRecordIfSingleWinner},
		{"ListNewestFirst", testListNewestFirst},
		{"ListSkipsUnprojected", testListSkipsUnprojected},
		{"LockOnce", testLockOnce},
		{"LockConcurrent", testLockConcurrent},
		{"CapacityMissing", testCapacityMissing},
		{"CapacityNeverOversold", testCapacityNeverOversold},
		{"Provision", testProvision},
		{"Closed", testClosed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func received(id, eventID, requesterID string) types.RequestRecord {
	return types.RequestRecord{
		RequestID:   id,
		EventID:     eventID,
		RequesterID: requesterID,
		EventKind:   types.KindFirstCome,
		Status:      types.StatusReceived,
		RequestedAt: 1_000,
	}
}

func queuedPatch(rec types.RequestRecord, queuedAt int64) storage.RecordPatch {
	sort := keys.QueuedSort(queuedAt, rec.RequestID)
	return storage.RecordPatch{
		QueuedAt:          queuedAt,
		RequesterIndexKey: keys.Requester(rec.RequesterID),
		RequesterSortKey:  sort,
		EventIndexKey:     keys.Event(rec.EventID),
		EventSortKey:      sort,
	}
}

func testCreateGetRecord(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rec := received("r1", "e1", "u1")
	require.NoError(t, s.CreateRecord(ctx, rec))

	got, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = s.GetRecord(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCreateRecordTwice(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRecord(ctx, received("r1", "e1", "u1")))
	err := s.CreateRecord(ctx, received("r1", "e2", "u2"))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	got, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.EventID, "second create must not overwrite")
}

func testUpdateRecordIf(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rec := received("r1", "e1", "u1")
	require.NoError(t, s.CreateRecord(ctx, rec))

	require.NoError(t, s.UpdateRecordIf(ctx, "r1", types.StatusReceived, types.StatusQueued, queuedPatch(rec, 2_000)))

	err := s.UpdateRecordIf(ctx, "r1", types.StatusReceived, types.StatusFailedFinal, storage.RecordPatch{ErrorMessage: "late"})
	assert.ErrorIs(t, err, storage.ErrConditionFailed)

	require.NoError(t, s.UpdateRecordIf(ctx, "r1", types.StatusQueued, types.StatusProcessing, storage.RecordPatch{StartedAt: 3_000}))
	require.NoError(t, s.UpdateRecordIf(ctx, "r1", types.StatusProcessing, types.StatusRejected, storage.RecordPatch{
		FinishedAt:   4_000,
		UIResult:     types.UIRejected,
		ResultCode:   types.ResultRejectedCapacity,
		FailureClass: types.FailureNonRetryable,
	}))

	got, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, got.Status)
	assert.Equal(t, int64(1_000), got.RequestedAt)
	assert.Equal(t, int64(2_000), got.QueuedAt)
	assert.Equal(t, int64(3_000), got.StartedAt)
	assert.Equal(t, int64(4_000), got.FinishedAt)
	assert.Equal(t, types.UIRejected, got.UIResult)
	assert.Equal(t, types.ResultRejectedCapacity, got.ResultCode)
	assert.Equal(t, types.FailureNonRetryable, got.FailureClass)
	assert.Empty(t, got.ErrorMessage, "failed update must not leak its patch")
	assert.Equal(t, keys.Requester("u1"), got.RequesterIndexKey)
}

func testUpdateRecordIfMissing(t *testing.T, s storage.Store) {
	err := s.UpdateRecordIf(context.Background(), "ghost", types.StatusQueued, types.StatusProcessing, storage.RecordPatch{StartedAt: 1})
	assert.ErrorIs(t, err, storage.ErrConditionFailed)
}

func testUpdateRecordIfSingleWinner(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rec := received("r1", "e1", "u1")
	require.NoError(t, s.CreateRecord(ctx, rec))
	require.NoError(t, s.UpdateRecordIf(ctx, "r1", types.StatusReceived, types.StatusQueued, queuedPatch(rec, 2_000)))

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.UpdateRecordIf(ctx, "r1", types.StatusQueued, types.StatusProcessing, storage.RecordPatch{StartedAt: int64(10_000 + i)})
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, storage.ErrConditionFailed)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testListNewestFirst(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		rec := received(id, "e1", "u1")
		require.NoError(t, s.CreateRecord(ctx, rec))
		require.NoError(t, s.UpdateRecordIf(ctx, id, types.StatusReceived, types.StatusQueued, queuedPatch(rec, int64(100+i))))
	}
	// Another requester and another event must not show up.
	other := received("x", "e2", "u2")
	require.NoError(t, s.CreateRecord(ctx, other))
	require.NoError(t, s.UpdateRecordIf(ctx, "x", types.StatusReceived, types.StatusQueued, queuedPatch(other, 999)))

	mine, err := s.ListByRequester(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(mine))

	limited, err := s.ListByEvent(ctx, "e1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(limited))

	none, err := s.ListByEvent(ctx, "e3", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListSkipsUnprojected(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRecord(ctx, received("r1", "e1", "u1")))

	mine, err := s.ListByRequester(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, mine, "RECEIVED records must be invisible to listing")

	all, err := s.ListByEvent(ctx, "e1", 10)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testLockOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ok, err := s.CreateLock(ctx, types.IdempotencyLock{EventID: "e1", RequesterID: "u1", RequestID: "first", CreatedAt: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CreateLock(ctx, types.IdempotencyLock{EventID: "e1", RequesterID: "u1", RequestID: "second", CreatedAt: 2})
	require.NoError(t, err)
	assert.False(t, ok)

	lock, err := s.GetLock(ctx, "e1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "first", lock.RequestID)

	_, err = s.GetLock(ctx, "e1", "u2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testLockConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const callers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.CreateLock(ctx, types.IdempotencyLock{EventID: "e1", RequesterID: "u1", RequestID: fmt.Sprintf("r%d", i)})
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testCapacityMissing(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ok, err := s.DecrementIfPositive(ctx, "none", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetCapacity(ctx, "none")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCapacityNeverOversold(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const capacity, callers = 5, 24
	require.NoError(t, s.Provision(ctx, "e1", capacity, 1))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.DecrementIfPositive(ctx, "e1", 2)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(capacity), wins.Load())
	c, err := s.GetCapacity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Remaining)
	assert.Equal(t, int64(2), c.UpdatedAt)
}

func testProvision(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Provision(ctx, "e1", 1, 1))
	require.NoError(t, s.Provision(ctx, "e1", 3, 2))

	c, err := s.GetCapacity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, types.CapacityCounter{EventID: "e1", Remaining: 3, UpdatedAt: 2}, c)

	assert.Error(t, s.Provision(ctx, "e1", -1, 3))
}

func testClosed(t *testing.T, s storage.Store) {
	require.NoError(t, s.Close())
	_, err := s.GetRecord(context.Background(), "r1")
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func ids(recs []types.RequestRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.RequestID
	}
	return out
}
