package bolt_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/storage/bolt"
	"github.com/snehjoshi/admitq/internal/storage/storetest"
	"github.com/snehjoshi/admitq/internal/types"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		s, err := bolt.Open(filepath.Join(t.TempDir(), "admitq.db"))
		require.NoError(t, err)
		return s
	})
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admitq.db")
	ctx := context.Background()

	s, err := bolt.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateRecord(ctx, types.RequestRecord{
		RequestID: "r1", EventID: "e1", RequesterID: "u1",
		EventKind: types.KindGeneral, Status: types.StatusReceived, RequestedAt: 5,
	}))
	require.NoError(t, s.Provision(ctx, "e1", 2, 5))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	s, err = bolt.Open(path)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReceived, rec.Status)

	c, err := s.GetCapacity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Remaining)
}

func TestCancelledContext(t *testing.T) {
	s, err := bolt.Open(filepath.Join(t.TempDir(), "admitq.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.DecrementIfPositive(ctx, "e1", 1)
	assert.ErrorIs(t, err, context.Canceled)
}
