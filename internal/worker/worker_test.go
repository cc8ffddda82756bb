package worker_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/admitq/internal/admission"
	"github.com/snehjoshi/admitq/internal/capacity"
	"github.com/snehjoshi/admitq/internal/idempotency"
	"github.com/snehjoshi/admitq/internal/lifecycle"
	"github.com/snehjoshi/admitq/internal/metrics"
	"github.com/snehjoshi/admitq/internal/queue"
	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/storage/bolt"
	"github.com/snehjoshi/admitq/internal/types"
	"github.com/snehjoshi/admitq/internal/worker"
)

type env struct {
	store   *bolt.Store
	queue   *queue.Queue
	machine *lifecycle.Machine
	ledger  *capacity.Ledger
	metrics *metrics.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := bolt.Open(filepath.Join(t.TempDir(), "admitq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	q, err := queue.New(queue.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	return &env{
		store:   s,
		queue:   q,
		machine: lifecycle.New(s),
		ledger:  capacity.New(s),
		metrics: &metrics.Registry{},
	}
}

func (e *env) loop(opts ...worker.Option) *worker.Loop {
	opts = append([]worker.Option{worker.WithMetrics(e.metrics)}, opts...)
	return worker.New(e.queue, e.machine, e.ledger, worker.Config{PollWait: 20 * time.Millisecond, StrandedAfter: 30 * time.Second}, opts...)
}

func (e *env) admit(t *testing.T, eventID, requesterID string, kind types.EventKind) string {
	t.Helper()
	c := admission.New(idempotency.New(e.store), e.machine, e.queue,
		admission.WithKindResolver(admission.FixedKind(kind)))
	adm, err := c.Admit(context.Background(), eventID, requesterID)
	require.NoError(t, err)
	return adm.RequestID
}

func (e *env) receiveOne(t *testing.T) queue.Delivery {
	t.Helper()
	ds, err := e.queue.Receive(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func (e *env) status(t *testing.T, requestID string) types.RequestRecord {
	t.Helper()
	rec, err := e.store.GetRecord(context.Background(), requestID)
	require.NoError(t, err)
	return rec
}

func (e *env) send(t *testing.T, msg types.ParticipationMessage) {
	t.Helper()
	body, err := msg.Encode()
	require.NoError(t, err)
	_, err = e.queue.Send(context.Background(), body)
	require.NoError(t, err)
}

func (e *env) assertDrained(t *testing.T) {
	t.Helper()
	assert.Equal(t, 0, e.queue.Len(), "ready")
	assert.Equal(t, 0, e.queue.InFlightCount(), "in flight")
}

func TestProcess_GeneralSucceeds(t *testing.T) {
	e := newEnv(t)
	id := e.admit(t, "e1", "u1", types.KindGeneral)

	out, err := e.loop().Process(context.Background(), e.receiveOne(t))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeSucceeded, out)

	rec := e.status(t, id)
	assert.Equal(t, types.StatusSucceeded, rec.Status)
	assert.Equal(t, types.ResultSuccess, rec.ResultCode)
	assert.Equal(t, types.UISuccess, rec.UIResult)
	assert.NotZero(t, rec.StartedAt)
	assert.NotZero(t, rec.FinishedAt)
	e.assertDrained(t)
	assert.Equal(t, int64(1), e.metrics.WorkerOutcomes.Value("succeeded"))
	assert.Equal(t, int64(0), e.metrics.Reservations.Value(metrics.ReserveGranted))
}

func TestProcess_LastSlotTwoWorkers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.ledger.Provision(ctx, "e1", 1))

	a := e.admit(t, "e1", "u1", types.KindFirstCome)
	b := e.admit(t, "e1", "u2", types.KindFirstCome)
	ds, err := e.queue.Receive(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, ds, 2)

	workers := []*worker.Loop{e.loop(worker.WithWorkerID("w1")), e.loop(worker.WithWorkerID("w2"))}
	var wg sync.WaitGroup
	for i := range ds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := workers[i].Process(ctx, ds[i])
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got := map[types.Status]int{}
	for _, id := range []string{a, b} {
		rec := e.status(t, id)
		got[rec.Status]++
		if rec.Status == types.StatusRejected {
			assert.Equal(t, types.ResultRejectedCapacity, rec.ResultCode)
			assert.Equal(t, types.FailureNonRetryable, rec.FailureClass)
			assert.Equal(t, types.UIRejected, rec.UIResult)
		}
	}
	assert.Equal(t, map[types.Status]int{types.StatusSucceeded: 1, types.StatusRejected: 1}, got)

	c, found, err := e.ledger.Remaining(ctx, "e1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(0), c.Remaining)
	e.assertDrained(t)
}

func TestProcess_UnprovisionedFirstComeIsRejected(t *testing.T) {
	e := newEnv(t)
	id := e.admit(t, "e1", "u1", types.KindFirstCome)

	out, err := e.loop().Process(context.Background(), e.receiveOne(t))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeRejected, out)
	assert.Equal(t, types.StatusRejected, e.status(t, id).Status)
	assert.Equal(t, int64(1), e.metrics.Reservations.Value(metrics.ReserveExhausted))
}

func TestProcess_RedeliveryAfterTerminal(t *testing.T) {
	e := newEnv(t)
	id := e.admit(t, "e1", "u1", types.KindGeneral)
	l := e.loop()

	_, err := l.Process(context.Background(), e.receiveOne(t))
	require.NoError(t, err)
	before := e.status(t, id)

	// Simulate the duplicate delivery an at-least-once queue may produce.
	e.send(t, types.ParticipationMessage{RequestID: id, EventID: "e1", EventKind: types.KindGeneral})
	out, err := l.Process(context.Background(), e.receiveOne(t))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeAlreadyHandled, out)
	assert.Equal(t, before, e.status(t, id))
	e.assertDrained(t)
}

func TestProcess_MalformedIsAckedWithoutTransition(t *testing.T) {
	e := newEnv(t)
	id := e.admit(t, "e1", "u1", types.KindGeneral)
	// Take the real message out of the way.
	pending := e.receiveOne(t)

	for _, body := range []string{
		`not json`,
		`{"requestId":"` + id + `","eventId":"e1"}`,
		`{"requestId":"` + id + `","eventId":"e1","eventKind":"VIP"}`,
		`{"requestId":"","eventId":"e1","eventKind":"GENERAL"}`,
	} {
		_, err := e.queue.Send(context.Background(), []byte(body))
		require.NoError(t, err)
		out, err := e.loop().Process(context.Background(), e.receiveOne(t))
		require.NoError(t, err, body)
		assert.Equal(t, worker.OutcomeMalformed, out, body)
	}

	assert.Equal(t, types.StatusQueued, e.status(t, id).Status)
	assert.Equal(t, 1, e.queue.InFlightCount())
	require.NoError(t, e.queue.Ack(context.Background(), pending.ReceiptHandle))
	e.assertDrained(t)
}

func TestProcess_NotYetQueuedIsLeftForRedelivery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.machine.Create(ctx, types.RequestRecord{
		RequestID: "r1", EventID: "e1", RequesterID: "u1", EventKind: types.KindGeneral,
	}))
	e.send(t, types.ParticipationMessage{RequestID: "r1", EventID: "e1", EventKind: types.KindGeneral})

	out, err := e.loop().Process(ctx, e.receiveOne(t))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeNotReady, out)
	assert.Equal(t, types.StatusReceived, e.status(t, "r1").Status)
	assert.Equal(t, 1, e.queue.InFlightCount())
}

func TestProcess_UnknownRequestIsAcked(t *testing.T) {
	e := newEnv(t)
	e.send(t, types.ParticipationMessage{RequestID: "ghost", EventID: "e1", EventKind: types.KindGeneral})

	out, err := e.loop().Process(context.Background(), e.receiveOne(t))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeRecordMissing, out)
	e.assertDrained(t)
}

// brokenCapacity fails every reservation.
type brokenCapacity struct{ storage.CapacityStore }

func (brokenCapacity) DecrementIfPositive(context.Context, string, int64) (bool, error) {
	return false, errors.New("counter backend unreachable")
}

func TestProcess_ErrorAfterClaimIsNotAcked(t *testing.T) {
	e := newEnv(t)
	id := e.admit(t, "e1", "u1", types.KindFirstCome)
	l := worker.New(e.queue, e.machine, capacity.New(brokenCapacity{e.store}), worker.Config{})

	_, err := l.Process(context.Background(), e.receiveOne(t))
	require.Error(t, err)
	assert.Equal(t, types.StatusProcessing, e.status(t, id).Status)
	assert.Equal(t, 1, e.queue.InFlightCount())
}

// stolenFinalize makes every PROCESSING -> terminal update lose its
// precondition.
type stolenFinalize struct{ storage.RecordStore }

func (s stolenFinalize) UpdateRecordIf(ctx context.Context, id string, from, to types.Status, p storage.RecordPatch) error {
	if from == types.StatusProcessing {
		return storage.ErrConditionFailed
	}
	return s.RecordStore.UpdateRecordIf(ctx, id, from, to, p)
}

func TestProcess_FinalizeConditionFailedIsAcked(t *testing.T) {
	e := newEnv(t)
	id := e.admit(t, "e1", "u1", types.KindGeneral)
	l := worker.New(e.queue, lifecycle.New(stolenFinalize{e.store}), e.ledger, worker.Config{})

	out, err := l.Process(context.Background(), e.receiveOne(t))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeFinalizeLost, out)
	assert.Equal(t, types.StatusProcessing, e.status(t, id).Status)
	e.assertDrained(t)
}

// cancelAfterClaim cancels the loop context as soon as a record moves to
// PROCESSING, the way a shutdown signal can land mid-delivery.
type cancelAfterClaim struct {
	storage.RecordStore
	cancel context.CancelFunc
}

func (s cancelAfterClaim) UpdateRecordIf(ctx context.Context, id string, from, to types.Status, p storage.RecordPatch) error {
	err := s.RecordStore.UpdateRecordIf(ctx, id, from, to, p)
	if err == nil && to == types.StatusProcessing {
		s.cancel()
	}
	return err
}

func TestProcess_ShutdownAfterClaimStillFinalizes(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.ledger.Provision(context.Background(), "e1", 1))
	id := e.admit(t, "e1", "u1", types.KindFirstCome)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := worker.New(e.queue, lifecycle.New(cancelAfterClaim{e.store, cancel}), e.ledger,
		worker.Config{FinishTimeout: 5 * time.Second})

	out, err := l.Process(ctx, e.receiveOne(t))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeSucceeded, out)
	assert.Error(t, ctx.Err())
	assert.Equal(t, types.StatusSucceeded, e.status(t, id).Status)
	e.assertDrained(t)

	c, found, err := e.ledger.Remaining(context.Background(), "e1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(0), c.Remaining)
}

func TestProcess_FlagsStrandedClaim(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.admit(t, "e1", "u1", types.KindGeneral)
	_ = e.receiveOne(t) // first delivery, never acked

	started := time.UnixMilli(1_700_000_000_000)
	res, err := e.machine.Transition(ctx, id, types.StatusQueued, types.StatusProcessing,
		lifecycle.Claimed{StartedAt: started.UnixMilli()})
	require.NoError(t, err)
	require.Equal(t, lifecycle.ResultSuccess, res)

	var buf bytes.Buffer
	l := e.loop(
		worker.WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))),
		worker.WithClock(func() time.Time { return started.Add(2 * time.Minute) }),
	)
	e.send(t, types.ParticipationMessage{RequestID: id, EventID: "e1", EventKind: types.KindGeneral})

	out, err := l.Process(ctx, e.receiveOne(t))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeAlreadyHandled, out)
	assert.Contains(t, buf.String(), "possibly stranded")
	assert.Equal(t, types.StatusProcessing, e.status(t, id).Status)
}

func TestRun_DrainsQueueAndStops(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.ledger.Provision(ctx, "e1", 3))

	var ids []string
	for _, u := range []string{"u1", "u2", "u3", "u4", "u5"} {
		ids = append(ids, e.admit(t, "e1", u, types.KindFirstCome))
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.loop().Run(runCtx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			rec, err := e.store.GetRecord(ctx, id)
			if err != nil || !rec.Status.IsTerminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	got := map[types.Status]int{}
	for _, id := range ids {
		got[e.status(t, id).Status]++
	}
	assert.Equal(t, 3, got[types.StatusSucceeded])
	assert.Equal(t, 2, got[types.StatusRejected])
	e.assertDrained(t)
}

func TestRun_ReturnsWhenQueueCloses(t *testing.T) {
	e := newEnv(t)
	done := make(chan error, 1)
	go func() { done <- e.loop().Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, e.queue.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after queue close")
	}
}

func TestOutcome_Acked(t *testing.T) {
	for _, o := range []worker.Outcome{
		worker.OutcomeMalformed, worker.OutcomeSucceeded, worker.OutcomeRejected,
		worker.OutcomeAlreadyHandled, worker.OutcomeRecordMissing, worker.OutcomeFinalizeLost,
	} {
		assert.True(t, o.Acked(), o.String())
	}
	assert.False(t, worker.OutcomeNotReady.Acked())
}
