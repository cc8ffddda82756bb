package queue_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/admitq/internal/queue"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// fakeClock is advanced by hand so visibility windows expire on demand.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() queue.Config {
	cfg := queue.DefaultConfig()
	cfg.VisibilityTimeout = time.Second
	cfg.MaxReceives = 3
	cfg.ReapInterval = time.Hour // tests drive the reaper by hand
	return cfg
}

func openQueue(t *testing.T, opts ...queue.Option) (*queue.Queue, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	opts = append([]queue.Option{queue.WithClock(clock.Now)}, opts...)
	q, err := queue.New(testConfig(), opts...)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, clock
}

func send(t *testing.T, q *queue.Queue, body string) string {
	t.Helper()
	id, err := q.Send(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return id
}

func receiveOne(t *testing.T, q *queue.Queue) queue.Delivery {
	t.Helper()
	got, err := q.Receive(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Receive: want 1 delivery, got %d", len(got))
	}
	return got[0]
}

// ─── Queue tests ─────────────────────────────────────────────────────────────

func TestQueue_SendReceive(t *testing.T) {
	q, _ := openQueue(t)
	id := send(t, q, `{"a":1}`)

	if q.Len() != 1 {
		t.Fatalf("Len after Send: want 1, got %d", q.Len())
	}
	d := receiveOne(t, q)
	if d.ID != id {
		t.Errorf("ID: want %s, got %s", id, d.ID)
	}
	if string(d.Body) != `{"a":1}` {
		t.Errorf("Body: got %s", d.Body)
	}
	if d.Attempt != 1 {
		t.Errorf("Attempt: want 1, got %d", d.Attempt)
	}
	if d.ReceiptHandle == "" {
		t.Error("empty ReceiptHandle")
	}
	if q.Len() != 0 || q.InFlightCount() != 1 {
		t.Errorf("want 0 ready / 1 in flight, got %d / %d", q.Len(), q.InFlightCount())
	}
}

func TestQueue_FIFOAndBatch(t *testing.T) {
	q, _ := openQueue(t)
	want := []string{send(t, q, "1"), send(t, q, "2"), send(t, q, "3")}

	got, err := q.Receive(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(got) != 2 || got[0].ID != want[0] || got[1].ID != want[1] {
		t.Fatalf("first batch out of order: %+v", got)
	}
	rest := receiveOne(t, q)
	if rest.ID != want[2] {
		t.Errorf("third: want %s, got %s", want[2], rest.ID)
	}
}

func TestQueue_ReceiveEmptyNoWait(t *testing.T) {
	q, _ := openQueue(t)
	got, err := q.Receive(context.Background(), 5, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want empty, got %d", len(got))
	}
}

func TestQueue_LongPollWakesOnSend(t *testing.T) {
	q, _ := openQueue(t)

	done := make(chan []queue.Delivery, 1)
	go func() {
		got, _ := q.Receive(context.Background(), 1, 5*time.Second)
		done <- got
	}()

	time.Sleep(50 * time.Millisecond)
	send(t, q, "late")

	select {
	case got := <-done:
		if len(got) != 1 || string(got[0].Body) != "late" {
			t.Fatalf("long poll returned %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("long poll did not wake on Send")
	}
}

func TestQueue_LongPollTimesOut(t *testing.T) {
	q, _ := openQueue(t)
	start := time.Now()
	got, err := q.Receive(context.Background(), 1, 50*time.Millisecond)
	if err != nil || len(got) != 0 {
		t.Fatalf("want empty result, got %v / %v", got, err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("Receive returned before the wait elapsed")
	}
}

func TestQueue_LongPollCancelled(t *testing.T) {
	q, _ := openQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := q.Receive(ctx, 1, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestQueue_Ack(t *testing.T) {
	q, _ := openQueue(t)
	send(t, q, "x")
	d := receiveOne(t, q)

	if err := q.Ack(context.Background(), d.ReceiptHandle); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if q.InFlightCount() != 0 || q.Len() != 0 {
		t.Errorf("queue not empty after Ack")
	}
	if err := q.Ack(context.Background(), d.ReceiptHandle); !errors.Is(err, queue.ErrUnknownReceipt) {
		t.Errorf("second Ack: want ErrUnknownReceipt, got %v", err)
	}
}

func TestQueue_VisibilityTimeoutRedelivers(t *testing.T) {
	q, clock := openQueue(t)
	id := send(t, q, "x")
	first := receiveOne(t, q)

	clock.Advance(500 * time.Millisecond)
	q.ReapExpired()
	if q.Len() != 0 {
		t.Fatal("message redelivered before its visibility timeout")
	}

	clock.Advance(time.Second)
	q.ReapExpired()
	second := receiveOne(t, q)
	if second.ID != id || second.Attempt != 2 {
		t.Errorf("redelivery: want %s attempt 2, got %s attempt %d", id, second.ID, second.Attempt)
	}
	if second.ReceiptHandle == first.ReceiptHandle {
		t.Error("redelivery must issue a new receipt handle")
	}
	if err := q.Ack(context.Background(), first.ReceiptHandle); !errors.Is(err, queue.ErrUnknownReceipt) {
		t.Errorf("stale receipt Ack: want ErrUnknownReceipt, got %v", err)
	}
}

func TestQueue_NackAndDeadLetter(t *testing.T) {
	q, _ := openQueue(t)
	id := send(t, q, "poison")

	for attempt := 1; attempt <= 3; attempt++ {
		d := receiveOne(t, q)
		if d.Attempt != attempt {
			t.Fatalf("attempt: want %d, got %d", attempt, d.Attempt)
		}
		if err := q.Nack(context.Background(), d.ReceiptHandle); err != nil {
			t.Fatalf("Nack: %v", err)
		}
	}

	if q.Len() != 0 {
		t.Fatalf("dead-lettered message still ready")
	}
	if q.DeadLetterCount() != 1 {
		t.Fatalf("DeadLetterCount: want 1, got %d", q.DeadLetterCount())
	}
	dead, err := q.DrainDeadLetters()
	if err != nil {
		t.Fatalf("DrainDeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != id {
		t.Fatalf("dead letters: %+v", dead)
	}
	if q.DeadLetterCount() != 0 {
		t.Error("drain did not empty the dead-letter list")
	}
}

func TestQueue_SendValidation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageBytes = 4
	cfg.MaxMessages = 1
	q, err := queue.New(cfg)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	defer q.Close()
	ctx := context.Background()

	if _, err := q.Send(ctx, nil); !errors.Is(err, queue.ErrEmptyBody) {
		t.Errorf("empty: want ErrEmptyBody, got %v", err)
	}
	if _, err := q.Send(ctx, []byte("12345")); !errors.Is(err, queue.ErrTooLarge) {
		t.Errorf("large: want ErrTooLarge, got %v", err)
	}
	if _, err := q.Send(ctx, []byte("1")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := q.Send(ctx, []byte("2")); !errors.Is(err, queue.ErrFull) {
		t.Errorf("full: want ErrFull, got %v", err)
	}
}

func TestQueue_CloseReleasesReceivers(t *testing.T) {
	q, err := queue.New(testConfig())
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Receive(context.Background(), 1, 10*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, queue.ErrClosed) {
			t.Fatalf("want ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive still blocked after Close")
	}
	if _, err := q.Send(context.Background(), []byte("x")); !errors.Is(err, queue.ErrClosed) {
		t.Errorf("Send after Close: want ErrClosed, got %v", err)
	}
}

// ─── Journal tests ───────────────────────────────────────────────────────────

func TestQueue_JournalSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	j, err := queue.OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	q, err := queue.New(testConfig(), queue.WithJournal(j))
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	acked := send(t, q, "acked")
	inflight := send(t, q, "inflight")
	ready := send(t, q, "ready")

	d := receiveOne(t, q)
	if err := q.Ack(ctx, d.ReceiptHandle); err != nil || d.ID != acked {
		t.Fatalf("Ack first: id=%s err=%v", d.ID, err)
	}
	if d := receiveOne(t, q); d.ID != inflight {
		t.Fatalf("second receive: want %s, got %s", inflight, d.ID)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := queue.OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	q2, err := queue.New(testConfig(), queue.WithJournal(j2))
	if err != nil {
		t.Fatalf("queue.New after restart: %v", err)
	}
	defer q2.Close()

	if q2.Len() != 2 {
		t.Fatalf("Len after restart: want 2, got %d", q2.Len())
	}
	first := receiveOne(t, q2)
	if first.ID != inflight || first.Attempt != 2 {
		t.Errorf("restart order: want %s attempt 2, got %s attempt %d", inflight, first.ID, first.Attempt)
	}
	if second := receiveOne(t, q2); second.ID != ready {
		t.Errorf("restart order: want %s, got %s", ready, second.ID)
	}
}

func TestQueue_JournalKeepsDeadLetters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	cfg := testConfig()
	cfg.MaxReceives = 1

	j, err := queue.OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	q, err := queue.New(cfg, queue.WithJournal(j))
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	send(t, q, "poison")
	d := receiveOne(t, q)
	if err := q.Nack(context.Background(), d.ReceiptHandle); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	q.Close()

	j2, err := queue.OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	q2, err := queue.New(cfg, queue.WithJournal(j2))
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	defer q2.Close()
	if q2.Len() != 0 || q2.DeadLetterCount() != 1 {
		t.Fatalf("after restart: ready=%d dead=%d", q2.Len(), q2.DeadLetterCount())
	}
}

func deadLetter(t *testing.T, q *queue.Queue, body string) string {
	t.Helper()
	id := send(t, q, body)
	for q.DeadLetterCount() == 0 {
		d := receiveOne(t, q)
		if err := q.Nack(context.Background(), d.ReceiptHandle); err != nil {
			t.Fatalf("Nack: %v", err)
		}
	}
	return id
}

func TestQueue_RedriveResetsAttempts(t *testing.T) {
	q, _ := openQueue(t)
	first := deadLetter(t, q, "a")
	second := deadLetter(t, q, "b")

	if got := q.DeadLetters(); len(got) != 2 || got[0].ID != first {
		t.Fatalf("DeadLetters: %+v", got)
	}

	n, err := q.Redrive([]string{second, "unknown"})
	if err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	if n != 1 {
		t.Fatalf("Redrive: want 1 moved, got %d", n)
	}
	if q.DeadLetterCount() != 1 || q.Len() != 1 {
		t.Fatalf("after redrive: dead=%d ready=%d", q.DeadLetterCount(), q.Len())
	}

	d := receiveOne(t, q)
	if d.ID != second || d.Attempt != 1 {
		t.Fatalf("redriven delivery: id=%s attempt=%d", d.ID, d.Attempt)
	}
}

func TestQueue_Discard(t *testing.T) {
	q, _ := openQueue(t)
	id := deadLetter(t, q, "a")

	n, err := q.Discard([]string{id})
	if err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if n != 1 || q.DeadLetterCount() != 0 || q.Len() != 0 {
		t.Fatalf("after discard: n=%d dead=%d ready=%d", n, q.DeadLetterCount(), q.Len())
	}
}

func TestQueue_DiscardJournalErrorKeepsDeadLetters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReceives = 1

	j, err := queue.OpenJournal(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	q, err := queue.New(cfg, queue.WithJournal(j))
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	defer q.Close()
	a := deadLetter(t, q, "a")
	b := deadLetter(t, q, "b")

	// Every journal write fails from here on.
	if err := j.Close(); err != nil {
		t.Fatalf("journal Close: %v", err)
	}

	n, err := q.Discard([]string{a, b})
	if err == nil {
		t.Fatal("Discard: want error when the journal is unwritable")
	}
	if n != 0 {
		t.Fatalf("Discard: want 0 removed, got %d", n)
	}
	if q.DeadLetterCount() != 2 {
		t.Fatalf("dead letters: want 2, got %d", q.DeadLetterCount())
	}
}

func TestQueue_JournalRedriveSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	cfg := testConfig()
	cfg.MaxReceives = 1

	j, err := queue.OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	q, err := queue.New(cfg, queue.WithJournal(j))
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	id := deadLetter(t, q, "poison")
	if _, err := q.Redrive([]string{id}); err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	q.Close()

	j2, err := queue.OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	q2, err := queue.New(cfg, queue.WithJournal(j2))
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	defer q2.Close()
	if q2.Len() != 1 || q2.DeadLetterCount() != 0 {
		t.Fatalf("after restart: ready=%d dead=%d", q2.Len(), q2.DeadLetterCount())
	}
}
