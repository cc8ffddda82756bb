// Package queue is the in-process transport between admission and the
// workers. Delivery is at-least-once: a message that is not acked within its
// visibility timeout is handed out again, so receivers must be idempotent.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/admitq/internal/ident"
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("queue: closed")
	// ErrUnknownReceipt is returned by Ack/Nack for a handle that is not in
	// flight (already acked, or expired and redelivered).
	ErrUnknownReceipt = errors.New("queue: unknown or expired receipt handle")
	// ErrEmptyBody is returned by Send for a zero-length body.
	ErrEmptyBody = errors.New("queue: empty message body")
	// ErrTooLarge is returned by Send for a body over MaxMessageBytes.
	ErrTooLarge = errors.New("queue: message too large")
	// ErrFull is returned by Send when MaxMessages ready+in-flight are held.
	ErrFull = errors.New("queue: at capacity")
)

// ─── Config ───────────────────────────────────────────────────────────────────

// Config holds tunable parameters. Use DefaultConfig() for production-safe
// defaults; zero fields passed to New fall back to them.
type Config struct {
	// VisibilityTimeout is how long a receiver has to Ack before the message
	// becomes visible again.
	VisibilityTimeout time.Duration

	// MaxReceives is how many deliveries a message gets before it is
	// dead-lettered. 0 = never dead-letter.
	MaxReceives int

	// MaxMessageBytes caps a single body. 0 = unlimited.
	MaxMessageBytes int

	// MaxMessages caps ready+in-flight messages. 0 = unlimited.
	MaxMessages int

	// MaxBatchSize caps one Receive call.
	MaxBatchSize int

	// ReapInterval is how often expired in-flight messages are looked for.
	ReapInterval time.Duration
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 30 * time.Second,
		MaxReceives:       5,
		MaxMessageBytes:   256 << 10,
		MaxMessages:       100_000,
		MaxBatchSize:      10,
		ReapInterval:      500 * time.Millisecond,
	}
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// Message is one queued body.
type Message struct {
	ID     string `json:"id"`
	Body   []byte `json:"body"`
	SentAt int64  `json:"sentAt"` // UTC ms
	// Attempt counts deliveries so far. 1 on the first Receive.
	Attempt int `json:"attempt"`
}

// Delivery is a received message plus the handle needed to Ack it.
type Delivery struct {
	Message
	ReceiptHandle string
	// VisibleAt is when the message becomes visible again if not acked.
	VisibleAt time.Time
}

type inFlight struct {
	msg       Message
	receipt   string
	visibleAt time.Time
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Queue is an in-process, at-least-once FIFO queue with visibility timeouts,
// redelivery and dead-lettering. With a Journal it survives restarts: every
// message not yet acked is ready again after New.
//
// Architecture:
//   - "ready" is a linked list of *Message (FIFO order, cheap pop-front).
//   - "inFlight" is a map of receipt handle → entry for O(1) Ack/Nack.
//   - "wake" is closed and replaced whenever a message becomes ready, which
//     releases every long-polling Receive at once.
//   - The background reaper goroutine runs every ReapInterval to expire
//     in-flight messages whose visibility deadline has passed.
//
// All public methods are safe for concurrent use.
type Queue struct {
	cfg     Config
	journal *Journal
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	ready    *list.List           // elements are *Message
	inFlight map[string]*inFlight // receipt → entry
	dead     []Message
	wake     chan struct{}
	closed   bool

	reaperDone chan struct{}
	reaperWG   sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithJournal persists messages to j. The queue closes j on Close.
func WithJournal(j *Journal) Option { return func(q *Queue) { q.journal = j } }

// WithLogger sets the logger used for redelivery and dead-letter events.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithClock overrides time.Now. Tests use it to expire visibility windows.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// New creates a Queue, restores journaled messages, and starts the
// visibility-timeout reaper. Call Close when done.
func New(cfg Config, opts ...Option) (*Queue, error) {
	def := DefaultConfig()
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}

	q := &Queue{
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
		ready:      list.New(),
		inFlight:   make(map[string]*inFlight),
		wake:       make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}

	if err := q.loadFromJournal(); err != nil {
		return nil, fmt.Errorf("queue: load journal: %w", err)
	}

	q.reaperWG.Add(1)
	go q.reaperLoop()
	return q, nil
}

// ─── Send ─────────────────────────────────────────────────────────────────────

// Send durably stores body (when journaled) and makes it ready. It returns
// the message id.
func (q *Queue) Send(ctx context.Context, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", ErrEmptyBody
	}
	if q.cfg.MaxMessageBytes > 0 && len(body) > q.cfg.MaxMessageBytes {
		return "", fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, len(body), q.cfg.MaxMessageBytes)
	}

	id, err := ident.NewID()
	if err != nil {
		return "", err
	}
	msg := &Message{
		ID:     id,
		Body:   append([]byte(nil), body...),
		SentAt: q.now().UTC().UnixMilli(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	if q.cfg.MaxMessages > 0 && q.ready.Len()+len(q.inFlight) >= q.cfg.MaxMessages {
		return "", fmt.Errorf("%w (%d messages)", ErrFull, q.cfg.MaxMessages)
	}
	if q.journal != nil {
		if err := q.journal.Put(*msg); err != nil {
			return "", fmt.Errorf("queue: send: %w", err)
		}
	}
	q.ready.PushBack(msg)
	q.notifyLocked()
	return id, nil
}

// ─── Receive ──────────────────────────────────────────────────────────────────

// Receive returns up to max ready messages, marking them in flight for
// VisibilityTimeout. If none are ready it waits up to wait for one to
// arrive (long poll) and returns an empty slice on timeout. A cancelled ctx
// ends the wait with ctx.Err().
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 || max > q.cfg.MaxBatchSize {
		max = q.cfg.MaxBatchSize
	}

	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		out, err := q.popLocked(max)
		wake := q.wake
		q.mu.Unlock()

		if err != nil || len(out) > 0 || timeout == nil {
			return out, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-wake:
		}
	}
}

// popLocked moves up to max ready messages in flight. Must hold q.mu.
func (q *Queue) popLocked(max int) ([]Delivery, error) {
	var out []Delivery
	visibleAt := q.now().Add(q.cfg.VisibilityTimeout)

	for len(out) < max && q.ready.Len() > 0 {
		front := q.ready.Front()
		msg := front.Value.(*Message)
		msg.Attempt++

		if q.journal != nil {
			if err := q.journal.Put(*msg); err != nil {
				msg.Attempt--
				return out, fmt.Errorf("queue: receive %s: %w", msg.ID, err)
			}
		}
		q.ready.Remove(front)

		receipt := ident.MustNewID()
		q.inFlight[receipt] = &inFlight{msg: *msg, receipt: receipt, visibleAt: visibleAt}
		out = append(out, Delivery{Message: *msg, ReceiptHandle: receipt, VisibleAt: visibleAt})
	}
	return out, nil
}

// ─── ACK / NACK ──────────────────────────────────────────────────────────────

// Ack removes the message for good.
func (q *Queue) Ack(ctx context.Context, receipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inFlight[receipt]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownReceipt, receipt)
	}
	if q.journal != nil {
		if err := q.journal.Delete(e.msg.ID); err != nil {
			return fmt.Errorf("queue: ack %s: %w", e.msg.ID, err)
		}
	}
	delete(q.inFlight, receipt)
	return nil
}

// Nack makes the message visible again immediately, or dead-letters it if
// it has used up MaxReceives.
func (q *Queue) Nack(ctx context.Context, receipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inFlight[receipt]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownReceipt, receipt)
	}
	delete(q.inFlight, receipt)
	return q.requeueLocked(e.msg, "nack")
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

// DeadLetterCount returns how many messages exhausted MaxReceives.
func (q *Queue) DeadLetterCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead)
}

// DrainDeadLetters removes and returns every dead-lettered message.
func (q *Queue) DrainDeadLetters() ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.dead
	q.dead = nil
	if q.journal != nil {
		for _, m := range out {
			if err := q.journal.DeleteDead(m.ID); err != nil {
				return out, fmt.Errorf("queue: drain dead letters: %w", err)
			}
		}
	}
	return out, nil
}

// DeadLetters returns a copy of the dead-letter list, oldest first.
func (q *Queue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.dead...)
}

// Redrive moves the dead-lettered messages with the given ids back to ready
// with their attempt count reset. Unknown ids are ignored. It returns how
// many messages were moved.
func (q *Queue) Redrive(ids []string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}

	moved := q.takeDeadLocked(ids)
	for i := range moved {
		m := moved[i]
		m.Attempt = 0
		if q.journal != nil {
			if err := q.journal.Revive(m); err != nil {
				// Keep the rest dead so nothing is lost.
				q.dead = append(q.dead, moved[i:]...)
				return i, fmt.Errorf("queue: redrive %s: %w", m.ID, err)
			}
		}
		q.ready.PushBack(&m)
	}
	if len(moved) > 0 {
		q.notifyLocked()
	}
	return len(moved), nil
}

// Discard drops the dead-lettered messages with the given ids.
func (q *Queue) Discard(ids []string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	gone := q.takeDeadLocked(ids)
	if q.journal != nil {
		for i, m := range gone {
			if err := q.journal.DeleteDead(m.ID); err != nil {
				// Messages still journalled as dead stay dead in memory too.
				q.dead = append(q.dead, gone[i:]...)
				return i, fmt.Errorf("queue: discard %s: %w", m.ID, err)
			}
		}
	}
	return len(gone), nil
}

// takeDeadLocked removes and returns the dead messages whose id is in ids.
// Must hold q.mu.
func (q *Queue) takeDeadLocked(ids []string) []Message {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var taken []Message
	kept := q.dead[:0]
	for _, m := range q.dead {
		if _, ok := want[m.ID]; ok {
			taken = append(taken, m)
			continue
		}
		kept = append(kept, m)
	}
	q.dead = kept
	return taken
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Len returns the number of ready messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len()
}

// InFlightCount returns the number of received, unacknowledged messages.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// VisibilityTimeout returns the effective visibility timeout.
func (q *Queue) VisibilityTimeout() time.Duration { return q.cfg.VisibilityTimeout }

// ─── Close ───────────────────────────────────────────────────────────────────

// Close stops the reaper, wakes every waiting Receive with ErrClosed and
// closes the journal. In-flight messages stay journaled and are ready again
// on the next New.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.notifyLocked()
	q.mu.Unlock()

	close(q.reaperDone)
	q.reaperWG.Wait()

	if q.journal != nil {
		return q.journal.Close()
	}
	return nil
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

// notifyLocked releases every Receive currently waiting. Must hold q.mu.
func (q *Queue) notifyLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// requeueLocked decides whether msg goes back to ready or to the dead-letter
// list. Must hold q.mu.
func (q *Queue) requeueLocked(msg Message, reason string) error {
	if q.cfg.MaxReceives > 0 && msg.Attempt >= q.cfg.MaxReceives {
		if q.journal != nil {
			if err := q.journal.MoveToDead(msg); err != nil {
				return fmt.Errorf("queue: dead letter %s: %w", msg.ID, err)
			}
		}
		q.dead = append(q.dead, msg)
		q.logger.Warn("queue: message dead-lettered",
			"message_id", msg.ID, "attempt", msg.Attempt, "reason", reason)
		return nil
	}

	m := msg
	q.ready.PushBack(&m)
	q.notifyLocked()
	q.logger.Debug("queue: message redelivered",
		"message_id", msg.ID, "attempt", msg.Attempt, "reason", reason)
	return nil
}

// loadFromJournal rebuilds the ready and dead lists. Everything that was not
// acked before the last shutdown, in flight or not, is ready again, sorted by
// id (ULID lex order ≈ send order).
func (q *Queue) loadFromJournal() error {
	if q.journal == nil {
		return nil
	}
	var ready []Message
	if err := q.journal.ForEach(func(m Message) error {
		ready = append(ready, m)
		return nil
	}); err != nil {
		return err
	}
	if err := q.journal.ForEachDead(func(m Message) error {
		q.dead = append(q.dead, m)
		return nil
	}); err != nil {
		return err
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	for i := range ready {
		q.ready.PushBack(&ready[i])
	}
	return nil
}

// ─── Visibility timeout reaper ────────────────────────────────────────────────

func (q *Queue) reaperLoop() {
	defer q.reaperWG.Done()
	ticker := time.NewTicker(q.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.reaperDone:
			return
		case <-ticker.C:
			q.reapExpired()
		}
	}
}

// reapExpired requeues every in-flight message whose visibility deadline has
// passed. Exported to tests through export_test.go.
func (q *Queue) reapExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var expired []*inFlight
	for _, e := range q.inFlight {
		if !now.Before(e.visibleAt) {
			expired = append(expired, e)
		}
	}
	// Oldest delivery first keeps redelivery order close to send order.
	sort.Slice(expired, func(i, j int) bool { return expired[i].msg.ID < expired[j].msg.ID })

	for _, e := range expired {
		delete(q.inFlight, e.receipt)
		if err := q.requeueLocked(e.msg, "visibility timeout"); err != nil {
			q.logger.Error("queue: requeue failed", "message_id", e.msg.ID, "error", err)
		}
	}
}
