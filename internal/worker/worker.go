// Package worker consumes participation messages and drives each request to
// a terminal status.
//
// Delivery is at-least-once, so every step is written to be safe on replay:
// the claim is a conditional transition, and a message whose record has
// already moved on is acknowledged without touching anything.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/admitq/internal/capacity"
	"github.com/snehjoshi/admitq/internal/lifecycle"
	"github.com/snehjoshi/admitq/internal/metrics"
	"github.com/snehjoshi/admitq/internal/queue"
	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/tracing"
	"github.com/snehjoshi/admitq/internal/types"
)

// ErrMalformedMessage marks a body that can never be processed.
var ErrMalformedMessage = types.ErrMalformedMessage

// Source is the queue side the loop depends on.
type Source interface {
	Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error)
	Ack(ctx context.Context, receipt string) error
}

// Config tunes the dispatch loop.
type Config struct {
	Concurrency int
	BatchSize   int
	PollWait    time.Duration
	// HeartbeatInterval <= 0 disables the heartbeat log line.
	HeartbeatInterval time.Duration
	// StrandedAfter is how old a PROCESSING claim must be before a
	// redelivery logs it as possibly stranded. <= 0 disables the check.
	StrandedAfter time.Duration
	// ErrorBackoff is the pause after a failed Receive.
	ErrorBackoff time.Duration
	// FinishTimeout bounds the reserve and finalize steps after a claim.
	// They ignore cancellation of the loop so a shutdown does not leave a
	// claimed request in PROCESSING.
	FinishTimeout time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		BatchSize:         10,
		PollWait:          20 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		StrandedAfter:     30 * time.Second,
		ErrorBackoff:      time.Second,
		FinishTimeout:     10 * time.Second,
	}
}

// Outcome is what Process did with one delivery.
type Outcome uint8

const (
	OutcomeMalformed Outcome = iota + 1
	OutcomeSucceeded
	OutcomeRejected
	// OutcomeAlreadyHandled: the claim lost because the record is already
	// PROCESSING or terminal.
	OutcomeAlreadyHandled
	// OutcomeNotReady: the record is still RECEIVED or QUEUED after a lost
	// claim. The message is left to be redelivered.
	OutcomeNotReady
	OutcomeRecordMissing
	// OutcomeFinalizeLost: the record left PROCESSING between claim and
	// finalize.
	OutcomeFinalizeLost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMalformed:
		return "malformed"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAlreadyHandled:
		return "already_handled"
	case OutcomeNotReady:
		return "not_ready"
	case OutcomeRecordMissing:
		return "record_missing"
	case OutcomeFinalizeLost:
		return "finalize_lost"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// Acked reports whether the message is acknowledged for this outcome.
func (o Outcome) Acked() bool { return o != OutcomeNotReady }

// Loop pulls messages from a Source and processes them.
type Loop struct {
	src      Source
	machine  *lifecycle.Machine
	ledger   *capacity.Ledger
	cfg      Config
	workerID string
	logger   *slog.Logger
	metrics  *metrics.Registry
	now      func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithWorkerID tags log lines with id.
func WithWorkerID(id string) Option { return func(l *Loop) { l.workerID = id } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(lg *slog.Logger) Option { return func(l *Loop) { l.logger = lg } }

// WithMetrics attaches a registry that counts outcomes and reservations.
func WithMetrics(reg *metrics.Registry) Option { return func(l *Loop) { l.metrics = reg } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// New returns a Loop. Zero fields in cfg take their DefaultConfig values.
func New(src Source, machine *lifecycle.Machine, ledger *capacity.Ledger, cfg Config, opts ...Option) *Loop {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = def.PollWait
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = def.FinishTimeout
	}
	l := &Loop{
		src:     src,
		machine: machine,
		ledger:  ledger,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("worker_id", l.workerID)
	return l
}

// Run starts Concurrency receivers and blocks until ctx is cancelled or the
// source is closed, then waits for in-progress messages to finish.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("worker loop starting",
		"concurrency", l.cfg.Concurrency, "batch_size", l.cfg.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < l.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			l.receiveLoop(ctx, slot)
		}(i)
	}
	if l.cfg.HeartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.heartbeat(ctx)
		}()
	}
	wg.Wait()

	l.logger.Info("worker loop stopped")
	return nil
}

func (l *Loop) receiveLoop(ctx context.Context, slot int) {
	log := l.logger.With("slot", slot)
	for ctx.Err() == nil {
		ds, err := l.src.Receive(ctx, l.cfg.BatchSize, l.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error("receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.cfg.ErrorBackoff):
			}
			continue
		}
		for _, d := range ds {
			// After cancellation the claim of each remaining message fails
			// and it is redelivered later. A message already claimed
			// finishes under FinishTimeout.
			if _, err := l.Process(ctx, d); err != nil {
				log.Warn("message left for redelivery", "message_id", d.ID, "attempt", d.Attempt, "error", err)
			}
		}
	}
}

func (l *Loop) heartbeat(ctx context.Context) {
	t := time.NewTicker(l.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.logger.Info("worker alive")
		}
	}
}

// Process handles one delivery and acknowledges it when the outcome allows.
// A non-nil error means the message was not acknowledged and will be
// redelivered after its visibility timeout.
func (l *Loop) Process(ctx context.Context, d queue.Delivery) (outcome Outcome, err error) {
	ctx, span := tracing.StartProcess(ctx, d.ID, d.Attempt)
	defer func() {
		if err == nil {
			span.SetAttributes(tracing.AttrOutcome.String(outcome.String()))
		}
		tracing.End(span, err)
	}()

	outcome, err = l.process(ctx, d)
	if err != nil {
		l.countOutcome("error")
		return 0, err
	}
	if outcome.Acked() {
		// The outcome is already recorded; acking must not depend on the loop
		// still running.
		if err := l.src.Ack(context.WithoutCancel(ctx), d.ReceiptHandle); err != nil {
			l.countOutcome("error")
			return outcome, fmt.Errorf("worker: ack %s: %w", d.ID, err)
		}
	}
	l.countOutcome(outcome.String())
	return outcome, nil
}

func (l *Loop) process(ctx context.Context, d queue.Delivery) (Outcome, error) {
	msg, err := types.DecodeParticipationMessage(d.Body)
	if err != nil {
		l.logger.Warn("dropping malformed message", "message_id", d.ID, "error", err)
		return OutcomeMalformed, nil
	}
	log := l.logger.With("request_id", msg.RequestID, "event_id", msg.EventID)

	res, err := l.machine.Transition(ctx, msg.RequestID, types.StatusQueued, types.StatusProcessing,
		lifecycle.Claimed{StartedAt: l.nowMs()})
	if err != nil {
		return 0, err
	}
	if res == lifecycle.ResultConditionFailed {
		return l.afterLostClaim(ctx, log, msg.RequestID, d)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.FinishTimeout)
	defer cancel()

	reserved := false
	if msg.EventKind.CapacityLimited() {
		reserved, err = l.ledger.TryReserve(ctx, msg.EventID)
		if err != nil {
			return 0, err
		}
		if reserved {
			l.countReservation(metrics.ReserveGranted)
		} else {
			l.countReservation(metrics.ReserveExhausted)
		}
	}

	var (
		to      types.Status
		patch   lifecycle.Patch
		outcome Outcome
	)
	if msg.EventKind.CapacityLimited() && !reserved {
		to, patch, outcome = types.StatusRejected,
			lifecycle.Rejected{FinishedAt: l.nowMs(), Code: types.ResultRejectedCapacity}, OutcomeRejected
	} else {
		to, patch, outcome = types.StatusSucceeded, lifecycle.Succeeded{FinishedAt: l.nowMs()}, OutcomeSucceeded
	}

	res, err = l.machine.Transition(ctx, msg.RequestID, types.StatusProcessing, to, patch)
	if err != nil {
		if reserved {
			log.Error("finalize failed after reserving a slot; the slot is not returned", "error", err)
		}
		return 0, err
	}
	if res == lifecycle.ResultConditionFailed {
		log.Warn("record left PROCESSING before finalize", "wanted", to.String())
		return OutcomeFinalizeLost, nil
	}

	log.Info("request finalized", "status", to.String(), "attempt", d.Attempt)
	return outcome, nil
}

func (l *Loop) afterLostClaim(ctx context.Context, log *slog.Logger, requestID string, d queue.Delivery) (Outcome, error) {
	rec, err := l.machine.Get(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("message for unknown request")
		return OutcomeRecordMissing, nil
	}
	if err != nil {
		return 0, err
	}

	switch {
	case rec.Status == types.StatusReceived || rec.Status == types.StatusQueued:
		log.Debug("record not claimable yet", "status", rec.Status.String())
		return OutcomeNotReady, nil
	case rec.Status == types.StatusProcessing:
		if age := time.Duration(l.nowMs()-rec.StartedAt) * time.Millisecond; l.cfg.StrandedAfter > 0 && age > l.cfg.StrandedAfter {
			log.Warn("request possibly stranded in PROCESSING",
				"started_at", rec.StartedAt, "age", age.String(), "attempt", d.Attempt)
		}
		return OutcomeAlreadyHandled, nil
	default:
		log.Debug("redelivery after terminal status", "status", rec.Status.String())
		return OutcomeAlreadyHandled, nil
	}
}

func (l *Loop) countOutcome(o string) {
	if l.metrics != nil {
		l.metrics.WorkerOutcomes.Inc(o)
	}
}

func (l *Loop) countReservation(o string) {
	if l.metrics != nil {
		l.metrics.Reservations.Inc(o)
	}
}

func (l *Loop) nowMs() int64 { return l.now().UTC().UnixMilli() }
