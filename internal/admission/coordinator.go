// Package admission turns a participation call into exactly one request
// record per (event, requester) and hands it to the workers.
//
// The caller never waits for the outcome: Admit returns the request id as
// soon as the record exists, and the status query reports progress.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snehjoshi/admitq/internal/idempotency"
	"github.com/snehjoshi/admitq/internal/ident"
	"github.com/snehjoshi/admitq/internal/keys"
	"github.com/snehjoshi/admitq/internal/lifecycle"
	"github.com/snehjoshi/admitq/internal/metrics"
	"github.com/snehjoshi/admitq/internal/tracing"
	"github.com/snehjoshi/admitq/internal/types"
)

var (
	// ErrInvalidInput is returned before any side effect for an empty event
	// or requester id, or one containing a key separator.
	ErrInvalidInput = errors.New("admission: invalid input")

	// ErrInconsistentLock means a lock existed when TryLock ran but could not
	// be read back. It is a store fault and is never papered over.
	ErrInconsistentLock = errors.New("admission: idempotency lock vanished")
)

// Sender publishes one encoded participation message.
type Sender interface {
	Send(ctx context.Context, body []byte) (string, error)
}

// Admission is the result of a successful Admit.
type Admission struct {
	RequestID string `json:"requestId"`
	Duplicate bool   `json:"duplicate"`
}

// Coordinator runs the admission sequence.
type Coordinator struct {
	guard   *idempotency.Guard
	machine *lifecycle.Machine
	sender  Sender
	kinds   KindResolver
	newID   func() (string, error)
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Registry
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithKindResolver overrides the default of FixedKind(types.KindGeneral).
func WithKindResolver(r KindResolver) Option { return func(c *Coordinator) { c.kinds = r } }

// WithIDGenerator overrides ident.NewID.
func WithIDGenerator(fn func() (string, error)) Option { return func(c *Coordinator) { c.newID = fn } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithMetrics attaches a registry that counts admission outcomes.
func WithMetrics(reg *metrics.Registry) Option { return func(c *Coordinator) { c.metrics = reg } }

// New returns a Coordinator.
func New(guard *idempotency.Guard, machine *lifecycle.Machine, sender Sender, opts ...Option) *Coordinator {
	c := &Coordinator{
		guard:   guard,
		machine: machine,
		sender:  sender,
		kinds:   FixedKind(types.KindGeneral),
		newID:   ident.NewID,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Admit records a participation attempt for (eventID, requesterID).
//
// A repeat call for the same pair returns the first call's request id with
// Duplicate set. Once the record has been created Admit returns its id even if
// publishing to the queue failed; that failure is visible as FAILED_FINAL on
// the record.
func (c *Coordinator) Admit(ctx context.Context, eventID, requesterID string) (adm Admission, err error) {
	if eventID == "" || requesterID == "" {
		return Admission{}, fmt.Errorf("%w: eventId and requesterId are required", ErrInvalidInput)
	}
	if !keys.ValidComponent(eventID) || !keys.ValidComponent(requesterID) {
		return Admission{}, fmt.Errorf("%w: ids must not contain %q", ErrInvalidInput, keys.Reserved)
	}

	ctx, span := tracing.StartAdmit(ctx, eventID, requesterID)
	defer func() {
		if err == nil {
			span.SetAttributes(tracing.AttrRequestID.String(adm.RequestID))
		}
		tracing.End(span, err)
	}()

	log := c.logger.With("event_id", eventID, "requester_id", requesterID)

	candidate, err := c.newID()
	if err != nil {
		c.count(metrics.AdmitError)
		return Admission{}, fmt.Errorf("admission: generate id: %w", err)
	}

	// Kind resolution precedes the lock so that only Create sits between the
	// lock and its record.
	kind, err := c.kinds.Resolve(ctx, eventID)
	if err != nil {
		c.count(metrics.AdmitError)
		return Admission{}, fmt.Errorf("admission: resolve kind for %s: %w", eventID, err)
	}

	locked, err := c.guard.TryLock(ctx, eventID, requesterID, candidate)
	if err != nil {
		c.count(metrics.AdmitError)
		return Admission{}, err
	}
	if !locked {
		existing, err := c.guard.Resolve(ctx, eventID, requesterID)
		if err != nil {
			c.count(metrics.AdmitError)
			return Admission{}, err
		}
		if existing == "" {
			c.count(metrics.AdmitError)
			return Admission{}, fmt.Errorf("%w: %s/%s", ErrInconsistentLock, eventID, requesterID)
		}
		c.count(metrics.AdmitDuplicate)
		log.Debug("duplicate admission", "request_id", existing)
		return Admission{RequestID: existing, Duplicate: true}, nil
	}

	// The lock is ours. Record writes from here on ignore the caller going
	// away so the request cannot stall before a worker can see it.
	detached := context.WithoutCancel(ctx)

	log = log.With("request_id", candidate)
	if err := c.machine.Create(detached, types.RequestRecord{
		RequestID:   candidate,
		EventID:     eventID,
		RequesterID: requesterID,
		EventKind:   kind,
		RequestedAt: c.nowMs(),
	}); err != nil {
		c.count(metrics.AdmitError)
		return Admission{}, err
	}

	body, err := types.ParticipationMessage{RequestID: candidate, EventID: eventID, EventKind: kind}.Encode()
	if err == nil {
		_, err = c.sender.Send(ctx, body)
	}
	if err != nil {
		c.count(metrics.AdmitEnqueueFailed)
		c.failEnqueue(detached, log, candidate, err)
		return Admission{RequestID: candidate}, nil
	}

	res, terr := c.machine.Transition(detached, candidate, types.StatusReceived, types.StatusQueued,
		lifecycle.Enqueued{QueuedAt: c.nowMs(), RequesterID: requesterID, EventID: eventID})
	switch {
	case terr != nil:
		log.Error("mark queued failed", "error", terr)
	case res == lifecycle.ResultConditionFailed:
		// A worker already claimed it; the record is past QUEUED.
		log.Debug("mark queued lost race to worker")
	}

	c.count(metrics.AdmitAccepted)
	log.Info("admitted", "event_kind", kind.String())
	return Admission{RequestID: candidate}, nil
}

// failEnqueue moves the record to FAILED_FINAL. ctx must already be detached
// from the caller's cancellation; it is attempted once.
func (c *Coordinator) failEnqueue(ctx context.Context, log *slog.Logger, requestID string, cause error) {
	res, err := c.machine.Transition(ctx, requestID, types.StatusReceived, types.StatusFailedFinal,
		lifecycle.EnqueueFailed{FinishedAt: c.nowMs(), ErrorMessage: cause.Error()})
	switch {
	case err != nil:
		log.Error("enqueue failed and compensation failed", "enqueue_error", cause, "error", err)
	case res == lifecycle.ResultConditionFailed:
		log.Warn("enqueue failed but record already moved", "enqueue_error", cause)
	default:
		log.Warn("enqueue failed", "error", cause)
	}
}

func (c *Coordinator) count(outcome string) {
	if c.metrics != nil {
		c.metrics.Admissions.Inc(outcome)
	}
}

func (c *Coordinator) nowMs() int64 { return c.now().UTC().UnixMilli() }
