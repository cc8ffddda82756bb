// Package lifecycle owns the request state graph and performs every status
// change as a conditional update guarded by the expected prior status.
//
// No in-process lock protects a record. Two callers racing on the same edge
// both reach the store and exactly one of them gets ResultSuccess; the other
// gets ResultConditionFailed and decides what that means for it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/types"
)

// ErrInvalidTransition is a programming error: an edge outside the graph, or
// a patch built for a different edge. It is returned before any store access.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

// ErrInvalidRecord is returned by Create for a record missing identity fields.
var ErrInvalidRecord = errors.New("lifecycle: invalid record")

// Result is the expected, non-error outcome of a transition.
type Result uint8

const (
	// ResultSuccess means the record moved from → to.
	ResultSuccess Result = iota + 1
	// ResultConditionFailed means the stored status was not `from` (or the
	// record does not exist). Someone else already moved it forward.
	ResultConditionFailed
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultConditionFailed:
		return "condition_failed"
	}
	return fmt.Sprintf("Result(%d)", uint8(r))
}

// Observer is told about every transition that reached the store.
type Observer func(edge Edge, result Result)

// Option configures a Machine.
type Option func(*Machine)

// WithObserver registers fn. Multiple observers run in registration order.
func WithObserver(fn Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, fn) }
}

// Machine executes transitions against a record store.
type Machine struct {
	store     storage.RecordStore
	observers []Observer
}

// New returns a Machine over store.
func New(store storage.RecordStore, opts ...Option) *Machine {
	m := &Machine{store: store}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Transition applies patch and the new status `to` as one conditional update
// whose precondition is "stored status == from".
func (m *Machine) Transition(ctx context.Context, requestID string, from, to types.Status, patch Patch) (Result, error) {
	edge := Edge{From: from, To: to}
	if !ValidTransition(from, to) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidTransition, edge)
	}
	if patch == nil {
		return 0, fmt.Errorf("%w: %s: nil patch", ErrInvalidTransition, edge)
	}
	if pe := patch.edge(); pe != edge {
		return 0, fmt.Errorf("%w: %s: %T belongs to %s", ErrInvalidTransition, edge, patch, pe)
	}

	err := m.store.UpdateRecordIf(ctx, requestID, from, to, patch.fields(requestID))
	switch {
	case errors.Is(err, storage.ErrConditionFailed):
		m.observe(edge, ResultConditionFailed)
		return ResultConditionFailed, nil
	case err != nil:
		return 0, fmt.Errorf("lifecycle: %s %s: %w", requestID, edge, err)
	}
	m.observe(edge, ResultSuccess)
	return ResultSuccess, nil
}

// Create persists the initial RECEIVED record. Only identity fields and
// RequestedAt are kept from rec; everything else starts unset, so the record
// is invisible to listing views until it is queued.
func (m *Machine) Create(ctx context.Context, rec types.RequestRecord) error {
	var missing []string
	if rec.RequestID == "" {
		missing = append(missing, "requestId")
	}
	if rec.EventID == "" {
		missing = append(missing, "eventId")
	}
	if rec.RequesterID == "" {
		missing = append(missing, "requesterId")
	}
	if rec.EventKind == types.KindUnknown {
		missing = append(missing, "eventKind")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRecord, strings.Join(missing, ", "))
	}

	fresh := types.RequestRecord{
		RequestID:   rec.RequestID,
		EventID:     rec.EventID,
		RequesterID: rec.RequesterID,
		EventKind:   rec.EventKind,
		Status:      types.StatusReceived,
		RequestedAt: rec.RequestedAt,
	}
	if err := m.store.CreateRecord(ctx, fresh); err != nil {
		return fmt.Errorf("lifecycle: create %s: %w", rec.RequestID, err)
	}
	return nil
}

// Get returns the stored record, or an error wrapping storage.ErrNotFound.
func (m *Machine) Get(ctx context.Context, requestID string) (types.RequestRecord, error) {
	rec, err := m.store.GetRecord(ctx, requestID)
	if err != nil {
		return rec, fmt.Errorf("lifecycle: get %s: %w", requestID, err)
	}
	return rec, nil
}

func (m *Machine) observe(edge Edge, r Result) {
	for _, fn := range m.observers {
		fn(edge, r)
	}
}
