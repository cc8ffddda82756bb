// Package query is the read side: status lookups for callers and the
// listing views for requesters and operators.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/snehjoshi/admitq/internal/capacity"
	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/types"
)

// ErrNotFound is returned for an unknown request or an unprovisioned event.
var ErrNotFound = errors.New("query: not found")

const (
	DefaultLimit = 100
	MaxLimit     = 100
)

// StatusView is what a caller sees for one request.
type StatusView struct {
	RequestID    string             `json:"requestId"`
	EventID      string             `json:"eventId"`
	Status       types.Status       `json:"status"`
	UIResult     types.UIResult     `json:"uiResult"`
	ResultCode   types.ResultCode   `json:"resultCode,omitempty"`
	FailureClass types.FailureClass `json:"failureClass,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	RequestedAt  int64              `json:"requestedAt"`
	FinishedAt   int64              `json:"finishedAt,omitempty"`
	Terminal     bool               `json:"terminal"`
}

// NewStatusView projects rec. An unset uiResult reads as PENDING.
func NewStatusView(rec types.RequestRecord) StatusView {
	return StatusView{
		RequestID:    rec.RequestID,
		EventID:      rec.EventID,
		Status:       rec.Status,
		UIResult:     rec.UIResult.OrPending(),
		ResultCode:   rec.ResultCode,
		FailureClass: rec.FailureClass,
		ErrorMessage: rec.ErrorMessage,
		RequestedAt:  rec.RequestedAt,
		FinishedAt:   rec.FinishedAt,
		Terminal:     rec.Status.IsTerminal(),
	}
}

// Service answers read queries.
type Service struct {
	records storage.RecordStore
	ledger  *capacity.Ledger
}

// New returns a Service. ledger may be nil, in which case Capacity always
// reports ErrNotFound.
func New(records storage.RecordStore, ledger *capacity.Ledger) *Service {
	return &Service{records: records, ledger: ledger}
}

// Status returns the caller view of one request.
func (s *Service) Status(ctx context.Context, requestID string) (StatusView, error) {
	rec, err := s.Record(ctx, requestID)
	if err != nil {
		return StatusView{}, err
	}
	return NewStatusView(rec), nil
}

// Record returns the full stored record, for operators.
func (s *Service) Record(ctx context.Context, requestID string) (types.RequestRecord, error) {
	rec, err := s.records.GetRecord(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return types.RequestRecord{}, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	if err != nil {
		return types.RequestRecord{}, fmt.Errorf("query: request %s: %w", requestID, err)
	}
	return rec, nil
}

// ForRequester lists a requester's queued-or-later requests, newest first.
func (s *Service) ForRequester(ctx context.Context, requesterID string, limit int) ([]StatusView, error) {
	recs, err := s.records.ListByRequester(ctx, requesterID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query: requester %s: %w", requesterID, err)
	}
	out := make([]StatusView, 0, len(recs))
	for _, r := range recs {
		out = append(out, NewStatusView(r))
	}
	return out, nil
}

// ForEvent lists an event's queued-or-later records, newest first.
func (s *Service) ForEvent(ctx context.Context, eventID string, limit int) ([]types.RequestRecord, error) {
	recs, err := s.records.ListByEvent(ctx, eventID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query: event %s: %w", eventID, err)
	}
	if recs == nil {
		recs = []types.RequestRecord{}
	}
	return recs, nil
}

// Capacity returns the counter of a capacity-limited event.
func (s *Service) Capacity(ctx context.Context, eventID string) (types.CapacityCounter, error) {
	if s.ledger == nil {
		return types.CapacityCounter{}, fmt.Errorf("%w: capacity %s", ErrNotFound, eventID)
	}
	c, found, err := s.ledger.Remaining(ctx, eventID)
	if err != nil {
		return types.CapacityCounter{}, err
	}
	if !found {
		return types.CapacityCounter{}, fmt.Errorf("%w: capacity %s", ErrNotFound, eventID)
	}
	return c, nil
}

// ClampLimit maps limit into [1, MaxLimit]; values <= 0 mean DefaultLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
