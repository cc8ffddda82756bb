package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RequestRecord is one participation request.
//
// Rules:
//   - Created once in StatusReceived with identity fields and RequestedAt only.
//   - Status changes only through a conditional update guarded by the
//     expected prior status. Nothing else ever writes Status.
//   - All timestamps are UTC milliseconds since Unix epoch; zero means unset.
//   - The *IndexKey / *SortKey fields are the listing projection. They stay
//     empty until the record reaches StatusQueued.
type RequestRecord struct {
	RequestID   string    `json:"requestId"`
	EventID     string    `json:"eventId"`
	RequesterID string    `json:"requesterId"`
	EventKind   EventKind `json:"eventKind"`
	Status      Status    `json:"status"`

	RequestedAt int64 `json:"requestedAt"`
	QueuedAt    int64 `json:"queuedAt,omitempty"`
	StartedAt   int64 `json:"startedAt,omitempty"`
	FinishedAt  int64 `json:"finishedAt,omitempty"`

	UIResult     UIResult     `json:"uiResult"`
	ResultCode   ResultCode   `json:"resultCode"`
	FailureClass FailureClass `json:"failureClass"`
	ErrorMessage string       `json:"errorMessage,omitempty"`

	RequesterIndexKey string `json:"requesterIndexKey,omitempty"`
	RequesterSortKey  string `json:"requesterSortKey,omitempty"`
	EventIndexKey     string `json:"eventIndexKey,omitempty"`
	EventSortKey      string `json:"eventSortKey,omitempty"`
}

// Listed reports whether the record is visible to listing views.
func (r *RequestRecord) Listed() bool {
	return r.RequesterIndexKey != "" || r.EventIndexKey != ""
}

// IdempotencyLock pins one (event, requester) pair to the request that won
// admission. It is immutable once created.
type IdempotencyLock struct {
	EventID     string `json:"eventId"`
	RequesterID string `json:"requesterId"`
	RequestID   string `json:"requestId"`
	CreatedAt   int64  `json:"createdAt"`
}

// CapacityCounter is the remaining slot count of a capacity-limited event.
type CapacityCounter struct {
	EventID   string `json:"eventId"`
	Remaining int64  `json:"remaining"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ─── Queue message ────────────────────────────────────────────────────────────

// ErrMalformedMessage marks a queue payload that can never be processed.
var ErrMalformedMessage = errors.New("types: malformed participation message")

// ParticipationMessage is the body carried on the queue. Field names are part
// of the wire contract.
type ParticipationMessage struct {
	RequestID string    `json:"requestId"`
	EventID   string    `json:"eventId"`
	EventKind EventKind `json:"eventKind"`
}

// Validate checks that every required field is present.
func (m ParticipationMessage) Validate() error {
	switch {
	case m.RequestID == "":
		return fmt.Errorf("%w: requestId is required", ErrMalformedMessage)
	case m.EventID == "":
		return fmt.Errorf("%w: eventId is required", ErrMalformedMessage)
	case m.EventKind == KindUnknown:
		return fmt.Errorf("%w: eventKind is required", ErrMalformedMessage)
	}
	return nil
}

// Encode serialises m after validating it.
func (m ParticipationMessage) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeParticipationMessage parses and validates a queue body. Every failure
// wraps ErrMalformedMessage.
func DecodeParticipationMessage(body []byte) (ParticipationMessage, error) {
	var m ParticipationMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return ParticipationMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return ParticipationMessage{}, err
	}
	return m, nil
}
