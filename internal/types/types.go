// Package types contains the core domain types shared across all admitq
// internal packages. It imports no other admitq package so that storage,
// lifecycle, admission and worker code can all depend on it without cycles.
//
// Every enum here is closed: String() gives the wire name, Parse* rejects
// anything it does not know, and MarshalText/UnmarshalText route JSON and
// database encoding through those two functions.
package types

import "fmt"

// ─── Status ───────────────────────────────────────────────────────────────────

// Status is the lifecycle state of a participation request.
type Status uint8

const (
	// StatusUnknown is the zero value. It is never persisted.
	StatusUnknown Status = iota
	// StatusReceived means the request was accepted and written but has not
	// been handed to the queue yet.
	StatusReceived
	// StatusQueued means the message is on the queue and waiting for a worker.
	StatusQueued
	// StatusProcessing means exactly one worker has claimed the request.
	StatusProcessing
	// StatusSucceeded is terminal: the requester got a slot (or the event is
	// unconstrained).
	StatusSucceeded
	// StatusRejected is terminal: the event ran out of capacity.
	StatusRejected
	// StatusFailedFinal is terminal: the request could not be processed.
	StatusFailedFinal
)

var statusNames = [...]string{
	StatusUnknown:     "",
	StatusReceived:    "RECEIVED",
	StatusQueued:      "QUEUED",
	StatusProcessing:  "PROCESSING",
	StatusSucceeded:   "SUCCEEDED",
	StatusRejected:    "REJECTED",
	StatusFailedFinal: "FAILED_FINAL",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusRejected || s == StatusFailedFinal
}

// ParseStatus maps a wire name back to a Status.
func ParseStatus(v string) (Status, error) {
	for i, name := range statusNames {
		if name != "" && name == v {
			return Status(i), nil
		}
	}
	return StatusUnknown, fmt.Errorf("types: unknown status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	if s == StatusUnknown || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("types: cannot encode status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ─── EventKind ────────────────────────────────────────────────────────────────

// EventKind separates capacity-limited events from unconstrained ones.
type EventKind uint8

const (
	KindUnknown EventKind = iota
	// KindFirstCome events admit at most CapacityCounter.Remaining successes.
	KindFirstCome
	// KindGeneral events succeed without touching a capacity counter.
	KindGeneral
)

var kindNames = [...]string{
	KindUnknown:   "",
	KindFirstCome: "FIRST_COME",
	KindGeneral:   "GENERAL",
}

func (k EventKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// CapacityLimited reports whether processing must reserve a slot.
func (k EventKind) CapacityLimited() bool { return k == KindFirstCome }

// ParseEventKind maps a wire name back to an EventKind.
func ParseEventKind(v string) (EventKind, error) {
	for i, name := range kindNames {
		if name != "" && name == v {
			return EventKind(i), nil
		}
	}
	return KindUnknown, fmt.Errorf("types: unknown event kind %q", v)
}

func (k EventKind) MarshalText() ([]byte, error) {
	if k == KindUnknown || int(k) >= len(kindNames) {
		return nil, fmt.Errorf("types: cannot encode event kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(b []byte) error {
	v, err := ParseEventKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ─── Outcome enums ────────────────────────────────────────────────────────────
// UIResult, ResultCode and FailureClass share one shape: the zero value means
// "not set yet" and encodes as the empty string.

// UIResult is the coarse outcome shown to end users.
type UIResult uint8

const (
	UIUnset UIResult = iota
	UIPending
	UISuccess
	UIRejected
	UIFailed
)

var uiNames = [...]string{"", "PENDING", "SUCCESS", "REJECTED", "FAILED"}

func (u UIResult) String() string {
	if int(u) < len(uiNames) {
		return uiNames[u]
	}
	return fmt.Sprintf("UIResult(%d)", uint8(u))
}

// OrPending returns UIPending for an unset value.
func (u UIResult) OrPending() UIResult {
	if u == UIUnset {
		return UIPending
	}
	return u
}

func ParseUIResult(v string) (UIResult, error) {
	i, err := parseOptional(uiNames[:], v, "ui result")
	return UIResult(i), err
}

func (u UIResult) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

func (u *UIResult) UnmarshalText(b []byte) error {
	v, err := ParseUIResult(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// ResultCode is the machine-readable reason for a terminal state.
type ResultCode uint8

const (
	ResultNone ResultCode = iota
	ResultSuccess
	ResultRejectedCapacity
	ResultFailedIngestEnqueue
)

var resultNames = [...]string{"", "SUCCESS", "REJECTED_CAPACITY", "FAILED_INGEST_ENQUEUE"}

func (r ResultCode) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("ResultCode(%d)", uint8(r))
}

func ParseResultCode(v string) (ResultCode, error) {
	i, err := parseOptional(resultNames[:], v, "result code")
	return ResultCode(i), err
}

func (r ResultCode) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *ResultCode) UnmarshalText(b []byte) error {
	v, err := ParseResultCode(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// FailureClass tells clients whether retrying the same request can help.
type FailureClass uint8

const (
	FailureNone FailureClass = iota
	FailureNonRetryable
	FailureRetryable
)

var failureNames = [...]string{"", "NON_RETRYABLE", "RETRYABLE"}

func (f FailureClass) String() string {
	if int(f) < len(failureNames) {
		return failureNames[f]
	}
	return fmt.Sprintf("FailureClass(%d)", uint8(f))
}

func ParseFailureClass(v string) (FailureClass, error) {
	i, err := parseOptional(failureNames[:], v, "failure class")
	return FailureClass(i), err
}

func (f FailureClass) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *FailureClass) UnmarshalText(b []byte) error {
	v, err := ParseFailureClass(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

func parseOptional(names []string, v, what string) (uint8, error) {
	for i, name := range names {
		if name == v {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("types: unknown %s %q", what, v)
}
