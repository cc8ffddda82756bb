package lifecycle

// graph.go: request lifecycle transition rules.
//
// State diagram:
//
//	RECEIVED ──────────────► QUEUED ──────────────► PROCESSING
//	    │      (enqueued)              (claimed)         │
//	    │                                   ┌────────────┼─────────────┐
//	    │ (enqueue failed)                  ▼            ▼             ▼
//	    └─────────────────────────────► FAILED_FINAL  SUCCEEDED     REJECTED
//	                                      (failed)    (succeeded)  (no capacity)
//
// SUCCEEDED, REJECTED and FAILED_FINAL are terminal.

import (
	"fmt"

	"github.com/snehjoshi/admitq/internal/types"
)

// Edge is one allowed (from, to) pair.
type Edge struct {
	From types.Status
	To   types.Status
}

func (e Edge) String() string { return fmt.Sprintf("%s->%s", e.From, e.To) }

// ValidTransition reports whether from → to is a legal status change.
func ValidTransition(from, to types.Status) bool {
	switch from {
	case types.StatusReceived:
		// RECEIVED → QUEUED on enqueue, → FAILED_FINAL when the enqueue failed.
		return to == types.StatusQueued || to == types.StatusFailedFinal
	case types.StatusQueued:
		// QUEUED can only be claimed by a worker.
		return to == types.StatusProcessing
	case types.StatusProcessing:
		return to == types.StatusSucceeded || to == types.StatusRejected || to == types.StatusFailedFinal
	}
	// Terminal and unknown states have no outgoing edges.
	return false
}

// Edges lists every allowed transition in diagram order.
func Edges() []Edge {
	return []Edge{
		{types.StatusReceived, types.StatusQueued},
		{types.StatusReceived, types.StatusFailedFinal},
		{types.StatusQueued, types.StatusProcessing},
		{types.StatusProcessing, types.StatusSucceeded},
		{types.StatusProcessing, types.StatusRejected},
		{types.StatusProcessing, types.StatusFailedFinal},
	}
}
