package lifecycle

import (
	"github.com/snehjoshi/admitq/internal/keys"
	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/types"
)

// Patch is the typed payload of one edge. Each concrete type below belongs to
// exactly one edge and none of them can carry a status.
type Patch interface {
	edge() Edge
	fields(requestID string) storage.RecordPatch
}

// Enqueued is the RECEIVED → QUEUED payload. It also publishes the record to
// the requester and event listings.
type Enqueued struct {
	QueuedAt    int64
	RequesterID string
	EventID     string
}

func (Enqueued) edge() Edge { return Edge{types.StatusReceived, types.StatusQueued} }

func (p Enqueued) fields(requestID string) storage.RecordPatch {
	sort := keys.QueuedSort(p.QueuedAt, requestID)
	return storage.RecordPatch{
		QueuedAt:          p.QueuedAt,
		RequesterIndexKey: keys.Requester(p.RequesterID),
		RequesterSortKey:  sort,
		EventIndexKey:     keys.Event(p.EventID),
		EventSortKey:      sort,
	}
}

// EnqueueFailed is the RECEIVED → FAILED_FINAL compensation payload.
type EnqueueFailed struct {
	FinishedAt   int64
	ErrorMessage string
}

func (EnqueueFailed) edge() Edge { return Edge{types.StatusReceived, types.StatusFailedFinal} }

func (p EnqueueFailed) fields(string) storage.RecordPatch {
	return storage.RecordPatch{
		FinishedAt:   p.FinishedAt,
		UIResult:     types.UIFailed,
		ResultCode:   types.ResultFailedIngestEnqueue,
		ErrorMessage: p.ErrorMessage,
	}
}

// Claimed is the QUEUED → PROCESSING payload.
type Claimed struct {
	StartedAt int64
}

func (Claimed) edge() Edge { return Edge{types.StatusQueued, types.StatusProcessing} }

func (p Claimed) fields(string) storage.RecordPatch {
	return storage.RecordPatch{StartedAt: p.StartedAt}
}

// Succeeded is the PROCESSING → SUCCEEDED payload.
type Succeeded struct {
	FinishedAt int64
}

func (Succeeded) edge() Edge { return Edge{types.StatusProcessing, types.StatusSucceeded} }

func (p Succeeded) fields(string) storage.RecordPatch {
	return storage.RecordPatch{
		FinishedAt: p.FinishedAt,
		UIResult:   types.UISuccess,
		ResultCode: types.ResultSuccess,
	}
}

// Rejected is the PROCESSING → REJECTED payload. Code defaults to
// REJECTED_CAPACITY.
type Rejected struct {
	FinishedAt int64
	Code       types.ResultCode
}

func (Rejected) edge() Edge { return Edge{types.StatusProcessing, types.StatusRejected} }

func (p Rejected) fields(string) storage.RecordPatch {
	code := p.Code
	if code == types.ResultNone {
		code = types.ResultRejectedCapacity
	}
	return storage.RecordPatch{
		FinishedAt:   p.FinishedAt,
		UIResult:     types.UIRejected,
		ResultCode:   code,
		FailureClass: types.FailureNonRetryable,
	}
}

// Failed is the PROCESSING → FAILED_FINAL payload.
type Failed struct {
	FinishedAt   int64
	ErrorMessage string
	Class        types.FailureClass
}

func (Failed) edge() Edge { return Edge{types.StatusProcessing, types.StatusFailedFinal} }

func (p Failed) fields(string) storage.RecordPatch {
	class := p.Class
	if class == types.FailureNone {
		class = types.FailureNonRetryable
	}
	return storage.RecordPatch{
		FinishedAt:   p.FinishedAt,
		UIResult:     types.UIFailed,
		FailureClass: class,
		ErrorMessage: p.ErrorMessage,
	}
}
