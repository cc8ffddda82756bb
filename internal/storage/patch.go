package storage

import "github.com/snehjoshi/admitq/internal/types"

// RecordPatch lists the non-status fields a conditional update may write.
// A zero field means "leave unchanged". There is no Status
// field: status is only ever written by the `to` argument of UpdateRecordIf.
type RecordPatch struct {
	QueuedAt   int64
	StartedAt  int64
	FinishedAt int64

	UIResult     types.UIResult
	ResultCode   types.ResultCode
	FailureClass types.FailureClass
	ErrorMessage string

	RequesterIndexKey string
	RequesterSortKey  string
	EventIndexKey     string
	EventSortKey      string
}

// Apply copies every set field of p onto rec.
func (p RecordPatch) Apply(rec *types.RequestRecord) {
	if p.QueuedAt != 0 {
		rec.QueuedAt = p.QueuedAt
	}
	if p.StartedAt != 0 {
		rec.StartedAt = p.StartedAt
	}
	if p.FinishedAt != 0 {
		rec.FinishedAt = p.FinishedAt
	}
	if p.UIResult != types.UIUnset {
		rec.UIResult = p.UIResult
	}
	if p.ResultCode != types.ResultNone {
		rec.ResultCode = p.ResultCode
	}
	if p.FailureClass != types.FailureNone {
		rec.FailureClass = p.FailureClass
	}
	if p.ErrorMessage != "" {
		rec.ErrorMessage = p.ErrorMessage
	}
	if p.RequesterIndexKey != "" {
		rec.RequesterIndexKey = p.RequesterIndexKey
	}
	if p.RequesterSortKey != "" {
		rec.RequesterSortKey = p.RequesterSortKey
	}
	if p.EventIndexKey != "" {
		rec.EventIndexKey = p.EventIndexKey
	}
	if p.EventSortKey != "" {
		rec.EventSortKey = p.EventSortKey
	}
}

// IsZero reports whether p sets nothing.
func (p RecordPatch) IsZero() bool { return p == RecordPatch{} }
