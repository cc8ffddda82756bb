// Package sqlrow maps RequestRecords to and from the `requests` table shared
// by the SQL backends. Enums are stored as their wire names.
package sqlrow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/types"
)

// Placeholder renders the n-th (1-based) bind parameter of a statement.
type Placeholder func(n int) string

// Question is the SQLite placeholder style.
func Question(int) string { return "?" }

// Dollar is the PostgreSQL placeholder style.
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

var columns = []string{
	"request_id", "event_id", "requester_id", "event_kind", "status",
	"requested_at", "queued_at", "started_at", "finished_at",
	"ui_result", "result_code", "failure_class", "error_message",
	"requester_index_key", "requester_sort_key", "event_index_key", "event_sort_key",
}

// Columns is the select/insert column list, in the order Values and Scan use.
var Columns = strings.Join(columns, ", ")

// Placeholders renders one bind parameter per column.
func Placeholders(ph Placeholder) string {
	ps := make([]string, len(columns))
	for i := range ps {
		ps[i] = ph(i + 1)
	}
	return strings.Join(ps, ", ")
}

// Values returns r's column values in Columns order.
func Values(r types.RequestRecord) []any {
	return []any{
		r.RequestID, r.EventID, r.RequesterID, r.EventKind.String(), r.Status.String(),
		r.RequestedAt, r.QueuedAt, r.StartedAt, r.FinishedAt,
		r.UIResult.String(), r.ResultCode.String(), r.FailureClass.String(), r.ErrorMessage,
		r.RequesterIndexKey, r.RequesterSortKey, r.EventIndexKey, r.EventSortKey,
	}
}

// Scanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// Scan reads one row selected with Columns. The scanner's own error (for
// example sql.ErrNoRows) is returned unwrapped so callers can match it.
func Scan(s Scanner) (types.RequestRecord, error) {
	var (
		r                 types.RequestRecord
		kind, status      string
		ui, code, failure string
	)
	if err := s.Scan(
		&r.RequestID, &r.EventID, &r.RequesterID, &kind, &status,
		&r.RequestedAt, &r.QueuedAt, &r.StartedAt, &r.FinishedAt,
		&ui, &code, &failure, &r.ErrorMessage,
		&r.RequesterIndexKey, &r.RequesterSortKey, &r.EventIndexKey, &r.EventSortKey,
	); err != nil {
		return r, err
	}

	var err error
	if r.EventKind, err = types.ParseEventKind(kind); err != nil {
		return r, fmt.Errorf("sqlrow: %s: %w", r.RequestID, err)
	}
	if r.Status, err = types.ParseStatus(status); err != nil {
		return r, fmt.Errorf("sqlrow: %s: %w", r.RequestID, err)
	}
	if r.UIResult, err = types.ParseUIResult(ui); err != nil {
		return r, fmt.Errorf("sqlrow: %s: %w", r.RequestID, err)
	}
	if r.ResultCode, err = types.ParseResultCode(code); err != nil {
		return r, fmt.Errorf("sqlrow: %s: %w", r.RequestID, err)
	}
	if r.FailureClass, err = types.ParseFailureClass(failure); err != nil {
		return r, fmt.Errorf("sqlrow: %s: %w", r.RequestID, err)
	}
	return r, nil
}

// Set renders the SET clause of a conditional update: the new status first,
// then every field p sets. Bind parameters are numbered from 1.
func Set(to types.Status, p storage.RecordPatch, ph Placeholder) (string, []any) {
	var (
		parts []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		parts = append(parts, col+" = "+ph(len(args)))
	}

	add("status", to.String())
	if p.QueuedAt != 0 {
		add("queued_at", p.QueuedAt)
	}
	if p.StartedAt != 0 {
		add("started_at", p.StartedAt)
	}
	if p.FinishedAt != 0 {
		add("finished_at", p.FinishedAt)
	}
	if p.UIResult != types.UIUnset {
		add("ui_result", p.UIResult.String())
	}
	if p.ResultCode != types.ResultNone {
		add("result_code", p.ResultCode.String())
	}
	if p.FailureClass != types.FailureNone {
		add("failure_class", p.FailureClass.String())
	}
	if p.ErrorMessage != "" {
		add("error_message", p.ErrorMessage)
	}
	if p.RequesterIndexKey != "" {
		add("requester_index_key", p.RequesterIndexKey)
	}
	if p.RequesterSortKey != "" {
		add("requester_sort_key", p.RequesterSortKey)
	}
	if p.EventIndexKey != "" {
		add("event_index_key", p.EventIndexKey)
	}
	if p.EventSortKey != "" {
		add("event_sort_key", p.EventSortKey)
	}
	return strings.Join(parts, ", "), args
}
