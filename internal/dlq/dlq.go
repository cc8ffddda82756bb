// Package dlq provides utilities for inspecting and replaying participation
// messages that exhausted their receive budget.
//
// A message is dead-lettered when the worker kept failing on it with a
// transient error, for example while the store was unreachable. Its request
// record is usually still QUEUED, so once the cause is fixed the message can
// be replayed and the worker finishes it normally.
//
// This package wraps the queue to provide dead-letter helpers:
//
//   - List:   decode the dead-lettered messages without consuming them.
//   - Replay: move messages whose request still needs work back to ready,
//     and discard the rest.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/snehjoshi/admitq/internal/queue"
	"github.com/snehjoshi/admitq/internal/storage"
	"github.com/snehjoshi/admitq/internal/types"
)

// Queue is the dead-letter surface of queue.Queue.
type Queue interface {
	DeadLetters() []queue.Message
	Redrive(ids []string) (int, error)
	Discard(ids []string) (int, error)
}

// Records reads request records. *lifecycle.Machine satisfies it.
type Records interface {
	Get(ctx context.Context, requestID string) (types.RequestRecord, error)
}

// Entry is one dead-lettered message as seen by an operator.
type Entry struct {
	MessageID string `json:"messageId"`
	RequestID string `json:"requestId,omitempty"`
	EventID   string `json:"eventId,omitempty"`
	Attempt   int    `json:"attempt"`
	SentAt    int64  `json:"sentAt"`
	// Malformed is set when the body does not decode.
	Malformed bool `json:"malformed,omitempty"`
}

// Report summarises one Replay.
type Report struct {
	Replayed  int `json:"replayed"`
	Discarded int `json:"discarded"`
}

// Manager provides dead-letter operations on top of a queue.
type Manager struct {
	q       Queue
	records Records
	logger  *slog.Logger
}

// NewManager wraps q. records decides which messages are still worth
// replaying.
func NewManager(q Queue, records Records, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{q: q, records: records, logger: logger}
}

// Len returns the number of dead-lettered messages.
func (m *Manager) Len() int { return len(m.q.DeadLetters()) }

// List returns up to limit dead-lettered messages, oldest first. limit <= 0
// returns all of them.
func (m *Manager) List(limit int) []Entry {
	dead := m.q.DeadLetters()
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	out := make([]Entry, 0, len(dead))
	for _, msg := range dead {
		out = append(out, entryOf(msg))
	}
	return out
}

// Replay looks at up to limit dead-lettered messages. Those whose request is
// still RECEIVED, QUEUED or PROCESSING go back to the queue; malformed
// messages and messages for finished or unknown requests are discarded.
// A record lookup that fails for any other reason leaves the message dead.
func (m *Manager) Replay(ctx context.Context, limit int) (Report, error) {
	var replay, discard []string
	for _, e := range m.List(limit) {
		if e.Malformed {
			discard = append(discard, e.MessageID)
			continue
		}
		rec, err := m.records.Get(ctx, e.RequestID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			discard = append(discard, e.MessageID)
		case err != nil:
			return Report{}, fmt.Errorf("dlq.Replay: %w", err)
		case rec.Status.IsTerminal():
			discard = append(discard, e.MessageID)
		default:
			replay = append(replay, e.MessageID)
		}
	}

	var rep Report
	var err error
	if rep.Discarded, err = m.q.Discard(discard); err != nil {
		return rep, fmt.Errorf("dlq.Replay: discard: %w", err)
	}
	if rep.Replayed, err = m.q.Redrive(replay); err != nil {
		return rep, fmt.Errorf("dlq.Replay: redrive: %w", err)
	}
	m.logger.Info("dead letters replayed", "replayed", rep.Replayed, "discarded", rep.Discarded)
	return rep, nil
}

func entryOf(msg queue.Message) Entry {
	e := Entry{MessageID: msg.ID, Attempt: msg.Attempt, SentAt: msg.SentAt}
	pm, err := types.DecodeParticipationMessage(msg.Body)
	if err != nil {
		e.Malformed = true
		return e
	}
	e.RequestID = pm.RequestID
	e.EventID = pm.EventID
	return e
}
