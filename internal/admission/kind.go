package admission

import (
	"context"

	"github.com/snehjoshi/admitq/internal/capacity"
	"github.com/snehjoshi/admitq/internal/types"
)

// KindResolver decides the EventKind stamped on a new request.
type KindResolver interface {
	Resolve(ctx context.Context, eventID string) (types.EventKind, error)
}

// FixedKind resolves every event to the same kind.
type FixedKind types.EventKind

func (k FixedKind) Resolve(context.Context, string) (types.EventKind, error) {
	return types.EventKind(k), nil
}

// LedgerKinds treats an event as FIRST_COME when it has a provisioned
// capacity counter and GENERAL otherwise.
type LedgerKinds struct {
	Ledger *capacity.Ledger
}

func (r LedgerKinds) Resolve(ctx context.Context, eventID string) (types.EventKind, error) {
	_, found, err := r.Ledger.Remaining(ctx, eventID)
	if err != nil {
		return types.KindUnknown, err
	}
	if found {
		return types.KindFirstCome, nil
	}
	return types.KindGeneral, nil
}
