package intent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Executor runs side-effecting actions through the journal so each one
// executes at most once per (position_id, action_kind, command_id), even
// across a crash mid-call. Different intent ids proceed concurrently;
// the same intent id is serialized via a per-id mutex shard.
type Executor struct {
	journal *Journal
	shards  sync.Map // uuid.UUID -> *sync.Mutex
}

func NewExecutor(j *Journal) *Executor {
	return &Executor{journal: j}
}

func (e *Executor) lockFor(intentID uuid.UUID) *sync.Mutex {
	v, _ := e.shards.LoadOrStore(intentID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Action is the side-effecting call being protected: place an order,
// cancel an order, and so on. Its result is stored verbatim in the
// journal so a replay of the same command returns the original outcome
// without re-invoking the venue.
type Action func(ctx context.Context) (json.RawMessage, error)

// Run executes action under the intent identified by
// (positionID, actionKind, commandID).
//
//   - If that intent already completed, Run returns the stored result
//     without calling action again (at-most-once).
//   - If that intent is in flight, Run returns ErrAmbiguous: a previous
//     call is still outstanding or crashed mid-call, and the caller must
//     resolve that via ReconcileInFlight before retrying.
//   - Otherwise Run records Pending, transitions to InFlight, invokes
//     action, and records Completed or Failed.
func (e *Executor) Run(ctx context.Context, positionID uuid.UUID, actionKind string, commandID uuid.UUID, payload json.RawMessage, action Action) (json.RawMessage, error) {
	intentID := ComputeIntentID(positionID, actionKind, commandID)
	mu := e.lockFor(intentID)
	mu.Lock()
	defer mu.Unlock()

	if existing, ok := e.journal.Get(intentID); ok {
		switch existing.Status {
		case StatusCompleted:
			return existing.Result, nil
		case StatusInFlight:
			return nil, ErrAmbiguous
		case StatusFailed:
			// Fall through: a failed attempt is safe to retry, since no
			// side effect is known to have landed (action itself must be
			// written to treat "not placed" failures as retryable).
		}
	} else {
		now := time.Now()
		if err := e.journal.record(Record{
			IntentID:   intentID,
			PositionID: positionID,
			ActionKind: actionKind,
			CommandID:  commandID,
			Status:     StatusPending,
			Payload:    payload,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return nil, err
		}
	}

	if _, err := e.journal.begin(intentID); err != nil {
		return nil, err
	}

	result, err := action(ctx)
	if err != nil {
		if _, ferr := e.journal.fail(intentID, err); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	completed, err := e.journal.complete(intentID, result)
	if err != nil {
		return nil, err
	}
	return completed.Result, nil
}

// ReconcileFunc inspects the venue (or another source of truth) to
// determine what actually happened to an InFlight intent whose outcome
// was never recorded, typically because the process crashed between
// begin() and complete()/fail().
type ReconcileFunc func(ctx context.Context, r Record) (result json.RawMessage, failed bool, err error)

// ReconcileInFlight resolves every InFlight intent at startup by asking
// check what happened, then durably recording the outcome. Must run
// before the executor accepts new work for the affected positions.
func (e *Executor) ReconcileInFlight(ctx context.Context, check ReconcileFunc) error {
	for _, r := range e.journal.InFlight() {
		mu := e.lockFor(r.IntentID)
		mu.Lock()
		result, failed, err := check(ctx, r)
		if err != nil {
			mu.Unlock()
			return err
		}
		if failed {
			_, err = e.journal.fail(r.IntentID, errAmbiguousResolution(result))
		} else {
			_, err = e.journal.complete(r.IntentID, result)
		}
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

type reconciliationError string

func (e reconciliationError) Error() string { return string(e) }

func errAmbiguousResolution(detail json.RawMessage) error {
	return reconciliationError("reconciled as failed: " + string(detail))
}
