// Package intent implements the at-most-once execution journal sitting
// between the daemon's decision logic and the venue: every outgoing side
// effect (place order, cancel order) is durably recorded before it is
// attempted, so a crash mid-call can be reconciled on restart instead of
// silently retried or silently lost. Grounded on the teacher's
// internal/order.PersistentQueue write-ahead-log pattern, generalized from
// an order queue to an arbitrary intent ledger.
package intent

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the intent's lifecycle stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrAmbiguous is returned when Run finds an intent already InFlight: the
// previous attempt's outcome on the venue is unknown, and retrying blind
// would risk a double-submit. The caller must reconcile before proceeding
// (see ReconcileInFlight).
var ErrAmbiguous = errors.New("intent: outcome ambiguous, previous attempt still in flight")

// Record is one entry in the intent journal.
type Record struct {
	IntentID   uuid.UUID
	PositionID uuid.UUID
	ActionKind string
	CommandID  uuid.UUID
	Status     Status
	Payload    json.RawMessage
	Result     json.RawMessage
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ComputeIntentID derives a deterministic identifier from
// (position_id, action_kind, command_id): the same command retried after a
// crash always maps to the same intent, which is what makes Run's
// dedup-on-replay possible without a separate idempotency table.
func ComputeIntentID(positionID uuid.UUID, actionKind string, commandID uuid.UUID) uuid.UUID {
	h := sha256.New()
	h.Write(positionID[:])
	h.Write([]byte(actionKind))
	h.Write(commandID[:])
	sum := h.Sum(nil)
	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x50 // version 5-shaped, deterministic-hash sentinel
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}
