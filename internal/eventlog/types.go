// Package eventlog implements the append-only, per-stream sequenced,
// multi-tenant event journal described in the daemon's event log
// component: optimistic concurrency on append, semantic idempotency keyed
// on a normalized payload hash, and tenant-scoped queries.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActorType identifies who/what produced an event.
type ActorType string

const (
	ActorCLI      ActorType = "CLI"
	ActorDaemon   ActorType = "Daemon"
	ActorSystem   ActorType = "System"
	ActorExchange ActorType = "Exchange"
)

// EventEnvelope is the immutable record stored in the event log.
type EventEnvelope struct {
	EventID  uuid.UUID
	TenantID uuid.UUID
	StreamKey string
	Seq       int64

	EventType            string
	Payload              json.RawMessage
	PayloadSchemaVersion int

	OccurredAt time.Time
	IngestedAt time.Time

	TraceID     *uuid.UUID
	CausationID *uuid.UUID
	CommandID   *uuid.UUID
	WorkflowID  *uuid.UUID

	ActorType *ActorType
	ActorID   *string

	IdempotencyKey string
	PrevHash       *string
	Hash           *string
}

// NewEvent is the input to Append: everything the caller supplies before
// the store assigns seq, event_id, and ingested_at.
type NewEvent struct {
	TenantID             uuid.UUID
	EventType            string
	Payload              json.RawMessage
	PayloadSchemaVersion int
	OccurredAt           time.Time

	TraceID     *uuid.UUID
	CausationID *uuid.UUID
	CommandID   *uuid.UUID
	WorkflowID  *uuid.UUID

	ActorType *ActorType
	ActorID   *string
}

// Canonical stream-key helpers (§3: position:<uuid>, account:<uuid>,
// strategy:<uuid>).
func PositionStream(id uuid.UUID) string { return fmt.Sprintf("position:%s", id) }
func AccountStream(id uuid.UUID) string  { return fmt.Sprintf("account:%s", id) }
func StrategyStream(id uuid.UUID) string { return fmt.Sprintf("strategy:%s", id) }

// Query filters event-log reads. TenantID is always required — there is
// no way to construct a cross-tenant read through this interface.
type Query struct {
	TenantID   uuid.UUID
	StreamKey  string
	EventType  string
	FromTime   *time.Time
	ToTime     *time.Time
	FromSeq    *int64
	ToSeq      *int64
	TraceID    *uuid.UUID
	CommandID  *uuid.UUID
	WorkflowID *uuid.UUID
	Limit      int
	Descending bool
}

// Error kinds.
var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrDatabase       = errors.New("event log database error")
	ErrInvalidEvent   = errors.New("invalid event")
)

// ConcurrentModification is returned by Append when expected_seq does not
// match the stream's current last_seq.
type ConcurrentModification struct {
	Expected int64
	Actual   int64
}

func (e *ConcurrentModification) Error() string {
	return fmt.Sprintf("concurrent modification: expected seq %d, actual %d", e.Expected, e.Actual)
}

// IdempotentDuplicate is returned by Append when the computed idempotency
// key already exists; ExistingEventID is the canonical event.
type IdempotentDuplicate struct {
	ExistingEventID uuid.UUID
}

func (e *IdempotentDuplicate) Error() string {
	return fmt.Sprintf("idempotent duplicate, existing event %s", e.ExistingEventID)
}
