package eventlog

import (
	"context"

	"github.com/google/uuid"
)

// Store is the append-only journal contract. Append enforces optimistic
// concurrency (expectedSeq must equal the stream's current last_seq) and
// semantic idempotency (a repeat of the same NewEvent, as determined by the
// normalized-payload hash, returns the existing envelope instead of a
// duplicate row).
type Store interface {
	// Append writes ev to streamKey as seq = expectedSeq+1. expectedSeq of 0
	// means "stream does not exist yet". Returns *ConcurrentModification if
	// the stream has moved past expectedSeq, or *IdempotentDuplicate if an
	// event with the same idempotency key already exists anywhere in the
	// store. The key hashes tenant, stream key, command id and normalized
	// payload, so the same command appended to a different stream key gets
	// a different key and is not a duplicate.
	Append(ctx context.Context, streamKey string, expectedSeq int64, ev NewEvent) (EventEnvelope, error)

	// AppendInTx is the transactional form: it performs the same append as
	// Append, then invokes fn with the newly-assigned envelope before
	// committing. A projection write folded into fn commits atomically with
	// the event itself; if fn returns an error the whole append — event,
	// cursor advance, and fn's own writes — rolls back and AppendInTx
	// returns that error.
	AppendInTx(ctx context.Context, streamKey string, expectedSeq int64, ev NewEvent, fn func(ctx context.Context, envelope EventEnvelope) error) (EventEnvelope, error)

	// Query returns envelopes matching q, ordered by (occurred_at, seq)
	// ascending unless q.Descending is set.
	Query(ctx context.Context, q Query) ([]EventEnvelope, error)

	// LastSeq returns the highest seq recorded for streamKey under tenant,
	// or 0 if the stream has no events yet.
	LastSeq(ctx context.Context, tenantID uuid.UUID, streamKey string) (int64, error)

	// Streams returns every distinct stream key with at least one event
	// under tenant, so a tailing cursor (§4.H) can discover new streams
	// without a full-table scan of the payloads themselves.
	Streams(ctx context.Context, tenantID uuid.UUID) ([]string, error)

	// Close releases underlying resources (file handles, connections).
	Close() error
}
