package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-process Store used by tests and the dev-mode runtime
// path. It holds the full append-order log plus two indexes: per-stream
// last_seq, and idempotency key -> event id.
type memStore struct {
	mu sync.RWMutex

	events  []EventEnvelope
	lastSeq map[string]int64 // "tenantID/streamKey" -> seq
	byIdem  map[string]uuid.UUID
}

func cursorKey(tenantID uuid.UUID, streamKey string) string {
	return tenantID.String() + "/" + streamKey
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() Store {
	return &memStore{
		lastSeq: make(map[string]int64),
		byIdem:  make(map[string]uuid.UUID),
	}
}

func (s *memStore) Append(ctx context.Context, streamKey string, expectedSeq int64, ev NewEvent) (EventEnvelope, error) {
	return s.appendLocked(ctx, streamKey, expectedSeq, ev, nil)
}

// AppendInTx mirrors sqliteStore's behavior: the in-memory log has no real
// transaction to roll back, but the write lock held across fn gives the
// same atomicity guarantee as seen by any other caller — no reader can
// observe the new event without also observing fn's effect, and an error
// from fn discards the event before it is ever appended.
func (s *memStore) AppendInTx(ctx context.Context, streamKey string, expectedSeq int64, ev NewEvent, fn func(ctx context.Context, envelope EventEnvelope) error) (EventEnvelope, error) {
	return s.appendLocked(ctx, streamKey, expectedSeq, ev, fn)
}

func (s *memStore) appendLocked(ctx context.Context, streamKey string, expectedSeq int64, ev NewEvent, fn func(ctx context.Context, envelope EventEnvelope) error) (EventEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idemKey, err := computeIdempotencyKey(ev.TenantID, streamKey, ev.CommandID, ev.Payload)
	if err != nil {
		return EventEnvelope{}, err
	}
	if existingID, ok := s.byIdem[idemKey]; ok {
		for _, env := range s.events {
			if env.EventID == existingID {
				return env, &IdempotentDuplicate{ExistingEventID: existingID}
			}
		}
	}

	key := cursorKey(ev.TenantID, streamKey)
	current, exists := s.lastSeq[key]
	if !exists && expectedSeq != 0 {
		return EventEnvelope{}, fmt.Errorf("%w: stream %q", ErrStreamNotFound, streamKey)
	}
	if current != expectedSeq {
		return EventEnvelope{}, &ConcurrentModification{Expected: expectedSeq, Actual: current}
	}

	env := EventEnvelope{
		EventID:              uuid.New(),
		TenantID:             ev.TenantID,
		StreamKey:            streamKey,
		Seq:                  expectedSeq + 1,
		EventType:            ev.EventType,
		Payload:              ev.Payload,
		PayloadSchemaVersion: ev.PayloadSchemaVersion,
		OccurredAt:           ev.OccurredAt,
		IngestedAt:           time.Now().UTC(),
		TraceID:              ev.TraceID,
		CausationID:          ev.CausationID,
		CommandID:            ev.CommandID,
		WorkflowID:           ev.WorkflowID,
		ActorType:            ev.ActorType,
		ActorID:              ev.ActorID,
		IdempotencyKey:       idemKey,
	}

	if fn != nil {
		if err := fn(ctx, env); err != nil {
			return EventEnvelope{}, err
		}
	}

	s.events = append(s.events, env)
	s.lastSeq[key] = env.Seq
	s.byIdem[idemKey] = env.EventID
	return env, nil
}

func (s *memStore) Query(ctx context.Context, q Query) ([]EventEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []EventEnvelope
	for _, env := range s.events {
		if env.TenantID != q.TenantID {
			continue
		}
		if q.StreamKey != "" && env.StreamKey != q.StreamKey {
			continue
		}
		if q.EventType != "" && env.EventType != q.EventType {
			continue
		}
		if q.FromTime != nil && env.OccurredAt.Before(*q.FromTime) {
			continue
		}
		if q.ToTime != nil && env.OccurredAt.After(*q.ToTime) {
			continue
		}
		if q.FromSeq != nil && env.Seq < *q.FromSeq {
			continue
		}
		if q.ToSeq != nil && env.Seq > *q.ToSeq {
			continue
		}
		if q.TraceID != nil && (env.TraceID == nil || *env.TraceID != *q.TraceID) {
			continue
		}
		if q.CommandID != nil && (env.CommandID == nil || *env.CommandID != *q.CommandID) {
			continue
		}
		if q.WorkflowID != nil && (env.WorkflowID == nil || *env.WorkflowID != *q.WorkflowID) {
			continue
		}
		out = append(out, env)
	}

	sort.Slice(out, func(i, j int) bool {
		if q.Descending {
			if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
				return out[i].OccurredAt.After(out[j].OccurredAt)
			}
			return out[i].Seq > out[j].Seq
		}
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].Seq < out[j].Seq
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memStore) LastSeq(ctx context.Context, tenantID uuid.UUID, streamKey string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq[cursorKey(tenantID, streamKey)], nil
}

func (s *memStore) Streams(ctx context.Context, tenantID uuid.UUID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, env := range s.events {
		if env.TenantID != tenantID {
			continue
		}
		if _, ok := seen[env.StreamKey]; ok {
			continue
		}
		seen[env.StreamKey] = struct{}{}
		out = append(out, env.StreamKey)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) Close() error { return nil }
