package eventlog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAppendAssignsSequentialSeq(t *testing.T) {
	store := NewMemStore()
	defer store.Close()

	ctx := context.Background()
	tenant := uuid.New()
	stream := PositionStream(uuid.New())

	first, err := store.Append(ctx, stream, 0, NewEvent{
		TenantID:   tenant,
		EventType:  "position_armed",
		Payload:    json.RawMessage(`{"symbol":"BTCUSDT"}`),
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if first.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", first.Seq)
	}

	second, err := store.Append(ctx, stream, 1, NewEvent{
		TenantID:   tenant,
		EventType:  "entry_order_placed",
		Payload:    json.RawMessage(`{"order_id":"x"}`),
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if second.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", second.Seq)
	}
}

func TestAppendRejectsConcurrentModification(t *testing.T) {
	store := NewMemStore()
	defer store.Close()

	ctx := context.Background()
	tenant := uuid.New()
	stream := PositionStream(uuid.New())

	if _, err := store.Append(ctx, stream, 0, NewEvent{
		TenantID:   tenant,
		EventType:  "position_armed",
		Payload:    json.RawMessage(`{}`),
		OccurredAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	_, err := store.Append(ctx, stream, 0, NewEvent{
		TenantID:   tenant,
		EventType:  "position_armed",
		Payload:    json.RawMessage(`{"x":1}`),
		OccurredAt: time.Now(),
	})
	var cm *ConcurrentModification
	if err == nil {
		t.Fatal("expected ConcurrentModification, got nil")
	}
	if !asConcurrentModification(err, &cm) {
		t.Fatalf("expected *ConcurrentModification, got %T: %v", err, err)
	}
	if cm.Expected != 0 || cm.Actual != 1 {
		t.Fatalf("unexpected mismatch values: %+v", cm)
	}
}

func TestAppendIsIdempotentOnRetry(t *testing.T) {
	store := NewMemStore()
	defer store.Close()

	ctx := context.Background()
	tenant := uuid.New()
	stream := PositionStream(uuid.New())
	commandID := uuid.New()

	payload := json.RawMessage(`{"symbol":"BTCUSDT","occurred_at":"2026-01-01T00:00:00Z"}`)

	first, err := store.Append(ctx, stream, 0, NewEvent{
		TenantID:   tenant,
		EventType:  "position_armed",
		Payload:    payload,
		CommandID:  &commandID,
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	// Retry with a different occurred_at (a field normalizePayload strips)
	// must resolve to the same logical event, not a new one.
	retryPayload := json.RawMessage(`{"symbol":"BTCUSDT","occurred_at":"2026-01-01T00:00:05Z"}`)
	replay, err := store.Append(ctx, stream, 0, NewEvent{
		TenantID:   tenant,
		EventType:  "position_armed",
		Payload:    retryPayload,
		CommandID:  &commandID,
		OccurredAt: time.Now(),
	})
	var dup *IdempotentDuplicate
	if !asIdempotentDuplicate(err, &dup) {
		t.Fatalf("expected *IdempotentDuplicate, got %T: %v", err, err)
	}
	if dup.ExistingEventID != first.EventID {
		t.Fatalf("duplicate should reference original event id")
	}
	if replay.EventID != first.EventID {
		t.Fatalf("replay should return the original envelope")
	}
}

func TestQueryFiltersByTenantAndStream(t *testing.T) {
	store := NewMemStore()
	defer store.Close()

	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()
	streamA := PositionStream(uuid.New())

	if _, err := store.Append(ctx, streamA, 0, NewEvent{
		TenantID:   tenantA,
		EventType:  "position_armed",
		Payload:    json.RawMessage(`{}`),
		OccurredAt: time.Now(),
	}); err != nil {
		t.Fatalf("append tenantA: %v", err)
	}
	if _, err := store.Append(ctx, streamA, 0, NewEvent{
		TenantID:   tenantB,
		EventType:  "position_armed",
		Payload:    json.RawMessage(`{"other":true}`),
		OccurredAt: time.Now(),
	}); err != nil {
		t.Fatalf("append tenantB: %v", err)
	}

	results, err := store.Query(ctx, Query{TenantID: tenantA, StreamKey: streamA})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result scoped to tenantA, got %d", len(results))
	}
	if results[0].TenantID != tenantA {
		t.Fatalf("cross-tenant leak in query result")
	}
}

func TestNormalizePayloadDropsNonSemanticFields(t *testing.T) {
	a := json.RawMessage(`{"symbol":"BTCUSDT","actor_id":"cli-1","request_id":"r1"}`)
	b := json.RawMessage(`{"symbol":"BTCUSDT","actor_id":"cli-2","request_id":"r2"}`)

	na, err := normalizePayload(a)
	if err != nil {
		t.Fatalf("normalize a: %v", err)
	}
	nb, err := normalizePayload(b)
	if err != nil {
		t.Fatalf("normalize b: %v", err)
	}
	if string(na) != string(nb) {
		t.Fatalf("expected identical normalization, got %s vs %s", na, nb)
	}
}

func TestNormalizePayloadIsKeyOrderIndependent(t *testing.T) {
	a := json.RawMessage(`{"b":1,"a":2}`)
	b := json.RawMessage(`{"a":2,"b":1}`)

	na, err := normalizePayload(a)
	if err != nil {
		t.Fatalf("normalize a: %v", err)
	}
	nb, err := normalizePayload(b)
	if err != nil {
		t.Fatalf("normalize b: %v", err)
	}
	if string(na) != string(nb) {
		t.Fatalf("expected key-order independence, got %s vs %s", na, nb)
	}
}

func asConcurrentModification(err error, target **ConcurrentModification) bool {
	cm, ok := err.(*ConcurrentModification)
	if ok {
		*target = cm
	}
	return ok
}

func asIdempotentDuplicate(err error, target **IdempotentDuplicate) bool {
	dup, ok := err.(*IdempotentDuplicate)
	if ok {
		*target = dup
	}
	return ok
}
