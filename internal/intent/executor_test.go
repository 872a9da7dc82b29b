package intent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestRunIsAtMostOnce(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	exec := NewExecutor(j)
	positionID := uuid.New()
	commandID := uuid.New()

	calls := 0
	action := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"order_id":"abc"}`), nil
	}

	r1, err := exec.Run(context.Background(), positionID, "place_entry_order", commandID, nil, action)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	r2, err := exec.Run(context.Background(), positionID, "place_entry_order", commandID, nil, action)
	if err != nil {
		t.Fatalf("second run (replay): %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected action invoked exactly once, got %d", calls)
	}
	if string(r1) != string(r2) {
		t.Fatalf("replay must return the original result")
	}
}

func TestRunRetriesAfterFailure(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	exec := NewExecutor(j)
	positionID := uuid.New()
	commandID := uuid.New()

	attempt := 0
	action := func(ctx context.Context) (json.RawMessage, error) {
		attempt++
		if attempt == 1 {
			return nil, errors.New("venue unreachable")
		}
		return json.RawMessage(`{"order_id":"xyz"}`), nil
	}

	if _, err := exec.Run(context.Background(), positionID, "place_entry_order", commandID, nil, action); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	result, err := exec.Run(context.Background(), positionID, "place_entry_order", commandID, nil, action)
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if attempt != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempt)
	}
	if string(result) != `{"order_id":"xyz"}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestReconcileInFlightResolvesCrashedIntent(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	positionID := uuid.New()
	commandID := uuid.New()
	intentID := ComputeIntentID(positionID, "place_entry_order", commandID)

	if err := j.record(Record{IntentID: intentID, PositionID: positionID, ActionKind: "place_entry_order", CommandID: commandID, Status: StatusPending}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if _, err := j.begin(intentID); err != nil {
		t.Fatalf("seed begin: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate restart: reopen the journal, replaying the WAL.
	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer reopened.Close()

	exec := NewExecutor(reopened)
	resolved := false
	err = exec.ReconcileInFlight(context.Background(), func(ctx context.Context, r Record) (json.RawMessage, bool, error) {
		resolved = true
		return json.RawMessage(`{"order_id":"recovered"}`), false, nil
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !resolved {
		t.Fatal("expected ReconcileInFlight to invoke check for the crashed intent")
	}

	rec, ok := reopened.Get(intentID)
	if !ok || rec.Status != StatusCompleted {
		t.Fatalf("expected intent resolved to completed, got %+v", rec)
	}
}
