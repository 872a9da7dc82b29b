package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"stopdaemon/internal/eventlog"
	"stopdaemon/internal/projector"
	"stopdaemon/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestProjectionWorkerStopsAtInvariantViolation mirrors S5: a stream with a
// valid BALANCE_SAMPLED at seq=1 followed by a POSITION_OPENED at seq=2
// whose technical_stop_distance is zero. The worker must apply seq=1,
// fail on seq=2, and leave the stream's cursor at 1.
func TestProjectionWorkerStopsAtInvariantViolation(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemStore()
	tenant := uuid.New()
	streamKey := "account:" + uuid.New().String()

	balances := repository.NewMemBalanceRepository()
	positions := repository.NewMemPositionRepository()
	registry := projector.Combine(projector.Balances(balances), projector.Positions(positions))
	cursor := repository.NewMemCursorRepository()

	balanceID := uuid.New()
	accountID := uuid.New()
	balancePayload, err := json.Marshal(map[string]any{
		"balance_id": balanceID,
		"account_id": accountID,
		"asset":      "USDT",
		"free":       "1000",
		"locked":     "0",
	})
	require.NoError(t, err)
	_, err = store.Append(ctx, streamKey, 0, eventlog.NewEvent{
		TenantID:   tenant,
		EventType:  "BALANCE_SAMPLED",
		Payload:    balancePayload,
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)

	positionID := uuid.New()
	openedPayload, err := json.Marshal(map[string]any{
		"position_id":        positionID,
		"account_id":         accountID,
		"symbol":              "BTCUSDT",
		"side":                "long",
		"tech_stop_distance": map[string]string{"distance": "0", "percent": "0"},
		"quantity":           "0.01",
	})
	require.NoError(t, err)
	_, err = store.Append(ctx, streamKey, 1, eventlog.NewEvent{
		TenantID:   tenant,
		EventType:  "POSITION_OPENED",
		Payload:    openedPayload,
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)

	worker := &ProjectionWorker{TenantID: tenant, Log: store, Registry: registry, Cursor: cursor}
	require.NoError(t, worker.tick(ctx))

	last, err := cursor.LastProjected(ctx, tenant, streamKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), last, "cursor must stay behind the invariant-violating event")

	_, _, err = positions.Get(ctx, tenant, positionID)
	require.ErrorIs(t, err, repository.ErrNotFound, "positions_current must remain empty past the failing event")

	_, balSeq, err := balances.Get(ctx, tenant, balanceID)
	require.NoError(t, err)
	require.Equal(t, int64(1), balSeq)

	// A second tick must retry from the same cursor rather than skipping
	// ahead, and must still fail in the same way.
	require.NoError(t, worker.tick(ctx))
	last, err = cursor.LastProjected(ctx, tenant, streamKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), last)
}

// TestProjectionWorkerAdvancesAcrossStreams exercises multiple distinct
// streams in one tick, each keeping its own independent cursor.
func TestProjectionWorkerAdvancesAcrossStreams(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemStore()
	tenant := uuid.New()
	balances := repository.NewMemBalanceRepository()
	registry := projector.Balances(balances)
	cursor := repository.NewMemCursorRepository()

	streamA := "account:" + uuid.New().String()
	streamB := "account:" + uuid.New().String()
	balanceA, balanceB := uuid.New(), uuid.New()

	for _, seed := range []struct {
		stream string
		id     uuid.UUID
	}{{streamA, balanceA}, {streamB, balanceB}} {
		payload, err := json.Marshal(map[string]any{
			"balance_id": seed.id,
			"account_id": uuid.New(),
			"asset":      "USDT",
			"free":       "500",
			"locked":     "0",
		})
		require.NoError(t, err)
		_, err = store.Append(ctx, seed.stream, 0, eventlog.NewEvent{
			TenantID:   tenant,
			EventType:  "BALANCE_SAMPLED",
			Payload:    payload,
			OccurredAt: time.Now(),
		})
		require.NoError(t, err)
	}

	worker := &ProjectionWorker{TenantID: tenant, Log: store, Registry: registry, Cursor: cursor}
	require.NoError(t, worker.tick(ctx))

	lastA, err := cursor.LastProjected(ctx, tenant, streamA)
	require.NoError(t, err)
	require.Equal(t, int64(1), lastA)

	lastB, err := cursor.LastProjected(ctx, tenant, streamB)
	require.NoError(t, err)
	require.Equal(t, int64(1), lastB)
}
