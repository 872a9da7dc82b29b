package projector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"stopdaemon/internal/eventlog"
	"stopdaemon/internal/position"
	"stopdaemon/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func envelope(tenantID uuid.UUID, streamKey, eventType string, seq int64, payload any, occurredAt time.Time) eventlog.EventEnvelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return eventlog.EventEnvelope{
		EventID:    uuid.New(),
		TenantID:   tenantID,
		StreamKey:  streamKey,
		Seq:        seq,
		EventType:  eventType,
		Payload:    raw,
		OccurredAt: occurredAt,
	}
}

func TestPositionsProjectsArmedThenActive(t *testing.T) {
	repo := repository.NewMemPositionRepository()
	reg := Positions(repo)

	ctx := context.Background()
	tenant := uuid.New()
	positionID := uuid.New()
	account := uuid.New()
	stream := eventlog.PositionStream(positionID)
	now := time.Now()

	armed := envelope(tenant, stream, "position_armed", 1, map[string]any{
		"position_id":        positionID,
		"account_id":         account,
		"symbol":             "BTCUSDT",
		"side":                "long",
		"tech_stop_distance": map[string]string{"distance": "1500", "percent": "0.0157"},
		"quantity":           "0.01",
	}, now)
	require.NoError(t, reg.Apply(ctx, armed))

	pos, seq, err := repo.Get(ctx, tenant, positionID)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
	require.Equal(t, position.KindArmed, pos.State.Kind)

	filled := envelope(tenant, stream, "entry_filled", 2, map[string]any{
		"position_id":     positionID,
		"order_id":        uuid.New(),
		"fill_price":      "95000",
		"filled_quantity": "0.01",
		"initial_stop":    "93500",
	}, now.Add(time.Second))
	require.NoError(t, reg.Apply(ctx, filled))

	pos, seq, err = repo.Get(ctx, tenant, positionID)
	require.NoError(t, err)
	require.Equal(t, int64(2), seq)
	require.Equal(t, position.KindActive, pos.State.Kind)
}

func TestPositionsIgnoresAlreadyProjectedSeq(t *testing.T) {
	repo := repository.NewMemPositionRepository()
	reg := Positions(repo)

	ctx := context.Background()
	tenant := uuid.New()
	positionID := uuid.New()
	stream := eventlog.PositionStream(positionID)
	now := time.Now()

	armed := envelope(tenant, stream, "position_armed", 1, map[string]any{
		"position_id":        positionID,
		"account_id":         uuid.New(),
		"symbol":             "BTCUSDT",
		"side":                "long",
		"tech_stop_distance": map[string]string{"distance": "1500", "percent": "0.0157"},
		"quantity":           "0.01",
	}, now)
	require.NoError(t, reg.Apply(ctx, armed))

	// Redelivery of the same seq must be a no-op, not an error.
	require.NoError(t, reg.Apply(ctx, armed))

	_, seq, err := repo.Get(ctx, tenant, positionID)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
}

func TestApplyUnknownEventType(t *testing.T) {
	repo := repository.NewMemPositionRepository()
	reg := Positions(repo)

	err := reg.Apply(context.Background(), envelope(uuid.New(), "position:x", "something_unrecognized", 1, map[string]any{}, time.Now()))
	require.ErrorIs(t, err, ErrUnknownEventType)
}
