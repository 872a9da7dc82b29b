// Package runtime wires the event log, projector, intent executor, and
// venue ports into the running daemon: the orchestrator described in the
// daemon's runtime component, adapted from the teacher's internal/events
// bus and internal/gateway connection-pool idioms.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stopdaemon/internal/eventlog"
	"stopdaemon/internal/money"
	"stopdaemon/internal/position"

	"github.com/google/uuid"
)

// Commands is the write-side entry point: every user- or operator-issued
// instruction becomes exactly one event-log append, never a direct
// projection mutation.
type Commands struct {
	Log eventlog.Store
}

// ArmPosition records a freshly-armed position on stream
// position:<positionID> at seq 1. Retried with the same commandID is a
// no-op (idempotency key collision returns the original envelope).
func (c *Commands) ArmPosition(ctx context.Context, tenantID, positionID, accountID uuid.UUID, symbol money.Symbol, side money.Side, techStopDistance money.TechnicalStopDistance, quantity money.Quantity, commandID uuid.UUID) error {
	now := time.Now()
	ev := position.NewPositionArmed(positionID, accountID, symbol, side, techStopDistance, quantity, now)
	payload, err := json.Marshal(armedPayload{
		PositionID:       positionID,
		AccountID:        accountID,
		Symbol:           symbol,
		Side:             side,
		TechStopDistance: techStopDistance,
		Quantity:         quantity,
	})
	if err != nil {
		return fmt.Errorf("marshal position_armed payload: %w", err)
	}

	_, err = c.Log.Append(ctx, eventlog.PositionStream(positionID), 0, eventlog.NewEvent{
		TenantID:   tenantID,
		EventType:  ev.Tag(),
		Payload:    payload,
		OccurredAt: now,
		CommandID:  &commandID,
	})
	return unwrapIdempotent(err)
}

type armedPayload struct {
	PositionID       uuid.UUID                    `json:"position_id"`
	AccountID        uuid.UUID                    `json:"account_id"`
	Symbol           money.Symbol                 `json:"symbol"`
	Side             money.Side                   `json:"side"`
	TechStopDistance money.TechnicalStopDistance  `json:"tech_stop_distance"`
	Quantity         money.Quantity               `json:"quantity"`
}

// TriggerPanicExit appends an ExitTriggered(user_panic) event at the
// position's current seq, moving it to Exiting regardless of where the
// trailing stop currently sits.
func (c *Commands) TriggerPanicExit(ctx context.Context, tenantID, positionID uuid.UUID, currentPrice, stopPrice money.Price, commandID uuid.UUID) error {
	now := time.Now()
	ev := position.NewExitTriggered(positionID, position.ExitReasonUserPanic, currentPrice, stopPrice, now)
	payload, err := json.Marshal(exitTriggeredPayload{
		PositionID:   positionID,
		Reason:       ev.Reason,
		TriggerPrice: currentPrice,
		StopPrice:    stopPrice,
	})
	if err != nil {
		return fmt.Errorf("marshal exit_triggered payload: %w", err)
	}

	lastSeq, err := c.Log.LastSeq(ctx, tenantID, eventlog.PositionStream(positionID))
	if err != nil {
		return err
	}

	_, err = c.Log.Append(ctx, eventlog.PositionStream(positionID), lastSeq, eventlog.NewEvent{
		TenantID:   tenantID,
		EventType:  ev.Tag(),
		Payload:    payload,
		OccurredAt: now,
		CommandID:  &commandID,
	})
	return unwrapIdempotent(err)
}

type exitTriggeredPayload struct {
	PositionID   uuid.UUID            `json:"position_id"`
	Reason       position.ExitReason  `json:"reason"`
	TriggerPrice money.Price          `json:"trigger_price"`
	StopPrice    money.Price          `json:"stop_price"`
}

// unwrapIdempotent turns a retried command (same commandID, same payload)
// into success: the daemon's callers should treat "already recorded" the
// same as "recorded just now".
func unwrapIdempotent(err error) error {
	if err == nil {
		return nil
	}
	var dup *eventlog.IdempotentDuplicate
	if ok := asIdempotentDuplicate(err, &dup); ok {
		return nil
	}
	return err
}

func asIdempotentDuplicate(err error, target **eventlog.IdempotentDuplicate) bool {
	d, ok := err.(*eventlog.IdempotentDuplicate)
	if ok {
		*target = d
	}
	return ok
}
