package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"stopdaemon/internal/eventlog"
	"stopdaemon/internal/money"
	"stopdaemon/internal/position"
	"stopdaemon/internal/repository"
	"stopdaemon/internal/trailing"
	"stopdaemon/internal/venue"

	"github.com/google/uuid"
)

// Detector is the command-side reaction to a trade tick: it reads the
// current projection for every Active position on the tick's symbol,
// recomputes the anchored trailing stop, and appends TrailingStopUpdated or
// ExitTriggered to that position's stream. The projector folds the result
// back asynchronously — the detector never mutates the projection itself.
type Detector struct {
	TenantID uuid.UUID
	Log      eventlog.Store
	Repo     repository.PositionRepository
}

// OnTrade reacts to one trade tick for a symbol across every locally-known
// Active position on that symbol. It returns the positions for which the
// stop was hit this tick, so the caller can route PlaceExit through the
// executor (the detector itself only appends to the event log; it never
// calls the venue).
func (d *Detector) OnTrade(ctx context.Context, trade venue.Trade, positions []*position.Position) ([]*position.Position, error) {
	var triggered []*position.Position
	for _, p := range positions {
		if p.State.Kind != position.KindActive {
			continue
		}
		if p.Symbol.String() != trade.Symbol.String() {
			continue
		}
		if p.TechStopDistance == nil {
			continue
		}
		hit, err := d.reactOne(ctx, p, trade.Price)
		if err != nil {
			log.Printf("runtime: detector failed for position %s: %v", p.ID, err)
			continue
		}
		if hit {
			triggered = append(triggered, p)
		}
	}
	return triggered, nil
}

func (d *Detector) reactOne(ctx context.Context, p *position.Position, price money.Price) (bool, error) {
	if trailing.IsHit(p.Side, price, p.State.TrailingStop) {
		return true, d.appendExitTriggered(ctx, p, price)
	}

	update, moved := trailing.UpdateAnchored(p.Side, price, p.State.FavorableExtreme, p.State.TrailingStop, *p.TechStopDistance)
	if !moved {
		return false, nil
	}
	return false, d.appendTrailingStopUpdated(ctx, p, update, price)
}

func (d *Detector) appendTrailingStopUpdated(ctx context.Context, p *position.Position, update trailing.Update, triggerPrice money.Price) error {
	// expected_seq must come from the event log, not the trailing
	// projection: the projection worker folds asynchronously and can
	// still be behind an append this same reaction just made.
	seq, err := d.Log.LastSeq(ctx, d.TenantID, eventlog.PositionStream(p.ID))
	if err != nil {
		return err
	}

	ev := position.NewTrailingStopUpdated(p.ID, p.State.TrailingStop, update.NewStop, triggerPrice, time.Now())
	payload, err := json.Marshal(trailingStopUpdatedPayload{
		PositionID:   p.ID,
		PreviousStop: p.State.TrailingStop,
		NewStop:      update.NewStop,
		TriggerPrice: triggerPrice,
	})
	if err != nil {
		return fmt.Errorf("marshal trailing_stop_updated: %w", err)
	}

	_, err = d.Log.Append(ctx, eventlog.PositionStream(p.ID), seq, eventlog.NewEvent{
		TenantID:   d.TenantID,
		EventType:  ev.Tag(),
		Payload:    payload,
		OccurredAt: ev.OccurredAt(),
	})
	return unwrapIdempotent(err)
}

func (d *Detector) appendExitTriggered(ctx context.Context, p *position.Position, triggerPrice money.Price) error {
	seq, err := d.Log.LastSeq(ctx, d.TenantID, eventlog.PositionStream(p.ID))
	if err != nil {
		return err
	}

	ev := position.NewExitTriggered(p.ID, position.ExitReasonTrailingStop, triggerPrice, p.State.TrailingStop, time.Now())
	payload, err := json.Marshal(exitTriggeredPayload{
		PositionID:   p.ID,
		Reason:       ev.Reason,
		TriggerPrice: triggerPrice,
		StopPrice:    p.State.TrailingStop,
	})
	if err != nil {
		return fmt.Errorf("marshal exit_triggered: %w", err)
	}

	_, err = d.Log.Append(ctx, eventlog.PositionStream(p.ID), seq, eventlog.NewEvent{
		TenantID:   d.TenantID,
		EventType:  ev.Tag(),
		Payload:    payload,
		OccurredAt: ev.OccurredAt(),
	})
	return unwrapIdempotent(err)
}

type trailingStopUpdatedPayload struct {
	PositionID   uuid.UUID   `json:"position_id"`
	PreviousStop money.Price `json:"previous_stop"`
	NewStop      money.Price `json:"new_stop"`
	TriggerPrice money.Price `json:"trigger_price"`
}
