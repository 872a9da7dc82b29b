package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"stopdaemon/internal/eventlog"
	"stopdaemon/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Orders registers the venue order lifecycle handlers
// (submit -> acknowledge -> fill*/reject/cancel) against repo. FILL_RECEIVED
// is deduplicated per (tenant_id, order_id, exchange_trade_id) before the
// order's filled quantity and fee accumulate (§4.E); the same exchange
// trade id reported against two different orders is folded into both.
func Orders(repo repository.OrderRepository) *Registry {
	reg := NewRegistry()
	reg.Register("ORDER_SUBMITTED", orderSubmitted(repo))
	reg.Register("ORDER_ACKED", orderAcked(repo))
	reg.Register("ORDER_REJECTED", orderTerminal(repo, "rejected"))
	reg.Register("ORDER_CANCELED", orderTerminal(repo, "cancelled"))
	reg.Register("FILL_RECEIVED", fillReceived(repo))
	return reg
}

type orderSubmittedPayload struct {
	OrderID       uuid.UUID `json:"order_id"`
	PositionID    uuid.UUID `json:"position_id"`
	Side          string    `json:"side"`
	Kind          string    `json:"kind"`
	ExpectedPrice string    `json:"expected_price"`
	Quantity      string    `json:"quantity"`
}

func orderSubmitted(repo repository.OrderRepository) HandlerFunc {
	return func(ctx context.Context, env eventlog.EventEnvelope) error {
		var p orderSubmittedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: ORDER_SUBMITTED: %v", errInvalidPayload, err)
		}
		_, lastSeq, err := repo.Get(ctx, env.TenantID, p.OrderID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if env.Seq <= lastSeq {
			return nil
		}
		rec := &repository.OrderRecord{
			OrderID:       p.OrderID,
			PositionID:    p.PositionID,
			Side:          p.Side,
			Kind:          p.Kind,
			Status:        "submitted",
			ExpectedPrice: p.ExpectedPrice,
			Quantity:      p.Quantity,
			FilledQty:     "0",
		}
		return repo.Upsert(ctx, env.TenantID, rec, env.Seq)
	}
}

type orderIDPayload struct {
	OrderID uuid.UUID `json:"order_id"`
}

func orderAcked(repo repository.OrderRepository) HandlerFunc {
	return func(ctx context.Context, env eventlog.EventEnvelope) error {
		return mutateOrder(ctx, repo, env, func(rec *repository.OrderRecord) {
			rec.Status = "acked"
		})
	}
}

func orderTerminal(repo repository.OrderRepository, status string) HandlerFunc {
	return func(ctx context.Context, env eventlog.EventEnvelope) error {
		return mutateOrder(ctx, repo, env, func(rec *repository.OrderRecord) {
			rec.Status = status
		})
	}
}

func mutateOrder(ctx context.Context, repo repository.OrderRepository, env eventlog.EventEnvelope, mutate func(*repository.OrderRecord)) error {
	var p orderIDPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: %s: %v", errInvalidPayload, env.EventType, err)
	}
	rec, lastSeq, err := repo.Get(ctx, env.TenantID, p.OrderID)
	if err != nil {
		return fmt.Errorf("projector: %s for unknown order %s: %w", env.EventType, p.OrderID, err)
	}
	if env.Seq <= lastSeq {
		return nil
	}
	mutate(rec)
	return repo.Upsert(ctx, env.TenantID, rec, env.Seq)
}

type fillReceivedPayload struct {
	OrderID         uuid.UUID `json:"order_id"`
	ExchangeTradeID string    `json:"exchange_trade_id"`
	FillPrice       string    `json:"fill_price"`
	FillQuantity    string    `json:"fill_quantity"`
	Fee             string    `json:"fee"`
}

func fillReceived(repo repository.OrderRepository) HandlerFunc {
	return func(ctx context.Context, env eventlog.EventEnvelope) error {
		var p fillReceivedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: FILL_RECEIVED: %v", errInvalidPayload, err)
		}

		seen, err := repo.HasExchangeTrade(ctx, env.TenantID, p.OrderID, p.ExchangeTradeID)
		if err != nil {
			return err
		}
		if seen {
			// Already folded into this order's filled quantity; dedup per
			// (tenant_id, order_id, exchange_trade_id).
			return nil
		}

		rec, lastSeq, err := repo.Get(ctx, env.TenantID, p.OrderID)
		if err != nil {
			return fmt.Errorf("projector: FILL_RECEIVED for unknown order %s: %w", p.OrderID, err)
		}
		if env.Seq <= lastSeq {
			return nil
		}

		filled, err := decimal.NewFromString(orDefault(rec.FilledQty, "0"))
		if err != nil {
			return fmt.Errorf("%w: stored filled_qty %q: %v", errInvalidPayload, rec.FilledQty, err)
		}
		fillQty, err := decimal.NewFromString(p.FillQuantity)
		if err != nil {
			return fmt.Errorf("%w: fill_quantity %q: %v", errInvalidPayload, p.FillQuantity, err)
		}

		rec.FilledQty = filled.Add(fillQty).String()
		rec.FilledPrice = p.FillPrice
		rec.Status = fillStatus(rec)

		if err := repo.Upsert(ctx, env.TenantID, rec, env.Seq); err != nil {
			return err
		}
		return repo.RecordExchangeTrade(ctx, env.TenantID, p.OrderID, p.ExchangeTradeID)
	}
}

// fillStatus reports "filled" once FilledQty has caught up to Quantity,
// "partial" otherwise; both are terminal-adjacent read states, never folded
// back into position state directly (that happens via EntryFilled/ExitFilled
// on the position stream, which the order event correlates with but does
// not drive).
func fillStatus(rec *repository.OrderRecord) string {
	total, errTotal := decimal.NewFromString(orDefault(rec.Quantity, "0"))
	filled, errFilled := decimal.NewFromString(orDefault(rec.FilledQty, "0"))
	if errTotal != nil || errFilled != nil {
		return "partial"
	}
	if filled.GreaterThanOrEqual(total) {
		return "filled"
	}
	return "partial"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

var errInvalidPayload = errors.New("projector: invalid payload")
