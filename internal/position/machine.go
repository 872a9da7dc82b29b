package position

import (
	"fmt"

	"stopdaemon/internal/money"
	"github.com/shopspring/decimal"
)

// Apply folds one event onto the position's current state, enforcing the
// armed->active->exiting->closed lifecycle (Error reachable from any
// non-terminal state; Closed/Error never transition again — invariant 7).
func (p *Position) Apply(ev Event) error {
	// PositionClosed is the idempotent terminal marker that follows
	// ExitFilled: on an already-closed position it is a no-op.
	if _, ok := ev.(PositionClosed); ok && p.State.Kind == KindClosed {
		return nil
	}
	if p.State.IsTerminal() {
		return fmt.Errorf("%w: position %s is %s, cannot apply %s", ErrInvalidStateTransition, p.ID, p.State.Kind, ev.Tag())
	}

	switch e := ev.(type) {
	case PositionArmed:
		if p.State.Kind != KindArmed {
			return fmt.Errorf("%w: %s on non-armed position", ErrInvalidStateTransition, e.Tag())
		}
		p.Symbol = e.Symbol
		p.Side = e.Side
		dist := e.TechStopDistance
		p.TechStopDistance = &dist
		qty := e.Quantity
		p.Quantity = &qty

	case EntryOrderPlaced:
		if p.State.Kind != KindArmed {
			return fmt.Errorf("%w: %s requires Armed, have %s", ErrInvalidStateTransition, e.Tag(), p.State.Kind)
		}
		// No state-kind change; still waiting for the fill.

	case EntryFilled:
		if p.State.Kind != KindArmed {
			return fmt.Errorf("%w: %s requires Armed, have %s", ErrInvalidStateTransition, e.Tag(), p.State.Kind)
		}
		fillPrice := e.FillPrice
		p.EntryPrice = &fillPrice
		filled := e.FilledQuantity
		p.Quantity = &filled
		at := e.OccurredAt()
		p.EntryFilledAt = &at
		p.State = State{
			Kind:             KindActive,
			CurrentPrice:     e.FillPrice,
			TrailingStop:     e.InitialStop,
			FavorableExtreme: e.FillPrice,
			ExtremeAt:        at,
		}

	case TrailingStopUpdated:
		if p.State.Kind != KindActive {
			return fmt.Errorf("%w: %s requires Active, have %s", ErrInvalidStateTransition, e.Tag(), p.State.Kind)
		}
		// Monotonicity (invariant 6) is enforced by the trailing package and
		// re-checked here defensively.
		switch p.Side {
		case money.Long:
			if !e.NewStop.GreaterThan(p.State.TrailingStop) {
				return fmt.Errorf("%w: trailing stop must move up for long", ErrInvalidStateTransition)
			}
		case money.Short:
			if !e.NewStop.LessThan(p.State.TrailingStop) {
				return fmt.Errorf("%w: trailing stop must move down for short", ErrInvalidStateTransition)
			}
		}
		st := p.State
		st.CurrentPrice = e.TriggerPrice
		st.TrailingStop = e.NewStop
		switch p.Side {
		case money.Long:
			if e.TriggerPrice.GreaterThan(st.FavorableExtreme) {
				st.FavorableExtreme = e.TriggerPrice
			}
		case money.Short:
			if e.TriggerPrice.LessThan(st.FavorableExtreme) {
				st.FavorableExtreme = e.TriggerPrice
			}
		}
		st.ExtremeAt = e.OccurredAt()
		stop := e.NewStop
		st.LastEmittedStop = &stop
		p.State = st

	case ExitTriggered:
		if p.State.Kind != KindActive {
			return fmt.Errorf("%w: %s requires Active, have %s", ErrInvalidStateTransition, e.Tag(), p.State.Kind)
		}
		p.State = State{
			Kind:         KindExiting,
			StopPrice:    e.StopPrice,
			TriggerPrice: e.TriggerPrice,
			ExitReason:   e.Reason,
		}

	case ExitOrderPlaced:
		if p.State.Kind != KindExiting {
			return fmt.Errorf("%w: %s requires Exiting, have %s", ErrInvalidStateTransition, e.Tag(), p.State.Kind)
		}
		// No state-kind change; still waiting for the exit fill.

	case ExitFilled:
		if p.State.Kind != KindExiting {
			return fmt.Errorf("%w: %s requires Exiting, have %s", ErrInvalidStateTransition, e.Tag(), p.State.Kind)
		}
		reason := p.State.ExitReason
		pnl := p.realizedPnL(e.FillPrice)
		at := e.OccurredAt()
		p.ClosedAt = &at
		p.State = State{
			Kind:        KindClosed,
			ExitPrice:   e.FillPrice,
			RealizedPnL: pnl,
			CloseReason: reason,
		}

	case PositionClosed:
		// The no-op on a Closed position returns before the switch; any
		// other state is rejected here.
		if p.State.Kind != KindClosed {
			return fmt.Errorf("%w: %s requires Closed, have %s", ErrInvalidStateTransition, e.Tag(), p.State.Kind)
		}

	case PositionError:
		p.State = State{Kind: KindError, Recoverable: e.Recoverable, Message: e.Message}

	case InsuranceStopPlaced:
		if p.State.Kind != KindActive {
			return fmt.Errorf("%w: %s requires Active, have %s", ErrInvalidStateTransition, e.Tag(), p.State.Kind)
		}
		st := p.State
		id := e.OrderID
		st.InsuranceStopID = &id
		p.State = st

	case InsuranceStopCancelled:
		if p.State.Kind != KindActive {
			return fmt.Errorf("%w: %s requires Active, have %s", ErrInvalidStateTransition, e.Tag(), p.State.Kind)
		}
		st := p.State
		st.InsuranceStopID = nil
		p.State = st

	default:
		return fmt.Errorf("%w: unrecognized event %s", ErrInvalidStateTransition, ev.Tag())
	}

	p.UpdatedAt = ev.OccurredAt()
	return nil
}

// realizedPnL computes (exit-entry)*qty for Long, (entry-exit)*qty for
// Short, using the quantity recorded at entry fill.
func (p *Position) realizedPnL(exitPrice money.Price) decimal.Decimal {
	if p.EntryPrice == nil || p.Quantity == nil {
		return decimal.Zero
	}
	diff := exitPrice.Decimal().Sub(p.EntryPrice.Decimal())
	if p.Side == money.Short {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity.Decimal())
}
