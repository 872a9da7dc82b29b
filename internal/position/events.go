// Package position models the position entity, its closed event algebra,
// and the state machine that folds one event at a time. Events are value
// objects; no behavior lives on them beyond identity and a stable tag.
package position

import (
	"time"

	"stopdaemon/internal/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExitReason enumerates why a position left the Active/Exiting path.
type ExitReason string

const (
	ExitReasonTrailingStop ExitReason = "trailing_stop"
	ExitReasonUserPanic    ExitReason = "user_panic"
)

// Event is the closed sum of domain events. Every kind exposes a stable
// string tag plus the position it belongs to and when it happened.
type Event interface {
	Tag() string
	PositionID() uuid.UUID
	OccurredAt() time.Time
}

type base struct {
	ID uuid.UUID
	At time.Time
}

func (b base) PositionID() uuid.UUID { return b.ID }
func (b base) OccurredAt() time.Time { return b.At }

// PositionArmed: position created and armed, waiting for an entry signal.
type PositionArmed struct {
	base
	AccountID        uuid.UUID
	Symbol           money.Symbol
	Side             money.Side
	TechStopDistance money.TechnicalStopDistance
	Quantity         money.Quantity
}

func (PositionArmed) Tag() string { return "position_armed" }

// EntryOrderPlaced: entry order sent to the venue.
type EntryOrderPlaced struct {
	base
	OrderID        uuid.UUID
	ExpectedPrice  money.Price
	Quantity       money.Quantity
}

func (EntryOrderPlaced) Tag() string { return "entry_order_placed" }

// EntryFilled: entry order filled; position becomes Active.
type EntryFilled struct {
	base
	OrderID        uuid.UUID
	FillPrice      money.Price
	FilledQuantity money.Quantity
	InitialStop    money.Price
}

func (EntryFilled) Tag() string { return "entry_filled" }

// TrailingStopUpdated: the stop ratcheted toward the position.
type TrailingStopUpdated struct {
	base
	PreviousStop  money.Price
	NewStop       money.Price
	TriggerPrice  money.Price
}

func (TrailingStopUpdated) Tag() string { return "trailing_stop_updated" }

// ExitTriggered: stop hit, or the user panicked.
type ExitTriggered struct {
	base
	Reason       ExitReason
	TriggerPrice money.Price
	StopPrice    money.Price
}

func (ExitTriggered) Tag() string { return "exit_triggered" }

// ExitOrderPlaced: exit order sent to the venue.
type ExitOrderPlaced struct {
	base
	OrderID       uuid.UUID
	ExpectedPrice money.Price
	Quantity      money.Quantity
}

func (ExitOrderPlaced) Tag() string { return "exit_order_placed" }

// ExitFilled: exit order filled; position moving to Closed.
type ExitFilled struct {
	base
	OrderID        uuid.UUID
	FillPrice      money.Price
	FilledQuantity money.Quantity
}

func (ExitFilled) Tag() string { return "exit_filled" }

// PositionClosed: terminal state reached. RealizedPnL is signed (a losing
// trade is negative), so it is a plain decimal rather than a money.Price,
// which only ever holds strictly-positive values.
type PositionClosed struct {
	base
	ExitPrice   money.Price
	RealizedPnL decimal.Decimal
	Reason      ExitReason
}

func (PositionClosed) Tag() string { return "position_closed" }

// PositionError: an unrecoverable (or recoverable-pending-operator) fault.
type PositionError struct {
	base
	Recoverable bool
	Message     string
}

func (PositionError) Tag() string { return "position_error" }

// InsuranceStopPlaced: a resting stop order was placed on the venue as a
// crash-safety net alongside the in-memory trailing stop.
type InsuranceStopPlaced struct {
	base
	OrderID   uuid.UUID
	StopPrice money.Price
}

func (InsuranceStopPlaced) Tag() string { return "insurance_stop_placed" }

// InsuranceStopCancelled: the resting insurance stop was cancelled, usually
// because the in-memory trailing stop moved and a fresh one replaces it.
type InsuranceStopCancelled struct {
	base
	OrderID uuid.UUID
}

func (InsuranceStopCancelled) Tag() string { return "insurance_stop_cancelled" }

// NewBase is the constructor helper every event uses to fill identity and
// timestamp fields.
func NewBase(positionID uuid.UUID, at time.Time) base {
	return base{ID: positionID, At: at}
}

// Exported constructors follow: base is unexported, so packages outside
// position (the projector, the intent executor) cannot set it via a
// composite literal and must go through these instead.

func NewPositionArmed(positionID, accountID uuid.UUID, symbol money.Symbol, side money.Side, techStopDistance money.TechnicalStopDistance, quantity money.Quantity, at time.Time) PositionArmed {
	return PositionArmed{
		base:             NewBase(positionID, at),
		AccountID:        accountID,
		Symbol:           symbol,
		Side:             side,
		TechStopDistance: techStopDistance,
		Quantity:         quantity,
	}
}

func NewEntryOrderPlaced(positionID, orderID uuid.UUID, expectedPrice money.Price, quantity money.Quantity, at time.Time) EntryOrderPlaced {
	return EntryOrderPlaced{base: NewBase(positionID, at), OrderID: orderID, ExpectedPrice: expectedPrice, Quantity: quantity}
}

func NewEntryFilled(positionID, orderID uuid.UUID, fillPrice money.Price, filledQuantity money.Quantity, initialStop money.Price, at time.Time) EntryFilled {
	return EntryFilled{base: NewBase(positionID, at), OrderID: orderID, FillPrice: fillPrice, FilledQuantity: filledQuantity, InitialStop: initialStop}
}

func NewTrailingStopUpdated(positionID uuid.UUID, previousStop, newStop, triggerPrice money.Price, at time.Time) TrailingStopUpdated {
	return TrailingStopUpdated{base: NewBase(positionID, at), PreviousStop: previousStop, NewStop: newStop, TriggerPrice: triggerPrice}
}

func NewExitTriggered(positionID uuid.UUID, reason ExitReason, triggerPrice, stopPrice money.Price, at time.Time) ExitTriggered {
	return ExitTriggered{base: NewBase(positionID, at), Reason: reason, TriggerPrice: triggerPrice, StopPrice: stopPrice}
}

func NewExitOrderPlaced(positionID, orderID uuid.UUID, expectedPrice money.Price, quantity money.Quantity, at time.Time) ExitOrderPlaced {
	return ExitOrderPlaced{base: NewBase(positionID, at), OrderID: orderID, ExpectedPrice: expectedPrice, Quantity: quantity}
}

func NewExitFilled(positionID, orderID uuid.UUID, fillPrice money.Price, filledQuantity money.Quantity, at time.Time) ExitFilled {
	return ExitFilled{base: NewBase(positionID, at), OrderID: orderID, FillPrice: fillPrice, FilledQuantity: filledQuantity}
}

func NewPositionClosed(positionID uuid.UUID, at time.Time) PositionClosed {
	return PositionClosed{base: NewBase(positionID, at)}
}

func NewPositionError(positionID uuid.UUID, recoverable bool, message string, at time.Time) PositionError {
	return PositionError{base: NewBase(positionID, at), Recoverable: recoverable, Message: message}
}

func NewInsuranceStopPlaced(positionID, orderID uuid.UUID, stopPrice money.Price, at time.Time) InsuranceStopPlaced {
	return InsuranceStopPlaced{base: NewBase(positionID, at), OrderID: orderID, StopPrice: stopPrice}
}

func NewInsuranceStopCancelled(positionID, orderID uuid.UUID, at time.Time) InsuranceStopCancelled {
	return InsuranceStopCancelled{base: NewBase(positionID, at), OrderID: orderID}
}
