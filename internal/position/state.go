package position

import (
	"errors"
	"time"

	"stopdaemon/internal/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidStateTransition is returned by Apply when an event cannot be
// folded onto the current state.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// Kind identifies which arm of the closed state sum is populated.
type Kind int

const (
	KindArmed Kind = iota
	KindActive
	KindExiting
	KindClosed
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindArmed:
		return "armed"
	case KindActive:
		return "active"
	case KindExiting:
		return "exiting"
	case KindClosed:
		return "closed"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the closed sum of position states. Only the fields relevant to
// Kind are meaningful; callers must switch on Kind before reading them.
type State struct {
	Kind Kind

	// Active
	CurrentPrice      money.Price
	TrailingStop      money.Price
	FavorableExtreme  money.Price
	ExtremeAt         time.Time
	InsuranceStopID   *uuid.UUID
	LastEmittedStop   *money.Price

	// Exiting
	StopPrice    money.Price
	TriggerPrice money.Price
	ExitReason   ExitReason

	// Closed
	ExitPrice   money.Price
	RealizedPnL decimal.Decimal
	CloseReason ExitReason

	// Error
	Recoverable bool
	Message     string
}

// Position is the entity; identity is PositionID, a time-ordered UUID.
type Position struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	Symbol            money.Symbol
	Side              money.Side
	EntryPrice        *money.Price
	Quantity          *money.Quantity
	TechStopDistance  *money.TechnicalStopDistance
	State             State
	EntryFilledAt     *time.Time
	ClosedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewArmed constructs a freshly-armed position from a user command.
func NewArmed(id, accountID uuid.UUID, symbol money.Symbol, side money.Side, now time.Time) *Position {
	return &Position{
		ID:        id,
		AccountID: accountID,
		Symbol:    symbol,
		Side:      side,
		State:     State{Kind: KindArmed},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal reports whether no further transitions are legal (invariant 7).
func (s State) IsTerminal() bool {
	return s.Kind == KindClosed || s.Kind == KindError
}
