// Package repository holds the read-side projection tables the projector
// folds events into, and the sole path the runtime uses to recover active
// positions after a crash (FindActiveFromProjection, never event replay
// through side-effectful venue ports).
package repository

import (
	"context"
	"errors"

	"stopdaemon/internal/position"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("projection: not found")

// PositionRepository is the current-state projection table for positions.
// Writes are gated by LastSeq so a re-delivered or out-of-order event never
// regresses state (§4.F invariant).
type PositionRepository interface {
	Get(ctx context.Context, tenantID, positionID uuid.UUID) (*position.Position, int64, error)
	Upsert(ctx context.Context, tenantID uuid.UUID, pos *position.Position, seq int64) error
	FindActiveFromProjection(ctx context.Context, tenantID uuid.UUID) ([]*position.Position, error)
}

// OrderRecord is the read-side projection row for a venue order (§4.E
// orders.go handler). Amounts are decimal strings at the projection
// boundary to mirror the teacher's TEXT-column style for money columns.
type OrderRecord struct {
	OrderID       uuid.UUID
	PositionID    uuid.UUID
	Side          string
	Kind          string // "entry" | "exit"
	Status        string // submitted | acked | partial | filled | rejected | cancelled
	ExpectedPrice string
	FilledPrice   string
	Quantity      string
	FilledQty     string
}

type OrderRepository interface {
	Get(ctx context.Context, tenantID, orderID uuid.UUID) (*OrderRecord, int64, error)
	Upsert(ctx context.Context, tenantID uuid.UUID, rec *OrderRecord, seq int64) error
	// HasExchangeTrade reports whether exchangeTradeID was already applied
	// to this order, for the FILL_RECEIVED dedup invariant in §4.E.
	HasExchangeTrade(ctx context.Context, tenantID, orderID uuid.UUID, exchangeTradeID string) (bool, error)
	RecordExchangeTrade(ctx context.Context, tenantID, orderID uuid.UUID, exchangeTradeID string) error
}

// CursorRepository persists the projector's last-consumed seq per stream so
// a restart resumes rather than reprocessing the whole log (§6 cursor
// file/table).
type CursorRepository interface {
	LastProjected(ctx context.Context, tenantID uuid.UUID, streamKey string) (int64, error)
	SetLastProjected(ctx context.Context, tenantID uuid.UUID, streamKey string, seq int64) error
}

// BalanceRecord is the last-write-wins projection row for one account/asset
// balance sample (§4.E balances handler).
type BalanceRecord struct {
	BalanceID uuid.UUID
	AccountID uuid.UUID
	Asset     string
	Free      string
	Locked    string
}

type BalanceRepository interface {
	Get(ctx context.Context, tenantID, balanceID uuid.UUID) (*BalanceRecord, int64, error)
	Upsert(ctx context.Context, tenantID uuid.UUID, rec *BalanceRecord, seq int64) error
}

// StrategyStateRecord is the enable/disable projection row for a strategy,
// carrying its last-applied config snapshot (§4.E strategy handler).
type StrategyStateRecord struct {
	StrategyID uuid.UUID
	Enabled    bool
	ConfigYAML string
}

type StrategyRepository interface {
	Get(ctx context.Context, tenantID, strategyID uuid.UUID) (*StrategyStateRecord, int64, error)
	Upsert(ctx context.Context, tenantID uuid.UUID, rec *StrategyStateRecord, seq int64) error
}

// RiskStateRecord flags a risk-check violation for an (account, strategy)
// pair (§4.E risk handler).
type RiskStateRecord struct {
	AccountID  uuid.UUID
	StrategyID uuid.UUID
	Violated   bool
	Reason     string
}

type RiskRepository interface {
	Get(ctx context.Context, tenantID, accountID, strategyID uuid.UUID) (*RiskStateRecord, int64, error)
	Upsert(ctx context.Context, tenantID uuid.UUID, rec *RiskStateRecord, seq int64) error
}
