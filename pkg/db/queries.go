// Package db provides the SQLite connection and the typed, tenant-scoped
// queries behind the projection tables (§6). It is the storage layer
// internal/repository/sqliterepo.go wraps with the domain repository
// contracts; this package never imports internal/position or internal/money
// so it stays a thin, swappable persistence boundary, the same separation
// the teacher draws between pkg/db and internal/order.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("db: not found")

// ProjectionQueries is the typed query surface over the projection tables.
type ProjectionQueries struct {
	db *sql.DB
}

func NewProjectionQueries(d *Database) *ProjectionQueries {
	return &ProjectionQueries{db: d.DB}
}

// ---------------------------------------------------------------------
// positions_current
// ---------------------------------------------------------------------

const positionColumns = `
	tenant_id, position_id, account_id, symbol, side, state,
	entry_price, quantity, tech_stop_distance, tech_stop_distance_pct,
	current_price, trailing_stop, favorable_extreme, extreme_at,
	insurance_stop_id, last_emitted_stop, stop_price, trigger_price,
	exit_reason, exit_price, realized_pnl, recoverable, error_message,
	entry_filled_at, closed_at, created_at, updated_at, last_event_id, last_seq
`

func scanPositionRow(row *sql.Row) (PositionRow, error) {
	var r PositionRow
	err := row.Scan(
		&r.TenantID, &r.PositionID, &r.AccountID, &r.Symbol, &r.Side, &r.State,
		&r.EntryPrice, &r.Quantity, &r.TechStopDistance, &r.TechStopDistancePct,
		&r.CurrentPrice, &r.TrailingStop, &r.FavorableExtreme, &r.ExtremeAt,
		&r.InsuranceStopID, &r.LastEmittedStop, &r.StopPrice, &r.TriggerPrice,
		&r.ExitReason, &r.ExitPrice, &r.RealizedPnL, &r.Recoverable, &r.ErrorMessage,
		&r.EntryFilledAt, &r.ClosedAt, &r.CreatedAt, &r.UpdatedAt, &r.LastEventID, &r.LastSeq,
	)
	return r, err
}

func (q *ProjectionQueries) GetPosition(ctx context.Context, tenantID, positionID string) (PositionRow, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions_current WHERE tenant_id = ? AND position_id = ?`, tenantID, positionID)
	r, err := scanPositionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PositionRow{}, ErrNotFound
	}
	if err != nil {
		return PositionRow{}, fmt.Errorf("get position: %w", err)
	}
	return r, nil
}

// FindActivePositions returns every row whose state is armed, active, or
// exiting for tenantID — the sole crash-recovery read path (§4.F).
func (q *ProjectionQueries) FindActivePositions(ctx context.Context, tenantID string) ([]PositionRow, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions_current
		WHERE tenant_id = ? AND state IN ('armed', 'active', 'exiting')`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("find active positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var r PositionRow
		if err := rows.Scan(
			&r.TenantID, &r.PositionID, &r.AccountID, &r.Symbol, &r.Side, &r.State,
			&r.EntryPrice, &r.Quantity, &r.TechStopDistance, &r.TechStopDistancePct,
			&r.CurrentPrice, &r.TrailingStop, &r.FavorableExtreme, &r.ExtremeAt,
			&r.InsuranceStopID, &r.LastEmittedStop, &r.StopPrice, &r.TriggerPrice,
			&r.ExitReason, &r.ExitPrice, &r.RealizedPnL, &r.Recoverable, &r.ErrorMessage,
			&r.EntryFilledAt, &r.ClosedAt, &r.CreatedAt, &r.UpdatedAt, &r.LastEventID, &r.LastSeq,
		); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertPosition writes r if no existing row has last_seq >= r.LastSeq,
// implementing the projector's monotonic write guard (§4.E step 4).
func (q *ProjectionQueries) UpsertPosition(ctx context.Context, r PositionRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO positions_current (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, position_id) DO UPDATE SET
			account_id = excluded.account_id,
			symbol = excluded.symbol,
			side = excluded.side,
			state = excluded.state,
			entry_price = excluded.entry_price,
			quantity = excluded.quantity,
			tech_stop_distance = excluded.tech_stop_distance,
			tech_stop_distance_pct = excluded.tech_stop_distance_pct,
			current_price = excluded.current_price,
			trailing_stop = excluded.trailing_stop,
			favorable_extreme = excluded.favorable_extreme,
			extreme_at = excluded.extreme_at,
			insurance_stop_id = excluded.insurance_stop_id,
			last_emitted_stop = excluded.last_emitted_stop,
			stop_price = excluded.stop_price,
			trigger_price = excluded.trigger_price,
			exit_reason = excluded.exit_reason,
			exit_price = excluded.exit_price,
			realized_pnl = excluded.realized_pnl,
			recoverable = excluded.recoverable,
			error_message = excluded.error_message,
			entry_filled_at = excluded.entry_filled_at,
			closed_at = excluded.closed_at,
			updated_at = excluded.updated_at,
			last_event_id = excluded.last_event_id,
			last_seq = excluded.last_seq
		WHERE positions_current.last_seq < excluded.last_seq
	`,
		r.TenantID, r.PositionID, r.AccountID, r.Symbol, r.Side, r.State,
		r.EntryPrice, r.Quantity, r.TechStopDistance, r.TechStopDistancePct,
		r.CurrentPrice, r.TrailingStop, r.FavorableExtreme, r.ExtremeAt,
		r.InsuranceStopID, r.LastEmittedStop, r.StopPrice, r.TriggerPrice,
		r.ExitReason, r.ExitPrice, r.RealizedPnL, r.Recoverable, r.ErrorMessage,
		r.EntryFilledAt, r.ClosedAt, r.CreatedAt, r.UpdatedAt, r.LastEventID, r.LastSeq,
	)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------
// orders_current / fills
// ---------------------------------------------------------------------

const orderColumns = `
	tenant_id, order_id, position_id, side, kind, status,
	expected_price, filled_price, quantity, filled_qty,
	exchange_order_id, client_order_id, last_event_id, last_seq
`

func (q *ProjectionQueries) GetOrder(ctx context.Context, tenantID, orderID string) (OrderRow, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders_current WHERE tenant_id = ? AND order_id = ?`, tenantID, orderID)
	var r OrderRow
	err := row.Scan(&r.TenantID, &r.OrderID, &r.PositionID, &r.Side, &r.Kind, &r.Status,
		&r.ExpectedPrice, &r.FilledPrice, &r.Quantity, &r.FilledQty,
		&r.ExchangeOrderID, &r.ClientOrderID, &r.LastEventID, &r.LastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return OrderRow{}, ErrNotFound
	}
	if err != nil {
		return OrderRow{}, fmt.Errorf("get order: %w", err)
	}
	return r, nil
}

func (q *ProjectionQueries) UpsertOrder(ctx context.Context, r OrderRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders_current (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, order_id) DO UPDATE SET
			position_id = excluded.position_id,
			side = excluded.side,
			kind = excluded.kind,
			status = excluded.status,
			expected_price = excluded.expected_price,
			filled_price = excluded.filled_price,
			quantity = excluded.quantity,
			filled_qty = excluded.filled_qty,
			exchange_order_id = excluded.exchange_order_id,
			client_order_id = excluded.client_order_id,
			last_event_id = excluded.last_event_id,
			last_seq = excluded.last_seq
		WHERE orders_current.last_seq < excluded.last_seq
	`,
		r.TenantID, r.OrderID, r.PositionID, r.Side, r.Kind, r.Status,
		r.ExpectedPrice, r.FilledPrice, r.Quantity, r.FilledQty,
		r.ExchangeOrderID, r.ClientOrderID, r.LastEventID, r.LastSeq,
	)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

// HasFill reports whether exchangeTradeID was already recorded against
// orderID, the FILL_RECEIVED dedup check (§4.E).
func (q *ProjectionQueries) HasFill(ctx context.Context, tenantID, orderID, exchangeTradeID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM fills WHERE tenant_id = ? AND order_id = ? AND exchange_trade_id = ?`,
		tenantID, orderID, exchangeTradeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check fill: %w", err)
	}
	return n > 0, nil
}

func (q *ProjectionQueries) RecordFill(ctx context.Context, tenantID, orderID, exchangeTradeID, price, quantity, fee string, occurredAt any) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO fills (tenant_id, order_id, exchange_trade_id, price, quantity, fee, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, order_id, exchange_trade_id) DO NOTHING
	`, tenantID, orderID, exchangeTradeID, price, quantity, fee, occurredAt)
	if err != nil {
		return fmt.Errorf("record fill: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------
// balances_current
// ---------------------------------------------------------------------

func (q *ProjectionQueries) GetBalance(ctx context.Context, tenantID, balanceID string) (BalanceRow, error) {
	row := q.db.QueryRowContext(ctx, `SELECT tenant_id, balance_id, account_id, asset, free, locked, last_event_id, last_seq
		FROM balances_current WHERE tenant_id = ? AND balance_id = ?`, tenantID, balanceID)
	var r BalanceRow
	err := row.Scan(&r.TenantID, &r.BalanceID, &r.AccountID, &r.Asset, &r.Free, &r.Locked, &r.LastEventID, &r.LastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return BalanceRow{}, ErrNotFound
	}
	if err != nil {
		return BalanceRow{}, fmt.Errorf("get balance: %w", err)
	}
	return r, nil
}

func (q *ProjectionQueries) UpsertBalance(ctx context.Context, r BalanceRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO balances_current (tenant_id, balance_id, account_id, asset, free, locked, last_event_id, last_seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tenant_id, balance_id) DO UPDATE SET
			account_id = excluded.account_id, asset = excluded.asset,
			free = excluded.free, locked = excluded.locked,
			last_event_id = excluded.last_event_id, last_seq = excluded.last_seq,
			updated_at = CURRENT_TIMESTAMP
		WHERE balances_current.last_seq < excluded.last_seq
	`, r.TenantID, r.BalanceID, r.AccountID, r.Asset, r.Free, r.Locked, r.LastEventID, r.LastSeq)
	if err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------
// strategy_state_current / risk_state_current
// ---------------------------------------------------------------------

func (q *ProjectionQueries) GetStrategyState(ctx context.Context, tenantID, strategyID string) (StrategyStateRow, error) {
	row := q.db.QueryRowContext(ctx, `SELECT tenant_id, strategy_id, enabled, config_yaml, last_event_id, last_seq
		FROM strategy_state_current WHERE tenant_id = ? AND strategy_id = ?`, tenantID, strategyID)
	var r StrategyStateRow
	err := row.Scan(&r.TenantID, &r.StrategyID, &r.Enabled, &r.ConfigYAML, &r.LastEventID, &r.LastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return StrategyStateRow{}, ErrNotFound
	}
	if err != nil {
		return StrategyStateRow{}, fmt.Errorf("get strategy state: %w", err)
	}
	return r, nil
}

func (q *ProjectionQueries) UpsertStrategyState(ctx context.Context, r StrategyStateRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategy_state_current (tenant_id, strategy_id, enabled, config_yaml, last_event_id, last_seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tenant_id, strategy_id) DO UPDATE SET
			enabled = excluded.enabled, config_yaml = excluded.config_yaml,
			last_event_id = excluded.last_event_id, last_seq = excluded.last_seq,
			updated_at = CURRENT_TIMESTAMP
		WHERE strategy_state_current.last_seq < excluded.last_seq
	`, r.TenantID, r.StrategyID, r.Enabled, r.ConfigYAML, r.LastEventID, r.LastSeq)
	if err != nil {
		return fmt.Errorf("upsert strategy state: %w", err)
	}
	return nil
}

func (q *ProjectionQueries) GetRiskState(ctx context.Context, tenantID, accountID, strategyID string) (RiskStateRow, error) {
	row := q.db.QueryRowContext(ctx, `SELECT tenant_id, account_id, strategy_id, violated, reason, last_event_id, last_seq
		FROM risk_state_current WHERE tenant_id = ? AND account_id = ? AND strategy_id = ?`, tenantID, accountID, strategyID)
	var r RiskStateRow
	err := row.Scan(&r.TenantID, &r.AccountID, &r.StrategyID, &r.Violated, &r.Reason, &r.LastEventID, &r.LastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return RiskStateRow{}, ErrNotFound
	}
	if err != nil {
		return RiskStateRow{}, fmt.Errorf("get risk state: %w", err)
	}
	return r, nil
}

func (q *ProjectionQueries) UpsertRiskState(ctx context.Context, r RiskStateRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO risk_state_current (tenant_id, account_id, strategy_id, violated, reason, last_event_id, last_seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tenant_id, account_id, strategy_id) DO UPDATE SET
			violated = excluded.violated, reason = excluded.reason,
			last_event_id = excluded.last_event_id, last_seq = excluded.last_seq,
			updated_at = CURRENT_TIMESTAMP
		WHERE risk_state_current.last_seq < excluded.last_seq
	`, r.TenantID, r.AccountID, r.StrategyID, r.Violated, r.Reason, r.LastEventID, r.LastSeq)
	if err != nil {
		return fmt.Errorf("upsert risk state: %w", err)
	}
	return nil
}
