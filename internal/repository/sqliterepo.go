package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stopdaemon/internal/money"
	"stopdaemon/internal/position"
	"stopdaemon/pkg/db"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrDeserialization is returned by the SQLite-backed projection reader when
// a stored row combination is impossible to reconstruct into a valid
// Position — e.g. state=active with no entry_price (§4.F).
var ErrDeserialization = errors.New("repository: deserialization")

// sqlitePositionRepo is the durable PositionRepository, a thin wrapper over
// pkg/db.ProjectionQueries in the style of the teacher's pkg/db.UserQueries
// (§4.F), used in place of memrepo whenever database_url is configured.
type sqlitePositionRepo struct {
	q *db.ProjectionQueries
}

func NewSQLitePositionRepository(q *db.ProjectionQueries) PositionRepository {
	return &sqlitePositionRepo{q: q}
}

func (r *sqlitePositionRepo) Get(ctx context.Context, tenantID, positionID uuid.UUID) (*position.Position, int64, error) {
	row, err := r.q.GetPosition(ctx, tenantID.String(), positionID.String())
	if errors.Is(err, db.ErrNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	pos, err := decodePositionRow(row)
	if err != nil {
		return nil, 0, err
	}
	return pos, row.LastSeq, nil
}

func (r *sqlitePositionRepo) Upsert(ctx context.Context, tenantID uuid.UUID, pos *position.Position, seq int64) error {
	row, err := encodePositionRow(tenantID, pos, seq)
	if err != nil {
		return err
	}
	return r.q.UpsertPosition(ctx, row)
}

func (r *sqlitePositionRepo) FindActiveFromProjection(ctx context.Context, tenantID uuid.UUID) ([]*position.Position, error) {
	rows, err := r.q.FindActivePositions(ctx, tenantID.String())
	if err != nil {
		return nil, err
	}
	out := make([]*position.Position, 0, len(rows))
	for _, row := range rows {
		pos, err := decodePositionRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, nil
}

// encodePositionRow flattens a Position into its §6 projection columns.
// Quantity fields that model an optional money.* value are written only
// when the Go-side pointer is non-nil; decodePositionRow enforces the
// inverse invariant on read.
func encodePositionRow(tenantID uuid.UUID, pos *position.Position, seq int64) (db.PositionRow, error) {
	row := db.PositionRow{
		TenantID:    tenantID.String(),
		PositionID:  pos.ID.String(),
		AccountID:   pos.AccountID.String(),
		Symbol:      pos.Symbol.String(),
		Side:        pos.Side.String(),
		State:       pos.State.Kind.String(),
		CreatedAt:   sql.NullTime{Time: pos.CreatedAt, Valid: true},
		UpdatedAt:   sql.NullTime{Time: pos.UpdatedAt, Valid: true},
		LastEventID: "projected", // event_id itself is not tracked per-row; last_seq is authoritative
		LastSeq:     seq,
	}

	if pos.EntryPrice != nil {
		row.EntryPrice = nsString(pos.EntryPrice.String())
	}
	if pos.Quantity != nil {
		row.Quantity = nsString(pos.Quantity.String())
	}
	if pos.TechStopDistance != nil {
		row.TechStopDistance = nsString(pos.TechStopDistance.Decimal().String())
		row.TechStopDistancePct = nsString(pos.TechStopDistance.Percent().String())
	}
	if pos.EntryFilledAt != nil {
		row.EntryFilledAt = sql.NullTime{Time: *pos.EntryFilledAt, Valid: true}
	}
	if pos.ClosedAt != nil {
		row.ClosedAt = sql.NullTime{Time: *pos.ClosedAt, Valid: true}
	}

	switch pos.State.Kind {
	case position.KindActive:
		row.CurrentPrice = nsString(pos.State.CurrentPrice.String())
		row.TrailingStop = nsString(pos.State.TrailingStop.String())
		row.FavorableExtreme = nsString(pos.State.FavorableExtreme.String())
		row.ExtremeAt = sql.NullTime{Time: pos.State.ExtremeAt, Valid: true}
		if pos.State.InsuranceStopID != nil {
			row.InsuranceStopID = nsString(pos.State.InsuranceStopID.String())
		}
		if pos.State.LastEmittedStop != nil {
			row.LastEmittedStop = nsString(pos.State.LastEmittedStop.String())
		}
	case position.KindExiting:
		row.StopPrice = nsString(pos.State.StopPrice.String())
		row.TriggerPrice = nsString(pos.State.TriggerPrice.String())
		row.ExitReason = nsString(string(pos.State.ExitReason))
	case position.KindClosed:
		row.ExitPrice = nsString(pos.State.ExitPrice.String())
		row.RealizedPnL = nsString(pos.State.RealizedPnL.String())
		row.ExitReason = nsString(string(pos.State.CloseReason))
	case position.KindError:
		row.Recoverable = sql.NullBool{Bool: pos.State.Recoverable, Valid: true}
		row.ErrorMessage = nsString(pos.State.Message)
	}

	return row, nil
}

func nsString(s string) sql.NullString { return sql.NullString{String: s, Valid: true} }

// decodePositionRow reconstructs a Position from its projection columns,
// failing ErrDeserialization on any combination that cannot represent a
// valid domain state (§4.F: "missing entry_price on active, invalid side").
func decodePositionRow(row db.PositionRow) (*position.Position, error) {
	id, err := uuid.Parse(row.PositionID)
	if err != nil {
		return nil, fmt.Errorf("%w: position_id %q: %v", ErrDeserialization, row.PositionID, err)
	}
	accountID, err := uuid.Parse(row.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: account_id %q: %v", ErrDeserialization, row.AccountID, err)
	}
	symbol, err := money.NewSymbol(row.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: symbol %q: %v", ErrDeserialization, row.Symbol, err)
	}
	side, err := money.ParseSide(row.Side)
	if err != nil {
		return nil, fmt.Errorf("%w: side %q: %v", ErrDeserialization, row.Side, err)
	}

	pos := &position.Position{
		ID:        id,
		AccountID: accountID,
		Symbol:    symbol,
		Side:      side,
		CreatedAt: nullTime(row.CreatedAt),
		UpdatedAt: nullTime(row.UpdatedAt),
	}

	if row.EntryPrice.Valid {
		p, err := decodePrice(row.EntryPrice.String)
		if err != nil {
			return nil, fmt.Errorf("%w: entry_price: %v", ErrDeserialization, err)
		}
		pos.EntryPrice = &p
	}
	if row.Quantity.Valid {
		q, err := decodeQuantity(row.Quantity.String)
		if err != nil {
			return nil, fmt.Errorf("%w: quantity: %v", ErrDeserialization, err)
		}
		pos.Quantity = &q
	}
	if row.TechStopDistance.Valid {
		d := mustDecimal(row.TechStopDistance.String)
		ref := pos.EntryPrice
		if ref == nil {
			// An armed row carries the distance before any entry price
			// exists; its stored percent gives back the reference price.
			pct := mustDecimal(row.TechStopDistancePct.String)
			if !row.TechStopDistancePct.Valid || pct.Sign() <= 0 {
				return nil, fmt.Errorf("%w: tech_stop_distance set without entry_price or percent", ErrDeserialization)
			}
			p, err := money.NewPrice(d.Div(pct))
			if err != nil {
				return nil, fmt.Errorf("%w: tech_stop_distance reference: %v", ErrDeserialization, err)
			}
			ref = &p
		}
		dist, err := money.NewTechnicalStopDistance(d, *ref)
		if err != nil {
			return nil, fmt.Errorf("%w: tech_stop_distance: %v", ErrDeserialization, err)
		}
		pos.TechStopDistance = &dist
	}
	if row.EntryFilledAt.Valid {
		t := row.EntryFilledAt.Time
		pos.EntryFilledAt = &t
	}
	if row.ClosedAt.Valid {
		t := row.ClosedAt.Time
		pos.ClosedAt = &t
	}

	state, err := decodePositionState(row)
	if err != nil {
		return nil, err
	}
	if state.Kind == position.KindActive && pos.EntryPrice == nil {
		return nil, fmt.Errorf("%w: active position missing entry_price", ErrDeserialization)
	}
	pos.State = state
	return pos, nil
}

func decodePositionState(row db.PositionRow) (position.State, error) {
	switch row.State {
	case "armed":
		return position.State{Kind: position.KindArmed}, nil

	case "active":
		if !row.CurrentPrice.Valid || !row.TrailingStop.Valid || !row.FavorableExtreme.Valid {
			return position.State{}, fmt.Errorf("%w: active position missing current_price/trailing_stop/favorable_extreme", ErrDeserialization)
		}
		current, err1 := decodePrice(row.CurrentPrice.String)
		stop, err2 := decodePrice(row.TrailingStop.String)
		extreme, err3 := decodePrice(row.FavorableExtreme.String)
		if err := firstErr(err1, err2, err3); err != nil {
			return position.State{}, fmt.Errorf("%w: active price fields: %v", ErrDeserialization, err)
		}
		state := position.State{
			Kind:             position.KindActive,
			CurrentPrice:     current,
			TrailingStop:     stop,
			FavorableExtreme: extreme,
			ExtremeAt:        nullTime(row.ExtremeAt),
		}
		if row.InsuranceStopID.Valid {
			id, err := uuid.Parse(row.InsuranceStopID.String)
			if err != nil {
				return position.State{}, fmt.Errorf("%w: insurance_stop_id: %v", ErrDeserialization, err)
			}
			state.InsuranceStopID = &id
		}
		if row.LastEmittedStop.Valid {
			p, err := decodePrice(row.LastEmittedStop.String)
			if err != nil {
				return position.State{}, fmt.Errorf("%w: last_emitted_stop: %v", ErrDeserialization, err)
			}
			state.LastEmittedStop = &p
		}
		return state, nil

	case "exiting":
		if !row.StopPrice.Valid || !row.TriggerPrice.Valid {
			return position.State{}, fmt.Errorf("%w: exiting position missing stop_price/trigger_price", ErrDeserialization)
		}
		stop, err1 := decodePrice(row.StopPrice.String)
		trigger, err2 := decodePrice(row.TriggerPrice.String)
		if err := firstErr(err1, err2); err != nil {
			return position.State{}, fmt.Errorf("%w: exiting price fields: %v", ErrDeserialization, err)
		}
		return position.State{
			Kind:         position.KindExiting,
			StopPrice:    stop,
			TriggerPrice: trigger,
			ExitReason:   position.ExitReason(row.ExitReason.String),
		}, nil

	case "closed":
		if !row.ExitPrice.Valid || !row.RealizedPnL.Valid {
			return position.State{}, fmt.Errorf("%w: closed position missing exit_price/realized_pnl", ErrDeserialization)
		}
		exitPrice, err1 := decodePrice(row.ExitPrice.String)
		pnl, err2 := decimal.NewFromString(row.RealizedPnL.String)
		if err := firstErr(err1, err2); err != nil {
			return position.State{}, fmt.Errorf("%w: closed fields: %v", ErrDeserialization, err)
		}
		return position.State{
			Kind:        position.KindClosed,
			ExitPrice:   exitPrice,
			RealizedPnL: pnl,
			CloseReason: position.ExitReason(row.ExitReason.String),
		}, nil

	case "error":
		return position.State{
			Kind:        position.KindError,
			Recoverable: row.Recoverable.Bool,
			Message:     row.ErrorMessage.String,
		}, nil

	default:
		return position.State{}, fmt.Errorf("%w: unknown state %q", ErrDeserialization, row.State)
	}
}

func decodePrice(s string) (money.Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return money.Price{}, err
	}
	return money.NewPrice(d)
}

func decodeQuantity(s string) (money.Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return money.Quantity{}, err
	}
	return money.NewQuantity(d)
}

func mustDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func nullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// Orders, balances, strategy, risk — thin mappers over pkg/db rows; these
// carry no nested state-machine decoding so they stay direct field copies.
// ---------------------------------------------------------------------

type sqliteOrderRepo struct{ q *db.ProjectionQueries }

func NewSQLiteOrderRepository(q *db.ProjectionQueries) OrderRepository {
	return &sqliteOrderRepo{q: q}
}

func (r *sqliteOrderRepo) Get(ctx context.Context, tenantID, orderID uuid.UUID) (*OrderRecord, int64, error) {
	row, err := r.q.GetOrder(ctx, tenantID.String(), orderID.String())
	if errors.Is(err, db.ErrNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	posID, err := uuid.Parse(row.PositionID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: order position_id: %v", ErrDeserialization, err)
	}
	rec := &OrderRecord{
		OrderID:       orderID,
		PositionID:    posID,
		Side:          row.Side,
		Kind:          row.Kind,
		Status:        row.Status,
		ExpectedPrice: row.ExpectedPrice.String,
		FilledPrice:   row.FilledPrice.String,
		Quantity:      row.Quantity.String,
		FilledQty:     row.FilledQty.String,
	}
	return rec, row.LastSeq, nil
}

func (r *sqliteOrderRepo) Upsert(ctx context.Context, tenantID uuid.UUID, rec *OrderRecord, seq int64) error {
	row := db.OrderRow{
		TenantID:      tenantID.String(),
		OrderID:       rec.OrderID.String(),
		PositionID:    rec.PositionID.String(),
		Side:          rec.Side,
		Kind:          rec.Kind,
		Status:        rec.Status,
		ExpectedPrice: nsString(rec.ExpectedPrice),
		FilledPrice:   nsString(rec.FilledPrice),
		Quantity:      nsString(rec.Quantity),
		FilledQty:     nsString(rec.FilledQty),
		LastEventID:   "projected",
		LastSeq:       seq,
	}
	return r.q.UpsertOrder(ctx, row)
}

func (r *sqliteOrderRepo) HasExchangeTrade(ctx context.Context, tenantID, orderID uuid.UUID, exchangeTradeID string) (bool, error) {
	return r.q.HasFill(ctx, tenantID.String(), orderID.String(), exchangeTradeID)
}

func (r *sqliteOrderRepo) RecordExchangeTrade(ctx context.Context, tenantID, orderID uuid.UUID, exchangeTradeID string) error {
	return r.q.RecordFill(ctx, tenantID.String(), orderID.String(), exchangeTradeID, "0", "0", "0", time.Now().UTC())
}

type sqliteBalanceRepo struct{ q *db.ProjectionQueries }

func NewSQLiteBalanceRepository(q *db.ProjectionQueries) BalanceRepository {
	return &sqliteBalanceRepo{q: q}
}

func (r *sqliteBalanceRepo) Get(ctx context.Context, tenantID, balanceID uuid.UUID) (*BalanceRecord, int64, error) {
	row, err := r.q.GetBalance(ctx, tenantID.String(), balanceID.String())
	if errors.Is(err, db.ErrNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	accountID, err := uuid.Parse(row.AccountID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: balance account_id: %v", ErrDeserialization, err)
	}
	return &BalanceRecord{BalanceID: balanceID, AccountID: accountID, Asset: row.Asset, Free: row.Free, Locked: row.Locked}, row.LastSeq, nil
}

func (r *sqliteBalanceRepo) Upsert(ctx context.Context, tenantID uuid.UUID, rec *BalanceRecord, seq int64) error {
	row := db.BalanceRow{
		TenantID: tenantID.String(), BalanceID: rec.BalanceID.String(), AccountID: rec.AccountID.String(),
		Asset: rec.Asset, Free: rec.Free, Locked: rec.Locked, LastEventID: "projected", LastSeq: seq,
	}
	return r.q.UpsertBalance(ctx, row)
}

type sqliteStrategyRepo struct{ q *db.ProjectionQueries }

func NewSQLiteStrategyRepository(q *db.ProjectionQueries) StrategyRepository {
	return &sqliteStrategyRepo{q: q}
}

func (r *sqliteStrategyRepo) Get(ctx context.Context, tenantID, strategyID uuid.UUID) (*StrategyStateRecord, int64, error) {
	row, err := r.q.GetStrategyState(ctx, tenantID.String(), strategyID.String())
	if errors.Is(err, db.ErrNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return &StrategyStateRecord{StrategyID: strategyID, Enabled: row.Enabled, ConfigYAML: row.ConfigYAML.String}, row.LastSeq, nil
}

func (r *sqliteStrategyRepo) Upsert(ctx context.Context, tenantID uuid.UUID, rec *StrategyStateRecord, seq int64) error {
	row := db.StrategyStateRow{
		TenantID: tenantID.String(), StrategyID: rec.StrategyID.String(), Enabled: rec.Enabled,
		ConfigYAML: nsString(rec.ConfigYAML), LastEventID: "projected", LastSeq: seq,
	}
	return r.q.UpsertStrategyState(ctx, row)
}

type sqliteRiskRepo struct{ q *db.ProjectionQueries }

func NewSQLiteRiskRepository(q *db.ProjectionQueries) RiskRepository {
	return &sqliteRiskRepo{q: q}
}

func (r *sqliteRiskRepo) Get(ctx context.Context, tenantID, accountID, strategyID uuid.UUID) (*RiskStateRecord, int64, error) {
	row, err := r.q.GetRiskState(ctx, tenantID.String(), accountID.String(), strategyID.String())
	if errors.Is(err, db.ErrNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return &RiskStateRecord{AccountID: accountID, StrategyID: strategyID, Violated: row.Violated, Reason: row.Reason.String}, row.LastSeq, nil
}

func (r *sqliteRiskRepo) Upsert(ctx context.Context, tenantID uuid.UUID, rec *RiskStateRecord, seq int64) error {
	row := db.RiskStateRow{
		TenantID: tenantID.String(), AccountID: rec.AccountID.String(), StrategyID: rec.StrategyID.String(),
		Violated: rec.Violated, Reason: nsString(rec.Reason), LastEventID: "projected", LastSeq: seq,
	}
	return r.q.UpsertRiskState(ctx, row)
}
