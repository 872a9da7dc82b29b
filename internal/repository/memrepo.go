package repository

import (
	"context"
	"sync"

	"stopdaemon/internal/position"

	"github.com/google/uuid"
)

type positionRow struct {
	pos *position.Position
	seq int64
}

// memPositionRepo is an in-process projection table guarded by a single
// RWMutex, the same shape as the teacher's balance.Manager cache.
type memPositionRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]map[uuid.UUID]positionRow // tenantID -> positionID -> row
}

func NewMemPositionRepository() PositionRepository {
	return &memPositionRepo{rows: make(map[uuid.UUID]map[uuid.UUID]positionRow)}
}

func (r *memPositionRepo) Get(ctx context.Context, tenantID, positionID uuid.UUID) (*position.Position, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[tenantID][positionID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return row.pos, row.seq, nil
}

func (r *memPositionRepo) Upsert(ctx context.Context, tenantID uuid.UUID, pos *position.Position, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows[tenantID] == nil {
		r.rows[tenantID] = make(map[uuid.UUID]positionRow)
	}
	existing, ok := r.rows[tenantID][pos.ID]
	if ok && existing.seq >= seq {
		// A stale or re-delivered event must never regress projected state.
		return nil
	}
	r.rows[tenantID][pos.ID] = positionRow{pos: pos, seq: seq}
	return nil
}

func (r *memPositionRepo) FindActiveFromProjection(ctx context.Context, tenantID uuid.UUID) ([]*position.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*position.Position
	for _, row := range r.rows[tenantID] {
		if !row.pos.State.IsTerminal() {
			out = append(out, row.pos)
		}
	}
	return out, nil
}

type orderRow struct {
	rec    *OrderRecord
	seq    int64
	trades map[string]struct{}
}

type memOrderRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]map[uuid.UUID]orderRow
}

func NewMemOrderRepository() OrderRepository {
	return &memOrderRepo{rows: make(map[uuid.UUID]map[uuid.UUID]orderRow)}
}

func (r *memOrderRepo) Get(ctx context.Context, tenantID, orderID uuid.UUID) (*OrderRecord, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[tenantID][orderID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return row.rec, row.seq, nil
}

func (r *memOrderRepo) Upsert(ctx context.Context, tenantID uuid.UUID, rec *OrderRecord, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows[tenantID] == nil {
		r.rows[tenantID] = make(map[uuid.UUID]orderRow)
	}
	existing, ok := r.rows[tenantID][rec.OrderID]
	if ok && existing.seq >= seq {
		return nil
	}
	trades := map[string]struct{}{}
	if ok {
		trades = existing.trades
	}
	r.rows[tenantID][rec.OrderID] = orderRow{rec: rec, seq: seq, trades: trades}
	return nil
}

func (r *memOrderRepo) HasExchangeTrade(ctx context.Context, tenantID, orderID uuid.UUID, exchangeTradeID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[tenantID][orderID]
	if !ok {
		return false, nil
	}
	_, seen := row.trades[exchangeTradeID]
	return seen, nil
}

func (r *memOrderRepo) RecordExchangeTrade(ctx context.Context, tenantID, orderID uuid.UUID, exchangeTradeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[tenantID][orderID]
	if !ok {
		row = orderRow{trades: map[string]struct{}{}}
	}
	if row.trades == nil {
		row.trades = map[string]struct{}{}
	}
	row.trades[exchangeTradeID] = struct{}{}
	r.rows[tenantID][orderID] = row
	return nil
}

type balanceRow struct {
	rec *BalanceRecord
	seq int64
}

type memBalanceRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]map[uuid.UUID]balanceRow
}

func NewMemBalanceRepository() BalanceRepository {
	return &memBalanceRepo{rows: make(map[uuid.UUID]map[uuid.UUID]balanceRow)}
}

func (r *memBalanceRepo) Get(ctx context.Context, tenantID, balanceID uuid.UUID) (*BalanceRecord, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[tenantID][balanceID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return row.rec, row.seq, nil
}

func (r *memBalanceRepo) Upsert(ctx context.Context, tenantID uuid.UUID, rec *BalanceRecord, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows[tenantID] == nil {
		r.rows[tenantID] = make(map[uuid.UUID]balanceRow)
	}
	if existing, ok := r.rows[tenantID][rec.BalanceID]; ok && existing.seq >= seq {
		return nil
	}
	r.rows[tenantID][rec.BalanceID] = balanceRow{rec: rec, seq: seq}
	return nil
}

type strategyRow struct {
	rec *StrategyStateRecord
	seq int64
}

type memStrategyRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]map[uuid.UUID]strategyRow
}

func NewMemStrategyRepository() StrategyRepository {
	return &memStrategyRepo{rows: make(map[uuid.UUID]map[uuid.UUID]strategyRow)}
}

func (r *memStrategyRepo) Get(ctx context.Context, tenantID, strategyID uuid.UUID) (*StrategyStateRecord, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[tenantID][strategyID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return row.rec, row.seq, nil
}

func (r *memStrategyRepo) Upsert(ctx context.Context, tenantID uuid.UUID, rec *StrategyStateRecord, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows[tenantID] == nil {
		r.rows[tenantID] = make(map[uuid.UUID]strategyRow)
	}
	if existing, ok := r.rows[tenantID][rec.StrategyID]; ok && existing.seq >= seq {
		return nil
	}
	r.rows[tenantID][rec.StrategyID] = strategyRow{rec: rec, seq: seq}
	return nil
}

type riskKey struct {
	account  uuid.UUID
	strategy uuid.UUID
}

type riskRow struct {
	rec *RiskStateRecord
	seq int64
}

type memRiskRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]map[riskKey]riskRow
}

func NewMemRiskRepository() RiskRepository {
	return &memRiskRepo{rows: make(map[uuid.UUID]map[riskKey]riskRow)}
}

func (r *memRiskRepo) Get(ctx context.Context, tenantID, accountID, strategyID uuid.UUID) (*RiskStateRecord, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[tenantID][riskKey{accountID, strategyID}]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return row.rec, row.seq, nil
}

func (r *memRiskRepo) Upsert(ctx context.Context, tenantID uuid.UUID, rec *RiskStateRecord, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows[tenantID] == nil {
		r.rows[tenantID] = make(map[riskKey]riskRow)
	}
	key := riskKey{rec.AccountID, rec.StrategyID}
	if existing, ok := r.rows[tenantID][key]; ok && existing.seq >= seq {
		return nil
	}
	r.rows[tenantID][key] = riskRow{rec: rec, seq: seq}
	return nil
}

type memCursorRepo struct {
	mu      sync.RWMutex
	cursors map[uuid.UUID]map[string]int64
}

func NewMemCursorRepository() CursorRepository {
	return &memCursorRepo{cursors: make(map[uuid.UUID]map[string]int64)}
}

func (r *memCursorRepo) LastProjected(ctx context.Context, tenantID uuid.UUID, streamKey string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursors[tenantID][streamKey], nil
}

func (r *memCursorRepo) SetLastProjected(ctx context.Context, tenantID uuid.UUID, streamKey string, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursors[tenantID] == nil {
		r.cursors[tenantID] = make(map[string]int64)
	}
	r.cursors[tenantID][streamKey] = seq
	return nil
}
