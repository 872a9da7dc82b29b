package db

import "database/sql"

// PositionRow is the raw scanned shape of one positions_current row. Amounts
// stay as nullable strings at this layer — internal/repository/sqliterepo.go
// is responsible for parsing them into decimal.Decimal-backed money types
// and failing Deserialization on an impossible combination (§4.F).
type PositionRow struct {
	TenantID            string
	PositionID          string
	AccountID           string
	Symbol              string
	Side                string
	State               string
	EntryPrice          sql.NullString
	Quantity            sql.NullString
	TechStopDistance    sql.NullString
	TechStopDistancePct sql.NullString
	CurrentPrice        sql.NullString
	TrailingStop        sql.NullString
	FavorableExtreme    sql.NullString
	ExtremeAt           sql.NullTime
	InsuranceStopID     sql.NullString
	LastEmittedStop     sql.NullString
	StopPrice           sql.NullString
	TriggerPrice        sql.NullString
	ExitReason          sql.NullString
	ExitPrice           sql.NullString
	RealizedPnL         sql.NullString
	Recoverable         sql.NullBool
	ErrorMessage        sql.NullString
	EntryFilledAt       sql.NullTime
	ClosedAt            sql.NullTime
	CreatedAt           sql.NullTime
	UpdatedAt           sql.NullTime
	LastEventID         string
	LastSeq             int64
}

// OrderRow is the raw scanned shape of one orders_current row.
type OrderRow struct {
	TenantID        string
	OrderID         string
	PositionID      string
	Side            string
	Kind            string
	Status          string
	ExpectedPrice   sql.NullString
	FilledPrice     sql.NullString
	Quantity        sql.NullString
	FilledQty       sql.NullString
	ExchangeOrderID sql.NullString
	ClientOrderID   sql.NullString
	LastEventID     string
	LastSeq         int64
}

// BalanceRow is the raw scanned shape of one balances_current row.
type BalanceRow struct {
	TenantID    string
	BalanceID   string
	AccountID   string
	Asset       string
	Free        string
	Locked      string
	LastEventID string
	LastSeq     int64
}

// StrategyStateRow is the raw scanned shape of one strategy_state_current
// row.
type StrategyStateRow struct {
	TenantID    string
	StrategyID  string
	Enabled     bool
	ConfigYAML  sql.NullString
	LastEventID string
	LastSeq     int64
}

// RiskStateRow is the raw scanned shape of one risk_state_current row.
type RiskStateRow struct {
	TenantID    string
	AccountID   string
	StrategyID  string
	Violated    bool
	Reason      sql.NullString
	LastEventID string
	LastSeq     int64
}
