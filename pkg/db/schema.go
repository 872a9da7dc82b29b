package db

import (
	"database/sql"
	"fmt"
)

// schema is the §6 projection schema: one table per current-state
// projection the projector folds events into, plus the risk/strategy/
// balance side tables. Every row carries last_event_id/last_seq so a
// late or re-delivered event can never regress it (§4.E step 4).
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS positions_current (
	tenant_id TEXT NOT NULL,
	position_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	state TEXT NOT NULL,
	entry_price TEXT,
	quantity TEXT,
	tech_stop_distance TEXT,
	tech_stop_distance_pct TEXT,
	current_price TEXT,
	trailing_stop TEXT,
	favorable_extreme TEXT,
	extreme_at DATETIME,
	insurance_stop_id TEXT,
	last_emitted_stop TEXT,
	stop_price TEXT,
	trigger_price TEXT,
	exit_reason TEXT,
	exit_price TEXT,
	realized_pnl TEXT,
	recoverable INTEGER,
	error_message TEXT,
	entry_filled_at DATETIME,
	closed_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	last_event_id TEXT NOT NULL,
	last_seq INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, position_id)
);
CREATE INDEX IF NOT EXISTS idx_positions_current_state ON positions_current(tenant_id, state);
CREATE INDEX IF NOT EXISTS idx_positions_current_account ON positions_current(tenant_id, account_id);

CREATE TABLE IF NOT EXISTS orders_current (
	tenant_id TEXT NOT NULL,
	order_id TEXT NOT NULL,
	position_id TEXT NOT NULL,
	side TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	expected_price TEXT,
	filled_price TEXT,
	quantity TEXT,
	filled_qty TEXT,
	exchange_order_id TEXT,
	client_order_id TEXT,
	last_event_id TEXT NOT NULL,
	last_seq INTEGER NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, order_id)
);
CREATE INDEX IF NOT EXISTS idx_orders_current_position ON orders_current(tenant_id, position_id);
CREATE INDEX IF NOT EXISTS idx_orders_current_exchange_id ON orders_current(tenant_id, exchange_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_current_client_id ON orders_current(tenant_id, client_order_id);

CREATE TABLE IF NOT EXISTS fills (
	tenant_id TEXT NOT NULL,
	order_id TEXT NOT NULL,
	exchange_trade_id TEXT NOT NULL,
	price TEXT NOT NULL,
	quantity TEXT NOT NULL,
	fee TEXT NOT NULL,
	occurred_at DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, order_id, exchange_trade_id)
);

CREATE TABLE IF NOT EXISTS balances_current (
	tenant_id TEXT NOT NULL,
	balance_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	asset TEXT NOT NULL,
	free TEXT NOT NULL,
	locked TEXT NOT NULL,
	last_event_id TEXT NOT NULL,
	last_seq INTEGER NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, balance_id)
);

CREATE TABLE IF NOT EXISTS strategy_state_current (
	tenant_id TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	config_yaml TEXT,
	last_event_id TEXT NOT NULL,
	last_seq INTEGER NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, strategy_id)
);

CREATE TABLE IF NOT EXISTS risk_state_current (
	tenant_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	violated INTEGER NOT NULL,
	reason TEXT,
	last_event_id TEXT NOT NULL,
	last_seq INTEGER NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, account_id, strategy_id)
);
`

// ApplyMigrations bootstraps the projection schema; kept lightweight for
// fast startup, the same idiom as the teacher's db.ApplyMigrations.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ensureColumn is retained from the teacher's migration helper for the
// next schema change that needs an additive ALTER TABLE rather than a
// CREATE TABLE IF NOT EXISTS.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
