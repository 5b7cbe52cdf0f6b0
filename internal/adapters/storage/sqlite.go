package storage

// sqlite.go — SQLite persistence for the trading engine.
//
// Tables:
//   planned_orders      — trading intents with lifecycle status
//   executed_orders     — submissions that reached the broker, fills, closes
//   order_labels        — ML outcome labels, one row per (order, label type)
//   probability_scores  — every fill-probability evaluation with features
//   order_attempts      — audit trail of execution attempts
//   realized_pnl        — closed-trade results, scoped by account
//
// All money columns are stored as TEXT and parsed into decimals; REAL is
// used only for probabilities and label values.

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS planned_orders (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol            TEXT NOT NULL,
    security_type     TEXT NOT NULL,
    exchange          TEXT NOT NULL DEFAULT 'SMART',
    currency          TEXT NOT NULL DEFAULT 'USD',
    action            TEXT NOT NULL,
    order_type        TEXT NOT NULL DEFAULT 'LMT',
    entry_price       TEXT NOT NULL,
    stop_loss         TEXT NOT NULL,
    risk_per_trade    TEXT NOT NULL,
    risk_reward_ratio TEXT NOT NULL,
    priority          INTEGER NOT NULL DEFAULT 3,
    position_strategy TEXT NOT NULL DEFAULT 'CORE',
    trading_setup     TEXT NOT NULL DEFAULT '',
    core_timeframe    TEXT NOT NULL DEFAULT '',
    overall_trend     TEXT NOT NULL DEFAULT '',
    brief_analysis    TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'PENDING',
    status_reason     TEXT NOT NULL DEFAULT '',
    is_live_trading   INTEGER NOT NULL DEFAULT 0,
    broker_order_ids  TEXT NOT NULL DEFAULT '',
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL,
    imported_at       DATETIME NOT NULL,
    expiration_date   DATETIME,
    UNIQUE(symbol, action, entry_price, stop_loss)
);

CREATE INDEX IF NOT EXISTS planned_orders_status ON planned_orders(status);
CREATE INDEX IF NOT EXISTS planned_orders_symbol ON planned_orders(symbol);

CREATE TABLE IF NOT EXISTS executed_orders (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    planned_order_id INTEGER NOT NULL,
    filled_price     TEXT NOT NULL DEFAULT '0',
    filled_quantity  TEXT NOT NULL DEFAULT '0',
    commission       TEXT NOT NULL DEFAULT '0',
    pnl              TEXT NOT NULL DEFAULT '0',
    status           TEXT NOT NULL DEFAULT 'SUBMITTED',
    executed_at      DATETIME NOT NULL,
    filled_at        DATETIME,
    closed_at        DATETIME,
    is_open          INTEGER NOT NULL DEFAULT 1,
    is_live_trading  INTEGER NOT NULL DEFAULT 0,
    account_number   TEXT NOT NULL DEFAULT '',
    expiration_date  DATETIME
);

CREATE INDEX IF NOT EXISTS executed_orders_open ON executed_orders(is_open);
CREATE INDEX IF NOT EXISTS executed_orders_planned ON executed_orders(planned_order_id);

CREATE TABLE IF NOT EXISTS order_labels (
    planned_order_id INTEGER NOT NULL,
    label_type       TEXT NOT NULL,
    label_value      REAL NOT NULL,
    computed_at      DATETIME NOT NULL,
    notes            TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (planned_order_id, label_type)
);

CREATE TABLE IF NOT EXISTS probability_scores (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    planned_order_id INTEGER NOT NULL,
    timestamp        DATETIME NOT NULL,
    fill_probability REAL NOT NULL,
    features         TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS probability_scores_order ON probability_scores(planned_order_id);

CREATE TABLE IF NOT EXISTS order_attempts (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    planned_order_id INTEGER NOT NULL,
    attempt_ts       DATETIME NOT NULL,
    attempt_type     TEXT NOT NULL,
    fill_probability REAL NOT NULL DEFAULT 0,
    account_number   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS realized_pnl (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id       INTEGER NOT NULL,
    symbol         TEXT NOT NULL,
    pnl            TEXT NOT NULL,
    exit_date      DATETIME NOT NULL,
    account_number TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS realized_pnl_account ON realized_pnl(account_number, exit_date);
`

// SQLiteStore implements ports.Store on SQLite (pure Go, no CGo).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database and applies the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", dsn, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ─── Column helpers ──────────────────────────────────────────────────────────

func decStr(d decimal.Decimal) string {
	return d.String()
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
