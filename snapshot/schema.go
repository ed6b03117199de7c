package snapshot

// Schema holds the SQLite DDL for account snapshots. Monetary values are
// stored as decimal strings, timestamps as RFC 3339 text (empty = unset).
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id     TEXT PRIMARY KEY,
	realized_pnl   TEXT NOT NULL,
	lockout_until  TEXT NOT NULL DEFAULT '',
	lockout_reason TEXT NOT NULL DEFAULT '',
	saved_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	position_id        TEXT PRIMARY KEY,
	account_id         TEXT NOT NULL,
	symbol             TEXT NOT NULL,
	side               TEXT NOT NULL,
	quantity           INTEGER NOT NULL,
	entry_price        TEXT NOT NULL,
	mark_price         TEXT NOT NULL,
	opened_at          TEXT NOT NULL,
	stop_loss_attached INTEGER NOT NULL DEFAULT 0,
	grace_expiry       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id);
`
