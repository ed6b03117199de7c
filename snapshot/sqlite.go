package snapshot

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/riskd/state"
)

// AccountRecord is one persisted account: enough to reconstruct daily
// counters, lockout and the open-position set after a restart.
type AccountRecord struct {
	AccountID     string
	RealizedPnL   decimal.Decimal
	LockoutUntil  time.Time
	LockoutReason string
	Positions     []state.Position
	SavedAt       time.Time
}

// SQLiteStore persists account snapshots.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save replaces the persisted record for one account with the snapshot.
func (s *SQLiteStore) Save(snap state.AccountSnapshot, savedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO accounts (account_id, realized_pnl, lockout_until, lockout_reason, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			realized_pnl = excluded.realized_pnl,
			lockout_until = excluded.lockout_until,
			lockout_reason = excluded.lockout_reason,
			saved_at = excluded.saved_at`,
		snap.ID, snap.RealizedPnL.String(), timeText(snap.LockoutUntil), snap.LockoutReason, timeText(savedAt),
	)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM positions WHERE account_id = ?`, snap.ID); err != nil {
		return err
	}
	for _, p := range snap.Positions {
		_, err := tx.Exec(`
			INSERT INTO positions
			(position_id, account_id, symbol, side, quantity, entry_price, mark_price, opened_at, stop_loss_attached, grace_expiry)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.AccountID, p.Symbol, string(p.Side), p.Quantity,
			p.EntryPrice.String(), p.MarkPrice.String(), timeText(p.OpenedAt),
			boolInt(p.StopLossAttached), timeText(p.GraceExpiry),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadAll reads every persisted account, positions oldest-first.
func (s *SQLiteStore) LoadAll() ([]AccountRecord, error) {
	rows, err := s.db.Query(`SELECT account_id, realized_pnl, lockout_until, lockout_reason, saved_at FROM accounts ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AccountRecord
	for rows.Next() {
		var rec AccountRecord
		var realized, lockoutUntil, savedAt string
		if err := rows.Scan(&rec.AccountID, &realized, &lockoutUntil, &rec.LockoutReason, &savedAt); err != nil {
			return nil, err
		}
		if rec.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
			return nil, fmt.Errorf("account %s realized_pnl: %w", rec.AccountID, err)
		}
		if rec.LockoutUntil, err = parseTimeText(lockoutUntil); err != nil {
			return nil, err
		}
		if rec.SavedAt, err = parseTimeText(savedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range records {
		positions, err := s.loadPositions(records[i].AccountID)
		if err != nil {
			return nil, err
		}
		records[i].Positions = positions
	}
	return records, nil
}

func (s *SQLiteStore) loadPositions(accountID string) ([]state.Position, error) {
	rows, err := s.db.Query(`
		SELECT position_id, symbol, side, quantity, entry_price, mark_price, opened_at, stop_loss_attached, grace_expiry
		FROM positions WHERE account_id = ? ORDER BY opened_at, position_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []state.Position
	for rows.Next() {
		p := state.Position{AccountID: accountID}
		var entry, mark, openedAt, graceExpiry string
		var stopAttached int
		if err := rows.Scan(&p.ID, &p.Symbol, (*string)(&p.Side), &p.Quantity, &entry, &mark, &openedAt, &stopAttached, &graceExpiry); err != nil {
			return nil, err
		}
		if p.EntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("position %s entry_price: %w", p.ID, err)
		}
		if p.MarkPrice, err = decimal.NewFromString(mark); err != nil {
			return nil, fmt.Errorf("position %s mark_price: %w", p.ID, err)
		}
		if p.OpenedAt, err = parseTimeText(openedAt); err != nil {
			return nil, err
		}
		if p.GraceExpiry, err = parseTimeText(graceExpiry); err != nil {
			return nil, err
		}
		p.StopLossAttached = stopAttached != 0
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// RestoreInto loads every persisted account into the state store. Called
// once at startup before the bus starts.
func (s *SQLiteStore) RestoreInto(store *state.Store) (int, error) {
	records, err := s.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}
	for _, rec := range records {
		store.Restore(rec.AccountID, rec.RealizedPnL, rec.LockoutUntil, rec.LockoutReason, rec.Positions)
	}
	return len(records), nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func timeText(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeText(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
