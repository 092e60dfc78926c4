// Package archive keeps closed signals in SQLite after they are cleaned out
// of the JSON store.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS signals (
    signal_id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    status TEXT NOT NULL,
    entry_price TEXT NOT NULL,
    sl_price TEXT NOT NULL,
    tp1_price TEXT NOT NULL,
    tp2_price TEXT NOT NULL,
    exit_reason TEXT,
    partial_hit INTEGER NOT NULL DEFAULT 0,
    final_pnl TEXT NOT NULL DEFAULT '0',
    created_at DATETIME NOT NULL,
    closed_at DATETIME,
    body TEXT NOT NULL,
    archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol);
CREATE INDEX IF NOT EXISTS idx_signals_closed_at ON signals(closed_at);
`

// Archive is the SQLite handle.
type Archive struct {
	db *sql.DB
}

// Open creates the database at path when needed and applies the schema.
func Open(path string) (*Archive, error) {
	if path == "" {
		return nil, errors.New("archive path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the handle.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Save upserts signals in one transaction.
func (a *Archive) Save(ctx context.Context, signals []*signal.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO signals (signal_id, symbol, direction, status, entry_price, sl_price, tp1_price, tp2_price,
			exit_reason, partial_hit, final_pnl, created_at, closed_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signal_id) DO UPDATE SET
			status = excluded.status,
			exit_reason = excluded.exit_reason,
			partial_hit = excluded.partial_hit,
			final_pnl = excluded.final_pnl,
			closed_at = excluded.closed_at,
			body = excluded.body,
			archived_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range signals {
		body, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode %s: %w", s.ID, err)
		}
		var closed any
		if s.ClosedAt != nil {
			closed = s.ClosedAt.UTC().Format(time.RFC3339)
		}
		partial := 0
		if s.PartialHit {
			partial = 1
		}
		if _, err := stmt.ExecContext(ctx,
			s.ID, s.Symbol, string(s.Direction), string(s.Status),
			s.EntryPrice.String(), s.SLPrice.String(), s.TP1Price.String(), s.TP2Price.String(),
			string(s.ExitReason), partial, s.RealizedPnL.String(),
			s.CreatedAt.UTC().Format(time.RFC3339), closed, string(body),
		); err != nil {
			return fmt.Errorf("archive %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

// Count is the number of archived signals.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signals`).Scan(&n)
	return n, err
}

// Get returns one archived signal.
func (a *Archive) Get(ctx context.Context, id string) (*signal.Signal, error) {
	var body string
	err := a.db.QueryRowContext(ctx, `SELECT body FROM signals WHERE signal_id = ?`, id).Scan(&body)
	if err != nil {
		return nil, err
	}
	var s signal.Signal
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return &s, nil
}

// BySymbol lists archived signals for symbol, newest first.
func (a *Archive) BySymbol(ctx context.Context, symbol string, limit int) ([]*signal.Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT body FROM signals WHERE symbol = ? ORDER BY created_at DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*signal.Signal
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var s signal.Signal
		if err := json.Unmarshal([]byte(body), &s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// Summary aggregates signals closed on one UTC day.
type Summary struct {
	Day    string          `json:"day"`
	Closed int             `json:"closed"`
	TP2    int             `json:"tp2_exits"`
	SL     int             `json:"sl_exits"`
	PnL    decimal.Decimal `json:"total_pnl"`
}

// DailySummary sums archived signals whose closed_at falls on day.
func (a *Archive) DailySummary(ctx context.Context, day time.Time) (Summary, error) {
	key := day.UTC().Format("2006-01-02")
	out := Summary{Day: key}
	rows, err := a.db.QueryContext(ctx,
		`SELECT exit_reason, final_pnl FROM signals WHERE substr(closed_at, 1, 10) = ?`, key)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var reason sql.NullString
		var pnl string
		if err := rows.Scan(&reason, &pnl); err != nil {
			return out, err
		}
		out.Closed++
		switch signal.ExitReason(reason.String) {
		case signal.ExitTP2:
			out.TP2++
		case signal.ExitSL:
			out.SL++
		}
		v, err := decimal.NewFromString(pnl)
		if err != nil {
			return out, fmt.Errorf("bad pnl %q: %w", pnl, err)
		}
		out.PnL = out.PnL.Add(v)
	}
	return out, rows.Err()
}
