package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// Position is the persisted position of a run: at most one per run. Entry
// price is the quantity-weighted mean across the open and all adds. The row
// is marked closed rather than deleted so run history keeps its terminal
// position. Unrealized pnl is derived from entry, mark and quantity at read
// time and never stored.
type Position struct {
	ID         int64     `json:"id"`
	RunID      int64     `json:"run_id"`
	StrategyID int64     `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // long | short
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"` // contracts
	Notional   float64   `json:"notional"` // quote currency value at entry
	Leverage   int       `json:"leverage"`
	MarkPrice  float64   `json:"mark_price"` // last observed
	Status     string    `json:"status"`     // open | closed
	OpenedAt   time.Time `json:"opened_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UnrealizedPnL is the raw price-move pnl in quote currency at the last
// observed mark.
func (p *Position) UnrealizedPnL() float64 {
	if p.MarkPrice == 0 || p.Quantity == 0 {
		return 0
	}
	if p.Side == SideShort {
		return (p.EntryPrice - p.MarkPrice) * p.Quantity
	}
	return (p.MarkPrice - p.EntryPrice) * p.Quantity
}

// UnrealizedPnLPercent is the raw price move in percent, not leveraged ROE.
func (p *Position) UnrealizedPnLPercent() float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Side == SideShort {
		return (p.EntryPrice - p.MarkPrice) / p.EntryPrice * 100
	}
	return (p.MarkPrice - p.EntryPrice) / p.EntryPrice * 100
}

// PositionStore manages position data
type PositionStore struct{}

func NewPositionStore() *PositionStore {
	return &PositionStore{}
}

func (s *PositionStore) InitTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL UNIQUE,
		strategy_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		quantity REAL NOT NULL,
		notional REAL NOT NULL DEFAULT 0,
		leverage INTEGER NOT NULL DEFAULT 1,
		mark_price REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'open',
		opened_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES strategy_runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_positions_strategy ON positions(strategy_id);
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
	`
	_, err := db.Exec(query)
	return err
}

// Upsert writes the run's position, replacing any previous state for the run.
func (s *PositionStore) Upsert(p *Position) error {
	p.UpdatedAt = time.Now().UTC()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = p.UpdatedAt
	}
	if p.Status == "" {
		p.Status = PositionStatusOpen
	}

	res, err := db.Exec(`
		INSERT INTO positions (run_id, strategy_id, symbol, side, entry_price, quantity,
			notional, leverage, mark_price, status, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			side = excluded.side,
			entry_price = excluded.entry_price,
			quantity = excluded.quantity,
			notional = excluded.notional,
			leverage = excluded.leverage,
			mark_price = excluded.mark_price,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, p.RunID, p.StrategyID, p.Symbol, p.Side, p.EntryPrice, p.Quantity,
		p.Notional, p.Leverage, p.MarkPrice, p.Status, p.OpenedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}

	if p.ID == 0 {
		if id, err := res.LastInsertId(); err == nil {
			p.ID = id
		}
	}
	return nil
}

// UpdateMark refreshes the last observed mark price of the run's open
// position. A missing open position is not an error; ticks run whether or
// not the strategy holds one.
func (s *PositionStore) UpdateMark(runID int64, mark float64) error {
	_, err := db.Exec(`
		UPDATE positions SET mark_price = ?, updated_at = ?
		WHERE run_id = ? AND status = 'open'
	`, mark, time.Now().UTC(), runID)
	return err
}

// MarkClosed terminates the run's position.
func (s *PositionStore) MarkClosed(runID int64) error {
	_, err := db.Exec(`
		UPDATE positions SET status = 'closed', quantity = 0, updated_at = ?
		WHERE run_id = ? AND status = 'open'
	`, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	return nil
}

// GetOpen returns the run's open position, or nil when the run is flat.
func (s *PositionStore) GetOpen(runID int64) (*Position, error) {
	row := db.QueryRow(`
		SELECT id, run_id, strategy_id, symbol, side, entry_price, quantity,
		       notional, leverage, mark_price, status, opened_at, updated_at
		FROM positions WHERE run_id = ? AND status = 'open'
	`, runID)

	p, err := s.scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// GetByRun returns the run's position regardless of status, or nil.
func (s *PositionStore) GetByRun(runID int64) (*Position, error) {
	row := db.QueryRow(`
		SELECT id, run_id, strategy_id, symbol, side, entry_price, quantity,
		       notional, leverage, mark_price, status, opened_at, updated_at
		FROM positions WHERE run_id = ?
	`, runID)

	p, err := s.scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListOpen returns every open position across strategies. Used by the
// account snapshot daemon and the reconciliation sweep.
func (s *PositionStore) ListOpen() ([]*Position, error) {
	rows, err := db.Query(`
		SELECT id, run_id, strategy_id, symbol, side, entry_price, quantity,
		       notional, leverage, mark_price, status, opened_at, updated_at
		FROM positions WHERE status = 'open' ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.RunID, &p.StrategyID, &p.Symbol, &p.Side,
			&p.EntryPrice, &p.Quantity, &p.Notional, &p.Leverage, &p.MarkPrice,
			&p.Status, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PositionStore) scanPosition(row *sql.Row) (*Position, error) {
	var p Position
	err := row.Scan(&p.ID, &p.RunID, &p.StrategyID, &p.Symbol, &p.Side,
		&p.EntryPrice, &p.Quantity, &p.Notional, &p.Leverage, &p.MarkPrice,
		&p.Status, &p.OpenedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
