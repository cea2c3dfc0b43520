package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	TradeKindOpen  = "open"
	TradeKindAdd   = "add"
	TradeKindClose = "close"
)

const (
	SideLong  = "long"
	SideShort = "short"
)

// Trade is an append-only fill record. PnL is set on close trades only; open
// and add trades carry nil and any live pnl shown to users is derived from
// the position at read time.
type Trade struct {
	ID         int64     `json:"id"`
	StrategyID int64     `json:"strategy_id"`
	RunID      int64     `json:"run_id"`
	Kind       string    `json:"kind"` // open | add | close
	Side       string    `json:"side"` // long | short
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`    // fill price
	Quantity   float64   `json:"quantity"` // contracts
	Notional   float64   `json:"notional"` // quote currency value
	PnL        *float64  `json:"pnl,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TradeStore handles trade persistence
type TradeStore struct{}

func NewTradeStore() *TradeStore {
	return &TradeStore{}
}

func (s *TradeStore) InitTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id INTEGER NOT NULL,
		run_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		side TEXT NOT NULL,
		symbol TEXT NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		notional REAL NOT NULL DEFAULT 0,
		pnl REAL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES strategy_runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id);
	`
	_, err := db.Exec(query)
	return err
}

// Append inserts the trade and updates the owning run's counters in one
// transaction. The run must still be open; appending to a closed run fails
// with ErrConsistency and nothing is written.
func (s *TradeStore) Append(trade *Trade) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var stoppedAt sql.NullTime
	err = tx.QueryRow(`SELECT stopped_at FROM strategy_runs WHERE id = ?`, trade.RunID).Scan(&stoppedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: run %d does not exist", ErrConsistency, trade.RunID)
	}
	if err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}
	if stoppedAt.Valid {
		return fmt.Errorf("%w: run %d is closed", ErrConsistency, trade.RunID)
	}

	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now().UTC()
	}

	res, err := tx.Exec(`
		INSERT INTO trades (strategy_id, run_id, kind, side, symbol, price, quantity, notional, pnl, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, trade.StrategyID, trade.RunID, trade.Kind, trade.Side, trade.Symbol,
		trade.Price, trade.Quantity, trade.Notional, trade.PnL, trade.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append trade: %w", err)
	}
	trade.ID, _ = res.LastInsertId()

	wins, losses, pnl := 0, 0, 0.0
	if trade.PnL != nil {
		pnl = *trade.PnL
		if pnl > 0 {
			wins = 1
		} else if pnl < 0 {
			losses = 1
		}
	}
	if _, err := tx.Exec(`
		UPDATE strategy_runs
		SET total_trades = total_trades + 1,
		    win_trades = win_trades + ?,
		    loss_trades = loss_trades + ?,
		    realized_pnl = realized_pnl + ?
		WHERE id = ?
	`, wins, losses, pnl, trade.RunID); err != nil {
		return fmt.Errorf("failed to update run counters: %w", err)
	}

	return tx.Commit()
}

// List returns trades newest-first, filtered by strategy and/or run when the
// ids are non-zero, along with the total count for the filter.
func (s *TradeStore) List(strategyID, runID int64, offset, limit int) ([]*Trade, int, error) {
	if limit <= 0 {
		limit = 50
	}

	where := "WHERE 1=1"
	args := []interface{}{}
	if strategyID != 0 {
		where += " AND strategy_id = ?"
		args = append(args, strategyID)
	}
	if runID != 0 {
		where += " AND run_id = ?"
		args = append(args, runID)
	}

	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM trades `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count trades: %w", err)
	}

	rows, err := db.Query(`
		SELECT id, strategy_id, run_id, kind, side, symbol, price, quantity, notional, pnl, created_at
		FROM trades `+where+`
		ORDER BY id DESC LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var t Trade
		var pnl sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.StrategyID, &t.RunID, &t.Kind, &t.Side, &t.Symbol,
			&t.Price, &t.Quantity, &t.Notional, &pnl, &t.CreatedAt); err != nil {
			return nil, 0, err
		}
		if pnl.Valid {
			v := pnl.Float64
			t.PnL = &v
		}
		trades = append(trades, &t)
	}

	return trades, total, rows.Err()
}

// ListByRun returns a run's trades in append order.
func (s *TradeStore) ListByRun(runID int64) ([]*Trade, error) {
	rows, err := db.Query(`
		SELECT id, strategy_id, run_id, kind, side, symbol, price, quantity, notional, pnl, created_at
		FROM trades WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var t Trade
		var pnl sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.StrategyID, &t.RunID, &t.Kind, &t.Side, &t.Symbol,
			&t.Price, &t.Quantity, &t.Notional, &pnl, &t.CreatedAt); err != nil {
			return nil, err
		}
		if pnl.Valid {
			v := pnl.Float64
			t.PnL = &v
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// CountAdds returns the number of add trades in a run. Used to restore the
// addition count when a supervisor adopts an existing run state.
func (s *TradeStore) CountAdds(runID int64) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM trades WHERE run_id = ? AND kind = 'add'
	`, runID).Scan(&n)
	return n, err
}

// Stats returns aggregate trade statistics for a strategy.
func (s *TradeStore) Stats(strategyID int64) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var totalTrades int
	db.QueryRow(`SELECT COUNT(*) FROM trades WHERE strategy_id = ?`, strategyID).Scan(&totalTrades)
	stats["total_trades"] = totalTrades

	var totalPnL float64
	db.QueryRow(`SELECT COALESCE(SUM(pnl), 0) FROM trades WHERE strategy_id = ?`, strategyID).Scan(&totalPnL)
	stats["realized_pnl"] = totalPnL

	var wins, losses int
	db.QueryRow(`SELECT COUNT(*) FROM trades WHERE strategy_id = ? AND pnl > 0`, strategyID).Scan(&wins)
	db.QueryRow(`SELECT COUNT(*) FROM trades WHERE strategy_id = ? AND pnl < 0`, strategyID).Scan(&losses)
	stats["win_trades"] = wins
	stats["loss_trades"] = losses

	closed := wins + losses
	if closed > 0 {
		stats["win_rate"] = float64(wins) / float64(closed) * 100
	} else {
		stats["win_rate"] = 0.0
	}

	return stats, nil
}
