package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	BacktestStatusPending   = "pending"
	BacktestStatusRunning   = "running"
	BacktestStatusCompleted = "completed"
	BacktestStatusFailed    = "failed"
)

// BacktestResult is a persisted backtest row. EquityCurve, Trades and Stats
// hold JSON produced by the backtest runner; UID correlates the row with
// progress events emitted before and during the run.
type BacktestResult struct {
	ID             int64      `json:"id"`
	UID            string     `json:"uid"`
	StrategyID     int64      `json:"strategy_id"`
	Symbol         string     `json:"symbol"`
	Timeframe      string     `json:"timeframe"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	InitialBalance float64    `json:"initial_balance"`
	FeePercent     float64    `json:"fee_percent"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	EquityCurve    string     `json:"equity_curve"` // JSON [(time, equity)]
	Trades         string     `json:"trades"`       // JSON, live trade shape
	Stats          string     `json:"stats"`        // JSON aggregate statistics
	CreatedAt      time.Time  `json:"created_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// BacktestStore handles backtest result persistence
type BacktestStore struct{}

func NewBacktestStore() *BacktestStore {
	return &BacktestStore{}
}

func (s *BacktestStore) InitTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS backtests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL UNIQUE,
		strategy_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME NOT NULL,
		initial_balance REAL NOT NULL,
		fee_percent REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT DEFAULT '',
		equity_curve TEXT DEFAULT '[]',
		trades TEXT DEFAULT '[]',
		stats TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_backtests_strategy ON backtests(strategy_id);
	`
	_, err := db.Exec(query)
	return err
}

// Create inserts a pending backtest row.
func (s *BacktestStore) Create(bt *BacktestResult) error {
	bt.Status = BacktestStatusPending
	bt.CreatedAt = time.Now().UTC()

	res, err := db.Exec(`
		INSERT INTO backtests (uid, strategy_id, symbol, timeframe, start_time, end_time,
			initial_balance, fee_percent, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, bt.UID, bt.StrategyID, bt.Symbol, bt.Timeframe, bt.StartTime, bt.EndTime,
		bt.InitialBalance, bt.FeePercent, bt.Status, bt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create backtest: %w", err)
	}
	bt.ID, _ = res.LastInsertId()
	return nil
}

func (s *BacktestStore) MarkRunning(id int64) error {
	_, err := db.Exec(`UPDATE backtests SET status = ? WHERE id = ?`, BacktestStatusRunning, id)
	return err
}

// Complete stores the finished run's curve, trades and statistics.
func (s *BacktestStore) Complete(id int64, equityCurve, trades, stats string) error {
	now := time.Now().UTC()
	_, err := db.Exec(`
		UPDATE backtests
		SET status = ?, equity_curve = ?, trades = ?, stats = ?, finished_at = ?
		WHERE id = ?
	`, BacktestStatusCompleted, equityCurve, trades, stats, now, id)
	if err != nil {
		return fmt.Errorf("failed to complete backtest: %w", err)
	}
	return nil
}

// Fail marks the backtest failed and stores the error message.
func (s *BacktestStore) Fail(id int64, errText string) error {
	now := time.Now().UTC()
	_, err := db.Exec(`
		UPDATE backtests SET status = ?, error = ?, finished_at = ? WHERE id = ?
	`, BacktestStatusFailed, errText, now, id)
	return err
}

func (s *BacktestStore) Get(id int64) (*BacktestResult, error) {
	row := db.QueryRow(`
		SELECT id, uid, strategy_id, symbol, timeframe, start_time, end_time,
		       initial_balance, fee_percent, status, error, equity_curve, trades, stats,
		       created_at, finished_at
		FROM backtests WHERE id = ?
	`, id)
	return s.scanBacktest(row)
}

// List returns backtest rows newest-first without the bulky curve and trade
// payloads.
func (s *BacktestStore) List(limit int) ([]*BacktestResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, uid, strategy_id, symbol, timeframe, start_time, end_time,
		       initial_balance, fee_percent, status, error, stats, created_at, finished_at
		FROM backtests ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BacktestResult
	for rows.Next() {
		var bt BacktestResult
		var finishedAt sql.NullTime
		if err := rows.Scan(&bt.ID, &bt.UID, &bt.StrategyID, &bt.Symbol, &bt.Timeframe,
			&bt.StartTime, &bt.EndTime, &bt.InitialBalance, &bt.FeePercent,
			&bt.Status, &bt.Error, &bt.Stats, &bt.CreatedAt, &finishedAt); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			bt.FinishedAt = &t
		}
		out = append(out, &bt)
	}
	return out, rows.Err()
}

// Delete removes a finished backtest. Running rows refuse deletion.
func (s *BacktestStore) Delete(id int64) error {
	bt, err := s.Get(id)
	if err != nil {
		return err
	}
	if bt.Status == BacktestStatusRunning || bt.Status == BacktestStatusPending {
		return fmt.Errorf("backtest %d is %s; wait for it to finish or cancel it", id, bt.Status)
	}
	_, err = db.Exec(`DELETE FROM backtests WHERE id = ?`, id)
	return err
}

func (s *BacktestStore) scanBacktest(row *sql.Row) (*BacktestResult, error) {
	var bt BacktestResult
	var finishedAt sql.NullTime

	err := row.Scan(&bt.ID, &bt.UID, &bt.StrategyID, &bt.Symbol, &bt.Timeframe,
		&bt.StartTime, &bt.EndTime, &bt.InitialBalance, &bt.FeePercent,
		&bt.Status, &bt.Error, &bt.EquityCurve, &bt.Trades, &bt.Stats,
		&bt.CreatedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("backtest: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		t := finishedAt.Time
		bt.FinishedAt = &t
	}
	return &bt, nil
}
