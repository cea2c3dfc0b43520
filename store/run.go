package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	RunStatusRunning = "running"
	RunStatusStopped = "stopped"
	RunStatusError   = "error"
)

// Run is one start-to-stop episode of a strategy. Trades and counters are
// scoped to a run. At most one run per strategy is open (stopped_at null).
type Run struct {
	ID           int64      `json:"id"`
	StrategyID   int64      `json:"strategy_id"`
	StartedAt    time.Time  `json:"started_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	StartBalance float64    `json:"start_balance"`
	EndBalance   *float64   `json:"end_balance,omitempty"`
	TotalTrades  int        `json:"total_trades"`
	WinTrades    int        `json:"win_trades"`
	LossTrades   int        `json:"loss_trades"`
	RealizedPnL  float64    `json:"realized_pnl"`
	Status       string     `json:"status"` // running | stopped | stopped:<reason> | error
}

// RunStore handles run persistence
type RunStore struct{}

func NewRunStore() *RunStore {
	return &RunStore{}
}

func (s *RunStore) InitTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS strategy_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id INTEGER NOT NULL,
			started_at DATETIME NOT NULL,
			stopped_at DATETIME,
			start_balance REAL NOT NULL DEFAULT 0,
			end_balance REAL,
			total_trades INTEGER NOT NULL DEFAULT 0,
			win_trades INTEGER NOT NULL DEFAULT 0,
			loss_trades INTEGER NOT NULL DEFAULT 0,
			realized_pnl REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'running',
			FOREIGN KEY (strategy_id) REFERENCES strategies(id)
		)`,
		// Backstop for the single-open-run invariant.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_open
			ON strategy_runs(strategy_id) WHERE stopped_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_runs_strategy ON strategy_runs(strategy_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Open creates a new run for the strategy. Fails with ErrConsistency when the
// strategy already has an open run.
func (s *RunStore) Open(strategyID int64, startBalance float64) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var open int
	if err := tx.QueryRow(`
		SELECT COUNT(1) FROM strategy_runs
		WHERE strategy_id = ? AND stopped_at IS NULL
	`, strategyID).Scan(&open); err != nil {
		return 0, fmt.Errorf("failed to check open runs: %w", err)
	}
	if open > 0 {
		return 0, fmt.Errorf("%w: strategy %d already has an open run", ErrConsistency, strategyID)
	}

	res, err := tx.Exec(`
		INSERT INTO strategy_runs (strategy_id, started_at, start_balance, status)
		VALUES (?, ?, ?, ?)
	`, strategyID, time.Now().UTC(), startBalance, RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to open run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// Close stamps the run's stop time, ending balance and terminal status.
// Counters are owned by TradeStore.Append and are left untouched.
func (s *RunStore) Close(id int64, endBalance float64, status string) error {
	res, err := db.Exec(`
		UPDATE strategy_runs
		SET stopped_at = ?, end_balance = ?, status = ?
		WHERE id = ? AND stopped_at IS NULL
	`, time.Now().UTC(), endBalance, status, id)
	if err != nil {
		return fmt.Errorf("failed to close run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %d is not open", ErrConsistency, id)
	}
	return nil
}

func (s *RunStore) Get(id int64) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, strategy_id, started_at, stopped_at, start_balance, end_balance,
		       total_trades, win_trades, loss_trades, realized_pnl, status
		FROM strategy_runs WHERE id = ?
	`, id)
	return s.scanRun(row)
}

// GetOpen returns the strategy's open run, or ErrNotFound when none exists.
func (s *RunStore) GetOpen(strategyID int64) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, strategy_id, started_at, stopped_at, start_balance, end_balance,
		       total_trades, win_trades, loss_trades, realized_pnl, status
		FROM strategy_runs WHERE strategy_id = ? AND stopped_at IS NULL
	`, strategyID)
	return s.scanRun(row)
}

func (s *RunStore) ListByStrategy(strategyID int64, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, strategy_id, started_at, stopped_at, start_balance, end_balance,
		       total_trades, win_trades, loss_trades, realized_pnl, status
		FROM strategy_runs WHERE strategy_id = ?
		ORDER BY id DESC LIMIT ?
	`, strategyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := s.scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CloseOrphans marks every open run as errored. Called once at process start:
// an open run surviving a restart means the supervisor died mid-run and the
// venue-side state needs review.
func (s *RunStore) CloseOrphans() (int64, error) {
	res, err := db.Exec(`
		UPDATE strategy_runs
		SET stopped_at = ?, status = ?
		WHERE stopped_at IS NULL
	`, time.Now().UTC(), RunStatusError)
	if err != nil {
		return 0, fmt.Errorf("failed to close orphan runs: %w", err)
	}
	return res.RowsAffected()
}

func (s *RunStore) scanRun(row *sql.Row) (*Run, error) {
	var r Run
	var stoppedAt sql.NullTime
	var endBalance sql.NullFloat64

	err := row.Scan(&r.ID, &r.StrategyID, &r.StartedAt, &stoppedAt, &r.StartBalance,
		&endBalance, &r.TotalTrades, &r.WinTrades, &r.LossTrades, &r.RealizedPnL, &r.Status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if stoppedAt.Valid {
		t := stoppedAt.Time
		r.StoppedAt = &t
	}
	if endBalance.Valid {
		b := endBalance.Float64
		r.EndBalance = &b
	}
	return &r, nil
}

func (s *RunStore) scanRunRow(rows *sql.Rows) (*Run, error) {
	var r Run
	var stoppedAt sql.NullTime
	var endBalance sql.NullFloat64

	err := rows.Scan(&r.ID, &r.StrategyID, &r.StartedAt, &stoppedAt, &r.StartBalance,
		&endBalance, &r.TotalTrades, &r.WinTrades, &r.LossTrades, &r.RealizedPnL, &r.Status)
	if err != nil {
		return nil, err
	}

	if stoppedAt.Valid {
		t := stoppedAt.Time
		r.StoppedAt = &t
	}
	if endBalance.Valid {
		b := endBalance.Float64
		r.EndBalance = &b
	}
	return &r, nil
}
