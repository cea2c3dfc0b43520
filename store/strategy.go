package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	StrategyStatusStopped = "stopped"
	StrategyStatusRunning = "running"
	StrategyStatusPaused  = "paused"
	StrategyStatusError   = "error"
)

const (
	StrategyKindConfig = "config" // parameter-driven kernel
	StrategyKindCode   = "code"   // user-supplied kernel
)

// Strategy is a stored strategy definition. Config holds the YAML
// configuration document; it is parsed into a typed form when a run starts.
type Strategy struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Kind        string    `json:"kind"`   // config | code
	Config      string    `json:"config"` // YAML document
	Status      string    `json:"status"` // stopped | running | paused | error
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StrategyStore handles strategy persistence
type StrategyStore struct{}

func NewStrategyStore() *StrategyStore {
	return &StrategyStore{}
}

func (s *StrategyStore) InitTables() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS strategies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'config',
			config TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'stopped',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	return err
}

func (s *StrategyStore) Create(strategy *Strategy) error {
	if strategy.Kind == "" {
		strategy.Kind = StrategyKindConfig
	}
	if strategy.Status == "" {
		strategy.Status = StrategyStatusStopped
	}
	now := time.Now().UTC()
	strategy.CreatedAt = now
	strategy.UpdatedAt = now

	res, err := db.Exec(`
		INSERT INTO strategies (name, description, kind, config, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, strategy.Name, strategy.Description, strategy.Kind, strategy.Config,
		strategy.Status, strategy.CreatedAt, strategy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create strategy: %w", err)
	}

	strategy.ID, err = res.LastInsertId()
	return err
}

// Update edits name, description and config. Only valid while the strategy
// is stopped.
func (s *StrategyStore) Update(strategy *Strategy) error {
	cur, err := s.Get(strategy.ID)
	if err != nil {
		return err
	}
	if cur.Status != StrategyStatusStopped {
		return fmt.Errorf("strategy %d is %s; edits require stopped", strategy.ID, cur.Status)
	}

	strategy.UpdatedAt = time.Now().UTC()
	_, err = db.Exec(`
		UPDATE strategies
		SET name = ?, description = ?, config = ?, updated_at = ?
		WHERE id = ?
	`, strategy.Name, strategy.Description, strategy.Config, strategy.UpdatedAt, strategy.ID)
	if err != nil {
		return fmt.Errorf("failed to update strategy: %w", err)
	}
	return nil
}

// Delete removes a stopped strategy. Refused while any run of the strategy
// is still open.
func (s *StrategyStore) Delete(id int64) error {
	cur, err := s.Get(id)
	if err != nil {
		return err
	}
	if cur.Status == StrategyStatusRunning {
		return fmt.Errorf("strategy %d is running; stop it before deleting", id)
	}

	var open int
	if err := db.QueryRow(`
		SELECT COUNT(1) FROM strategy_runs
		WHERE strategy_id = ? AND stopped_at IS NULL
	`, id).Scan(&open); err != nil {
		return fmt.Errorf("failed to check open runs: %w", err)
	}
	if open > 0 {
		return fmt.Errorf("%w: strategy %d has an open run", ErrConsistency, id)
	}

	_, err = db.Exec(`DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete strategy: %w", err)
	}
	return nil
}

func (s *StrategyStore) Get(id int64) (*Strategy, error) {
	row := db.QueryRow(`
		SELECT id, name, description, kind, config, status, created_at, updated_at
		FROM strategies WHERE id = ?
	`, id)

	return s.scanStrategy(row)
}

func (s *StrategyStore) List() ([]*Strategy, error) {
	rows, err := db.Query(`
		SELECT id, name, description, kind, config, status, created_at, updated_at
		FROM strategies ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var strategies []*Strategy
	for rows.Next() {
		strategy, err := s.scanStrategyRow(rows)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, strategy)
	}

	return strategies, rows.Err()
}

func (s *StrategyStore) SetStatus(id int64, status string) error {
	res, err := db.Exec(`
		UPDATE strategies SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set strategy status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("strategy %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *StrategyStore) scanStrategy(row *sql.Row) (*Strategy, error) {
	var strategy Strategy

	err := row.Scan(
		&strategy.ID, &strategy.Name, &strategy.Description,
		&strategy.Kind, &strategy.Config, &strategy.Status,
		&strategy.CreatedAt, &strategy.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("strategy: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return &strategy, nil
}

func (s *StrategyStore) scanStrategyRow(rows *sql.Rows) (*Strategy, error) {
	var strategy Strategy

	err := rows.Scan(
		&strategy.ID, &strategy.Name, &strategy.Description,
		&strategy.Kind, &strategy.Config, &strategy.Status,
		&strategy.CreatedAt, &strategy.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &strategy, nil
}
