package store

import (
	"fmt"
	"time"
)

// AccountSnapshot is a periodic capture of venue account state.
type AccountSnapshot struct {
	ID            int64     `json:"id"`
	TotalBalance  float64   `json:"total_balance"`
	FreeBalance   float64   `json:"free_balance"`
	UsedBalance   float64   `json:"used_balance"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	CreatedAt     time.Time `json:"created_at"`
}

// SnapshotStore handles account snapshot persistence
type SnapshotStore struct{}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

func (s *SnapshotStore) InitTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS account_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		total_balance REAL NOT NULL,
		free_balance REAL NOT NULL,
		used_balance REAL NOT NULL,
		unrealized_pnl REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_time ON account_snapshots(created_at);
	`
	_, err := db.Exec(query)
	return err
}

// Save inserts the snapshot and purges rows older than the retention window.
func (s *SnapshotStore) Save(snap *AccountSnapshot, retention time.Duration) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	res, err := db.Exec(`
		INSERT INTO account_snapshots (total_balance, free_balance, used_balance, unrealized_pnl, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, snap.TotalBalance, snap.FreeBalance, snap.UsedBalance, snap.UnrealizedPnL, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	snap.ID, _ = res.LastInsertId()

	if retention > 0 {
		cutoff := snap.CreatedAt.Add(-retention)
		if _, err := db.Exec(`DELETE FROM account_snapshots WHERE created_at < ?`, cutoff); err != nil {
			return fmt.Errorf("failed to purge snapshots: %w", err)
		}
	}
	return nil
}

// Query returns snapshots taken at or after since, oldest first.
func (s *SnapshotStore) Query(since time.Time) ([]*AccountSnapshot, error) {
	rows, err := db.Query(`
		SELECT id, total_balance, free_balance, used_balance, unrealized_pnl, created_at
		FROM account_snapshots WHERE created_at >= ?
		ORDER BY created_at
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AccountSnapshot
	for rows.Next() {
		var snap AccountSnapshot
		if err := rows.Scan(&snap.ID, &snap.TotalBalance, &snap.FreeBalance,
			&snap.UsedBalance, &snap.UnrealizedPnL, &snap.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// Latest returns the most recent snapshot, or ErrNotFound when none exists.
func (s *SnapshotStore) Latest() (*AccountSnapshot, error) {
	var snap AccountSnapshot
	err := db.QueryRow(`
		SELECT id, total_balance, free_balance, used_balance, unrealized_pnl, created_at
		FROM account_snapshots ORDER BY id DESC LIMIT 1
	`).Scan(&snap.ID, &snap.TotalBalance, &snap.FreeBalance,
		&snap.UsedBalance, &snap.UnrealizedPnL, &snap.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", ErrNotFound)
	}
	return &snap, nil
}
