package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

var db *sql.DB

// ErrConsistency marks violations of ledger invariants: a second open run for
// the same strategy, or a trade appended to a closed run.
var ErrConsistency = errors.New("ledger consistency violation")

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Init opens the SQLite database under dataDir and applies migrations.
// The special value ":memory:" opens an in-memory database (used by tests).
func Init(dataDir string) error {
	dbPath := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		dbPath = filepath.Join(dataDir, "supervisor.db")
	}

	var err error
	db, err = sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; an in-memory database is also scoped to a
	// single connection, so cap the pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Printf("[store] Database initialized: %s", dbPath)
	return nil
}

func GetDB() *sql.DB {
	return db
}

func Close() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

func migrate() error {
	inits := []struct {
		name string
		fn   func() error
	}{
		{"strategies", NewStrategyStore().InitTables},
		{"runs", NewRunStore().InitTables},
		{"trades", NewTradeStore().InitTables},
		{"positions", NewPositionStore().InitTables},
		{"snapshots", NewSnapshotStore().InitTables},
		{"backtests", NewBacktestStore().InitTables},
	}

	for _, in := range inits {
		if err := in.fn(); err != nil {
			return fmt.Errorf("%s store init failed: %w", in.name, err)
		}
	}
	return nil
}
