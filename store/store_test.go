package store

import (
	"errors"
	"testing"
)

func initTestStore(t *testing.T) int64 {
	t.Helper()
	if err := Init(":memory:"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { Close() })

	strategy := &Strategy{Name: "ledger-test", Config: "x"}
	if err := NewStrategyStore().Create(strategy); err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	return strategy.ID
}

func TestSingleOpenRun(t *testing.T) {
	strategyID := initTestStore(t)
	runs := NewRunStore()

	runID, err := runs.Open(strategyID, 10000)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, err := runs.Open(strategyID, 10000); !errors.Is(err, ErrConsistency) {
		t.Errorf("second Open() error = %v, want ErrConsistency", err)
	}

	if err := runs.Close(runID, 10100, RunStatusStopped); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A closed run no longer blocks a new one.
	if _, err := runs.Open(strategyID, 10100); err != nil {
		t.Errorf("Open() after close error = %v", err)
	}
}

func TestAppendUpdatesRunCounters(t *testing.T) {
	strategyID := initTestStore(t)
	runs := NewRunStore()
	trades := NewTradeStore()

	runID, err := runs.Open(strategyID, 10000)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	append := func(kind string, pnl *float64) {
		t.Helper()
		err := trades.Append(&Trade{
			StrategyID: strategyID, RunID: runID, Kind: kind, Side: SideLong,
			Symbol: "BTCUSDT", Price: 50000, Quantity: 0.01, Notional: 500, PnL: pnl,
		})
		if err != nil {
			t.Fatalf("Append(%s) error = %v", kind, err)
		}
	}

	win, loss := 40.0, -15.0
	append(TradeKindOpen, nil)
	append(TradeKindClose, &win)
	append(TradeKindOpen, nil)
	append(TradeKindClose, &loss)

	run, err := runs.Get(runID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if run.TotalTrades != 4 || run.WinTrades != 1 || run.LossTrades != 1 {
		t.Errorf("counters = %d/%d/%d, want 4 total, 1 win, 1 loss",
			run.TotalTrades, run.WinTrades, run.LossTrades)
	}
	if run.RealizedPnL != 25 {
		t.Errorf("realized pnl = %v, want 25", run.RealizedPnL)
	}
}

func TestAppendToClosedRun(t *testing.T) {
	strategyID := initTestStore(t)
	runs := NewRunStore()
	trades := NewTradeStore()

	runID, err := runs.Open(strategyID, 10000)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := runs.Close(runID, 10000, RunStatusStopped); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err = trades.Append(&Trade{StrategyID: strategyID, RunID: runID, Kind: TradeKindOpen,
		Side: SideLong, Symbol: "BTCUSDT", Price: 50000, Quantity: 0.01, Notional: 500})
	if !errors.Is(err, ErrConsistency) {
		t.Errorf("Append() to closed run error = %v, want ErrConsistency", err)
	}
	if _, total, _ := trades.List(strategyID, runID, 0, 10); total != 0 {
		t.Errorf("trade count after rejected append = %d, want 0", total)
	}

	err = trades.Append(&Trade{StrategyID: strategyID, RunID: runID + 99, Kind: TradeKindOpen,
		Side: SideLong, Symbol: "BTCUSDT", Price: 50000, Quantity: 0.01, Notional: 500})
	if !errors.Is(err, ErrConsistency) {
		t.Errorf("Append() to missing run error = %v, want ErrConsistency", err)
	}
}

func TestCloseRunTwice(t *testing.T) {
	strategyID := initTestStore(t)
	runs := NewRunStore()

	runID, err := runs.Open(strategyID, 10000)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := runs.Close(runID, 10000, RunStatusStopped); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := runs.Close(runID, 10000, RunStatusStopped); !errors.Is(err, ErrConsistency) {
		t.Errorf("second Close() error = %v, want ErrConsistency", err)
	}
}

func TestDeleteStrategyWithOpenRunRefused(t *testing.T) {
	strategyID := initTestStore(t)
	runs := NewRunStore()
	strategies := NewStrategyStore()

	runID, err := runs.Open(strategyID, 10000)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := strategies.Delete(strategyID); !errors.Is(err, ErrConsistency) {
		t.Errorf("Delete() with open run error = %v, want ErrConsistency", err)
	}

	if err := runs.Close(runID, 10000, RunStatusStopped); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := strategies.Delete(strategyID); err != nil {
		t.Errorf("Delete() after run closed error = %v", err)
	}
}

func TestCloseOrphans(t *testing.T) {
	strategyID := initTestStore(t)
	runs := NewRunStore()

	runID, err := runs.Open(strategyID, 10000)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	n, err := runs.CloseOrphans()
	if err != nil {
		t.Fatalf("CloseOrphans() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CloseOrphans() = %d, want 1", n)
	}

	run, err := runs.Get(runID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if run.Status != RunStatusError || run.StoppedAt == nil {
		t.Errorf("orphaned run = %+v, want errored and stamped", run)
	}

	if _, err := runs.GetOpen(strategyID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOpen() after orphan sweep error = %v, want ErrNotFound", err)
	}
}
