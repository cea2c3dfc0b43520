package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"futures-supervisor/exchange"
	"futures-supervisor/store"
)

type fakeBarSource struct {
	bars []exchange.Bar
	err  error
}

func (f *fakeBarSource) HistoricalBars(_ context.Context, _, _ string, _, _ time.Time) ([]exchange.Bar, error) {
	return f.bars, f.err
}

func newTestManager(t *testing.T, src *fakeBarSource) (*Manager, int64) {
	t.Helper()
	if err := store.Init(":memory:"); err != nil {
		t.Fatalf("store.Init() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	strategy := &store.Strategy{Name: "bt-martingale", Config: martingaleDoc}
	if err := store.NewStrategyStore().Create(strategy); err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	return NewManager(src, newTestHub(t)), strategy.ID
}

func TestManagerSubmitCompletes(t *testing.T) {
	src := &fakeBarSource{bars: makeBars(testParams().Start, time.Hour, 50000, 49500, 48500, 47500, 47500)}
	m, strategyID := newTestManager(t, src)

	params := testParams()
	params.StrategyID = strategyID
	row, err := m.Submit(params)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if row.UID == "" || row.ID == 0 {
		t.Fatalf("submitted row missing ids: %+v", row)
	}
	m.Wait()

	got, err := m.Get(row.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != store.BacktestStatusCompleted {
		t.Fatalf("status = %q (error %q), want completed", got.Status, got.Error)
	}

	var stats Stats
	if err := json.Unmarshal([]byte(got.Stats), &stats); err != nil {
		t.Fatalf("stats payload does not decode: %v", err)
	}
	if stats.TotalTrades != 2 {
		t.Errorf("stats total trades = %d, want 2", stats.TotalTrades)
	}
	var curve []EquityPoint
	if err := json.Unmarshal([]byte(got.EquityCurve), &curve); err != nil {
		t.Fatalf("curve payload does not decode: %v", err)
	}
	if len(curve) != len(src.bars) {
		t.Errorf("curve points = %d, want %d", len(curve), len(src.bars))
	}
	if got.FinishedAt == nil {
		t.Error("completed row has no finished timestamp")
	}
}

func TestManagerBarFetchFailure(t *testing.T) {
	src := &fakeBarSource{err: fmt.Errorf("venue unreachable")}
	m, strategyID := newTestManager(t, src)

	params := testParams()
	params.StrategyID = strategyID
	row, err := m.Submit(params)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	m.Wait()

	got, err := m.Get(row.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != store.BacktestStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Error == "" {
		t.Error("failed row stores no error message")
	}
}

func TestManagerSubmitValidation(t *testing.T) {
	src := &fakeBarSource{}
	m, strategyID := newTestManager(t, src)

	if _, err := m.Submit(Params{StrategyID: 9999, Start: testParams().Start, End: testParams().End}); err == nil {
		t.Error("Submit() with unknown strategy should fail")
	}

	bad := testParams()
	bad.StrategyID = strategyID
	bad.Timeframe = "7m"
	if _, err := m.Submit(bad); err == nil {
		t.Error("Submit() with unknown timeframe should fail")
	}

	inverted := testParams()
	inverted.StrategyID = strategyID
	inverted.Start, inverted.End = inverted.End, inverted.Start
	if _, err := m.Submit(inverted); err == nil {
		t.Error("Submit() with start after end should fail")
	}
}

func TestManagerCancelNotRunning(t *testing.T) {
	src := &fakeBarSource{}
	m, _ := newTestManager(t, src)
	if err := m.Cancel(123); err == nil {
		t.Error("Cancel() on an unknown backtest should fail")
	}
}

func TestManagerDeleteFinished(t *testing.T) {
	src := &fakeBarSource{bars: makeBars(testParams().Start, time.Hour, 50000, 50000)}
	m, strategyID := newTestManager(t, src)

	params := testParams()
	params.StrategyID = strategyID
	row, err := m.Submit(params)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	m.Wait()

	if err := m.Delete(row.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := m.Get(row.ID); err == nil {
		t.Error("deleted backtest is still readable")
	}
}
