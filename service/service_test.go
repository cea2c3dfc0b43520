package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"futures-supervisor/backtest"
	"futures-supervisor/config"
	"futures-supervisor/events"
	"futures-supervisor/exchange"
	"futures-supervisor/logger"
	"futures-supervisor/store"
	"futures-supervisor/trader"
)

// stubVenue satisfies kernel.Adapter for the supervisor and MarketData for
// the service. No strategy runs in these tests, so most calls return canned
// values.
type stubVenue struct {
	bars    []exchange.Bar
	balance exchange.Balance
}

func (s *stubVenue) ConfigureLeverage(context.Context, string, int) error { return nil }

func (s *stubVenue) FetchTicker(_ context.Context, symbol string) (*exchange.Ticker, error) {
	return &exchange.Ticker{Symbol: symbol, Last: 50000, Mark: 50000, Time: time.Now()}, nil
}

func (s *stubVenue) FetchBars(context.Context, string, string, int) ([]exchange.Bar, error) {
	return s.bars, nil
}

func (s *stubVenue) OpenMarket(context.Context, string, string, float64) (*exchange.Fill, error) {
	return nil, nil
}

func (s *stubVenue) CloseMarket(context.Context, string, string) (*exchange.Fill, error) {
	return nil, exchange.ErrNoPosition
}

func (s *stubVenue) ReducePosition(context.Context, string, string, float64) (*exchange.Fill, error) {
	return nil, exchange.ErrNoPosition
}

func (s *stubVenue) FetchPosition(context.Context, string) (*exchange.Position, error) {
	return nil, nil
}

func (s *stubVenue) FetchBalance(context.Context) (*exchange.Balance, error) {
	b := s.balance
	return &b, nil
}

func (s *stubVenue) HistoricalBars(context.Context, string, string, time.Time, time.Time) ([]exchange.Bar, error) {
	return s.bars, nil
}

func newTestService(t *testing.T) (*Service, *stubVenue) {
	t.Helper()
	if err := store.Init(":memory:"); err != nil {
		t.Fatalf("store.Init() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hub := events.NewHub()
	go hub.Run()
	t.Cleanup(hub.Close)

	venue := &stubVenue{balance: exchange.Balance{Total: 10000, Free: 9000, Used: 1000}}
	proc := &config.Config{StopTimeout: time.Second, MaxKernelErrors: 3, SnapshotInterval: time.Minute, SnapshotRetention: time.Hour}
	supervisor := trader.NewSupervisor(venue, hub, proc)
	backtests := backtest.NewManager(venue, hub)
	logs := logger.NewBroadcaster(10)

	return New(venue, supervisor, backtests, hub, logs), venue
}

func TestCreateStrategyFromTemplate(t *testing.T) {
	svc, _ := newTestService(t)

	strategy, err := svc.CreateStrategy("grid bot", "band trader", "grid_classic", "")
	if err != nil {
		t.Fatalf("CreateStrategy() error = %v", err)
	}
	if strategy.ID == 0 || strategy.Status != store.StrategyStatusStopped {
		t.Errorf("created strategy = %+v, want stored and stopped", strategy)
	}
	if !strings.Contains(strategy.Config, "grid:") {
		t.Errorf("config document does not carry the grid section:\n%s", strategy.Config)
	}

	got, err := svc.GetStrategy(strategy.ID)
	if err != nil || got.Name != "grid bot" {
		t.Errorf("GetStrategy() = %+v, %v", got, err)
	}
}

func TestCreateStrategyValidation(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.CreateStrategy("", "", "grid_classic", ""); err == nil {
		t.Error("CreateStrategy() without a name should fail")
	}
	if _, err := svc.CreateStrategy("x", "", "", ""); err == nil {
		t.Error("CreateStrategy() without template or document should fail")
	}
	if _, err := svc.CreateStrategy("x", "", "no_such_template", ""); err == nil {
		t.Error("CreateStrategy() with unknown template should fail")
	}
	if _, err := svc.CreateStrategy("x", "", "", "trading: {}\n"); err == nil {
		t.Error("CreateStrategy() with invalid document should fail")
	}
}

func TestUpdateStrategy(t *testing.T) {
	svc, _ := newTestService(t)

	strategy, err := svc.CreateStrategy("mart", "", "martingale_classic", "")
	if err != nil {
		t.Fatalf("CreateStrategy() error = %v", err)
	}

	updated, err := svc.UpdateStrategy(strategy.ID, "mart v2", "", "")
	if err != nil {
		t.Fatalf("UpdateStrategy() error = %v", err)
	}
	if updated.Name != "mart v2" {
		t.Errorf("name = %q, want mart v2", updated.Name)
	}

	if _, err := svc.UpdateStrategy(strategy.ID, "", "", "not: a: strategy\n"); err == nil {
		t.Error("UpdateStrategy() with an invalid document should fail")
	}
}

func TestDeleteStrategyWithOpenRun(t *testing.T) {
	svc, _ := newTestService(t)

	strategy, err := svc.CreateStrategy("mart", "", "martingale_classic", "")
	if err != nil {
		t.Fatalf("CreateStrategy() error = %v", err)
	}
	if _, err := store.NewRunStore().Open(strategy.ID, 10000); err != nil {
		t.Fatalf("open run: %v", err)
	}

	if err := svc.DeleteStrategy(strategy.ID); err == nil {
		t.Error("DeleteStrategy() with an open run should fail")
	}
}

func TestTemplatesSurface(t *testing.T) {
	svc, _ := newTestService(t)

	list := svc.ListTemplates()
	if len(list) != 9 {
		t.Errorf("ListTemplates() = %d entries, want 9", len(list))
	}
	if _, err := svc.GetTemplate("llm_signal"); err != nil {
		t.Errorf("GetTemplate(llm_signal) error = %v", err)
	}
	if _, err := svc.GetTemplate("nope"); err == nil {
		t.Error("GetTemplate() with unknown id should fail")
	}
}

func TestPriceHistoryAndBalance(t *testing.T) {
	svc, venue := newTestService(t)
	venue.bars = []exchange.Bar{{Close: 50000}, {Close: 50100}}

	bars, err := svc.PriceHistory(context.Background(), "BTCUSDT", "1h", 2)
	if err != nil || len(bars) != 2 {
		t.Errorf("PriceHistory() = %d bars, %v", len(bars), err)
	}
	if _, err := svc.PriceHistory(context.Background(), "BTCUSDT", "9h", 2); err == nil {
		t.Error("PriceHistory() with unknown timeframe should fail")
	}

	bal, err := svc.AccountBalance(context.Background())
	if err != nil || bal.Total != 10000 {
		t.Errorf("AccountBalance() = %+v, %v", bal, err)
	}
}

func TestTradeHistoryEmpty(t *testing.T) {
	svc, _ := newTestService(t)

	items, total, err := svc.TradeHistory(0, 0, 0, 10)
	if err != nil {
		t.Fatalf("TradeHistory() error = %v", err)
	}
	if total != 0 || len(items) != 0 {
		t.Errorf("TradeHistory() = %d items, total %d, want empty", len(items), total)
	}
}

func TestStopUnknownStrategy(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.StopStrategy(context.Background(), 42, true); err == nil {
		t.Error("StopStrategy() on an idle strategy should fail")
	}
	if err := svc.ForceRetrain(42); err == nil {
		t.Error("ForceRetrain() on an idle strategy should fail")
	}
}
