// Package service is the typed command facade an external transport layer
// sits on. It owns no state of its own: strategies, runs and trades live in
// the ledger, live engines belong to the supervisor, replays to the backtest
// manager. Errors cross this boundary as wrapped typed errors with a human
// message, never stack traces.
package service

import (
	"context"
	"fmt"
	"time"

	"futures-supervisor/backtest"
	"futures-supervisor/events"
	"futures-supervisor/exchange"
	"futures-supervisor/kernel"
	"futures-supervisor/logger"
	"futures-supervisor/store"
	"futures-supervisor/templates"
	"futures-supervisor/trader"
)

// MarketData is the slice of the exchange client the service reads prices
// and balances through.
type MarketData interface {
	FetchBars(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Bar, error)
	FetchBalance(ctx context.Context) (*exchange.Balance, error)
}

// Service wires the command surface together.
type Service struct {
	market      MarketData
	supervisor  *trader.Supervisor
	backtests   *backtest.Manager
	hub         *events.Hub
	logs        *logger.Broadcaster
	strategies  *store.StrategyStore
	runs        *store.RunStore
	trades      *store.TradeStore
	positions   *store.PositionStore
	snapshots   *store.SnapshotStore
}

func New(market MarketData, supervisor *trader.Supervisor, backtests *backtest.Manager, hub *events.Hub, logs *logger.Broadcaster) *Service {
	return &Service{
		market:     market,
		supervisor: supervisor,
		backtests:  backtests,
		hub:        hub,
		logs:       logs,
		strategies: store.NewStrategyStore(),
		runs:       store.NewRunStore(),
		trades:     store.NewTradeStore(),
		positions:  store.NewPositionStore(),
		snapshots:  store.NewSnapshotStore(),
	}
}

// --- strategies ---

func (s *Service) ListStrategies() ([]*store.Strategy, error) {
	return s.strategies.List()
}

func (s *Service) GetStrategy(id int64) (*store.Strategy, error) {
	return s.strategies.Get(id)
}

// CreateStrategy stores a new definition. With an empty document the named
// template seeds the configuration; either way the document must parse.
func (s *Service) CreateStrategy(name, description, templateID, doc string) (*store.Strategy, error) {
	if name == "" {
		return nil, fmt.Errorf("strategy name is required")
	}
	if doc == "" {
		if templateID == "" {
			return nil, fmt.Errorf("either a config document or a template id is required")
		}
		tpl, err := templates.Get(templateID)
		if err != nil {
			return nil, err
		}
		doc = tpl.Config
	}
	if _, err := kernel.Parse([]byte(doc)); err != nil {
		return nil, err
	}

	strategy := &store.Strategy{
		Name:        name,
		Description: description,
		Kind:        store.StrategyKindConfig,
		Config:      doc,
	}
	if err := s.strategies.Create(strategy); err != nil {
		return nil, err
	}
	return strategy, nil
}

// UpdateStrategy edits a stopped strategy. The new document must parse.
func (s *Service) UpdateStrategy(id int64, name, description, doc string) (*store.Strategy, error) {
	if s.supervisor.IsActive(id) {
		return nil, fmt.Errorf("strategy %d is running; stop it before editing", id)
	}
	cur, err := s.strategies.Get(id)
	if err != nil {
		return nil, err
	}
	if name != "" {
		cur.Name = name
	}
	if description != "" {
		cur.Description = description
	}
	if doc != "" {
		if _, err := kernel.Parse([]byte(doc)); err != nil {
			return nil, err
		}
		cur.Config = doc
	}
	if err := s.strategies.Update(cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// DeleteStrategy removes a stopped strategy with no open run.
func (s *Service) DeleteStrategy(id int64) error {
	if s.supervisor.IsActive(id) {
		return fmt.Errorf("strategy %d is running; stop it before deleting", id)
	}
	return s.strategies.Delete(id)
}

// --- lifecycle ---

func (s *Service) StartStrategy(ctx context.Context, id int64) error {
	return s.supervisor.Start(ctx, id)
}

func (s *Service) StopStrategy(ctx context.Context, id int64, closePositions bool) error {
	return s.supervisor.Stop(ctx, id, closePositions)
}

func (s *Service) StrategyStatus(id int64) map[string]interface{} {
	return s.supervisor.Status(id)
}

func (s *Service) ForceRetrain(id int64) error {
	return s.supervisor.ForceRetrain(id)
}

// --- history ---

// TradeHistory pages through trades, optionally filtered by strategy and
// run. Zero ids mean no filter.
func (s *Service) TradeHistory(strategyID, runID int64, offset, limit int) ([]*store.Trade, int, error) {
	return s.trades.List(strategyID, runID, offset, limit)
}

func (s *Service) TradeStats(strategyID int64) (map[string]interface{}, error) {
	return s.trades.Stats(strategyID)
}

func (s *Service) ListRuns(strategyID int64, limit int) ([]*store.Run, error) {
	return s.runs.ListByStrategy(strategyID, limit)
}

func (s *Service) PriceHistory(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Bar, error) {
	if _, ok := exchange.TimeframeDuration(timeframe); !ok {
		return nil, fmt.Errorf("unknown timeframe %q", timeframe)
	}
	return s.market.FetchBars(ctx, symbol, timeframe, limit)
}

// --- account ---

func (s *Service) AccountBalance(ctx context.Context) (*exchange.Balance, error) {
	return s.market.FetchBalance(ctx)
}

func (s *Service) AccountSnapshots(since time.Time) ([]*store.AccountSnapshot, error) {
	return s.snapshots.Query(since)
}

func (s *Service) OpenPositions() ([]*store.Position, error) {
	return s.positions.ListOpen()
}

// --- backtests ---

func (s *Service) SubmitBacktest(params backtest.Params) (*store.BacktestResult, error) {
	return s.backtests.Submit(params)
}

func (s *Service) ListBacktests(limit int) ([]*store.BacktestResult, error) {
	return s.backtests.List(limit)
}

func (s *Service) GetBacktest(id int64) (*store.BacktestResult, error) {
	return s.backtests.Get(id)
}

func (s *Service) CancelBacktest(id int64) error {
	return s.backtests.Cancel(id)
}

func (s *Service) DeleteBacktest(id int64) error {
	return s.backtests.Delete(id)
}

// --- templates ---

func (s *Service) ListTemplates() []templates.Template {
	return templates.List()
}

func (s *Service) GetTemplate(id string) (templates.Template, error) {
	return templates.Get(id)
}

// --- observation ---

// SubscribeEvents registers a bus consumer. With no topics it receives
// everything; callers must Unsubscribe when done.
func (s *Service) SubscribeEvents(topics ...events.Topic) *events.Subscription {
	return s.hub.Subscribe(topics...)
}

func (s *Service) UnsubscribeEvents(sub *events.Subscription) {
	s.hub.Unsubscribe(sub)
}

// SubscribeLogs attaches to the process log stream, returning the live
// channel and the buffered history.
func (s *Service) SubscribeLogs() (chan logger.Line, []logger.Line) {
	return s.logs.Subscribe()
}

func (s *Service) UnsubscribeLogs(ch chan logger.Line) {
	s.logs.Unsubscribe(ch)
}
