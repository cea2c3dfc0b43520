package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"futures-supervisor/events"
	"futures-supervisor/exchange"
	"futures-supervisor/store"
)

// BarSource supplies historical bars for a time range. The live exchange
// client satisfies it; tests load canned bars.
type BarSource interface {
	HistoricalBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]exchange.Bar, error)
}

// Manager owns backtest submissions: it persists the pending row, fetches
// the bar range, runs the replay in the background and lands the result.
// Each submission carries a uuid so progress events correlate with the row.
type Manager struct {
	bars BarSource
	hub  *events.Hub

	strategyStore *store.StrategyStore
	backtestStore *store.BacktestStore

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(bars BarSource, hub *events.Hub) *Manager {
	return &Manager{
		bars:          bars,
		hub:           hub,
		strategyStore: store.NewStrategyStore(),
		backtestStore: store.NewBacktestStore(),
		cancels:       make(map[int64]context.CancelFunc),
	}
}

// Submit validates the request against the stored strategy, persists a
// pending row and starts the replay in the background. The returned row
// carries the id and uid to follow progress with.
func (m *Manager) Submit(params Params) (*store.BacktestResult, error) {
	strategy, err := m.strategyStore.Get(params.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("load strategy: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	row := &store.BacktestResult{
		UID:            uuid.NewString(),
		StrategyID:     params.StrategyID,
		Symbol:         params.Symbol,
		Timeframe:      params.Timeframe,
		StartTime:      params.Start,
		EndTime:        params.End,
		InitialBalance: params.InitialBalance,
		FeePercent:     params.FeePercent,
	}

	// Build the runner before persisting anything so a bad config document
	// fails the submission, not the background run.
	runner, err := NewRunner(0, row.UID, strategy.Name, []byte(strategy.Config), params, m.hub)
	if err != nil {
		return nil, err
	}
	if row.Symbol == "" {
		row.Symbol = runner.params.Symbol
	}

	if err := m.backtestStore.Create(row); err != nil {
		return nil, err
	}
	runner.backtestID = row.ID

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[row.ID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.cancels, row.ID)
			m.mu.Unlock()
			cancel()
		}()
		m.run(ctx, row, runner)
	}()

	return row, nil
}

func (m *Manager) run(ctx context.Context, row *store.BacktestResult, runner *Runner) {
	fail := func(err error) {
		log.Printf("[backtest:%s] Failed: %v", row.UID, err)
		if dbErr := m.backtestStore.Fail(row.ID, err.Error()); dbErr != nil {
			log.Printf("[backtest:%s] Failed to record failure: %v", row.UID, dbErr)
		}
		m.hub.Publish(events.Event{
			Topic:      events.TopicError,
			StrategyID: row.StrategyID,
			Symbol:     row.Symbol,
			Message:    err.Error(),
			Data:       map[string]interface{}{"kind": "backtest", "backtest_id": row.ID, "uid": row.UID},
		})
	}

	bars, err := m.bars.HistoricalBars(ctx, row.Symbol, row.Timeframe, row.StartTime, row.EndTime)
	if err != nil {
		fail(&Error{Stage: "fetch-bars", Err: err})
		return
	}

	if err := m.backtestStore.MarkRunning(row.ID); err != nil {
		fail(&Error{Stage: "persist", Err: err})
		return
	}

	result, err := runner.Run(ctx, bars)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fail(&Error{Stage: "run", Err: fmt.Errorf("canceled")})
			return
		}
		fail(err)
		return
	}

	curve, trades, stats, err := encodeResult(result)
	if err != nil {
		fail(&Error{Stage: "persist", Err: err})
		return
	}
	if err := m.backtestStore.Complete(row.ID, curve, trades, stats); err != nil {
		fail(&Error{Stage: "persist", Err: err})
		return
	}

	m.hub.Publish(events.Event{
		Topic:      events.TopicBacktestProgress,
		StrategyID: row.StrategyID,
		Symbol:     row.Symbol,
		Message:    "completed",
		Data: map[string]interface{}{
			"backtest_id":     row.ID,
			"uid":             row.UID,
			"percentage":      100.0,
			"current_balance": result.Stats.FinalBalance,
		},
	})
}

func encodeResult(res *Result) (curve, trades, stats string, err error) {
	c, err := json.Marshal(res.Curve)
	if err != nil {
		return "", "", "", fmt.Errorf("encode equity curve: %w", err)
	}
	t, err := json.Marshal(res.Trades)
	if err != nil {
		return "", "", "", fmt.Errorf("encode trades: %w", err)
	}
	s, err := json.Marshal(res.Stats)
	if err != nil {
		return "", "", "", fmt.Errorf("encode stats: %w", err)
	}
	return string(c), string(t), string(s), nil
}

// Cancel stops a running backtest; its row lands as failed with a canceled
// message.
func (m *Manager) Cancel(id int64) error {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("backtest %d is not running", id)
	}
	cancel()
	return nil
}

// Get returns one backtest row with its full payload.
func (m *Manager) Get(id int64) (*store.BacktestResult, error) {
	return m.backtestStore.Get(id)
}

// List returns recent backtest rows without curve and trade payloads.
func (m *Manager) List(limit int) ([]*store.BacktestResult, error) {
	return m.backtestStore.List(limit)
}

// Delete removes a finished backtest row. In-flight runs must be canceled
// first.
func (m *Manager) Delete(id int64) error {
	m.mu.Lock()
	_, running := m.cancels[id]
	m.mu.Unlock()
	if running {
		return fmt.Errorf("backtest %d is running; cancel it first", id)
	}
	return m.backtestStore.Delete(id)
}

// Wait blocks until every in-flight backtest has landed. Used at shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}
