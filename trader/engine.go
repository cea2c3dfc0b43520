// Package trader runs strategies against the venue. Engine is the control
// loop of one strategy run; Supervisor owns the table of engines and the
// account snapshot daemon. All trading decisions come from the strategy
// kernel; every order passes the risk gate on its way out.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"futures-supervisor/config"
	"futures-supervisor/events"
	"futures-supervisor/exchange"
	"futures-supervisor/kernel"
	"futures-supervisor/risk"
	"futures-supervisor/store"
)

// Engine states.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateError    = "error"
)

// errRunEnded signals that a tick terminated its own run (max run loss).
var errRunEnded = errors.New("run ended")

// minQty is the quantity below which a position counts as fully closed.
const minQty = 1e-9

// Engine drives one strategy: it owns the run loop, executes kernel trade
// requests through the risk gate, and keeps the ledger and the event bus in
// step with the venue. All kernel calls happen on the loop goroutine.
type Engine struct {
	strategy *store.Strategy
	kern     kernel.Kernel
	cfg      *kernel.Config
	policy   risk.Policy

	adapter kernel.Adapter
	hub     *events.Hub
	proc    *config.Config

	runStore      *store.RunStore
	tradeStore    *store.TradeStore
	positionStore *store.PositionStore
	strategyStore *store.StrategyStore

	// now is the engine clock; swapped out in tests.
	now func() time.Time

	sc *kernel.Context

	mu           sync.RWMutex
	state        string
	runID        int64
	startBalance float64
	realized     float64
	additions    int
	lastTrade    time.Time
	tickCount    int64
	errStreak    int
	lastError    string
	position     *kernel.PositionView
	openedAt     time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine builds the control loop for one stored strategy. The config
// document is parsed here, so a bad document never gets as far as a run.
func NewEngine(strategy *store.Strategy, adapter kernel.Adapter, hub *events.Hub, proc *config.Config) (*Engine, error) {
	if strategy.Kind == store.StrategyKindCode {
		return nil, fmt.Errorf("strategy %d: code strategies are not executable", strategy.ID)
	}
	kern, cfg, err := kernel.New([]byte(strategy.Config))
	if err != nil {
		return nil, err
	}

	return &Engine{
		strategy:      strategy,
		kern:          kern,
		cfg:           cfg,
		policy:        cfg.Policy(),
		adapter:       adapter,
		hub:           hub,
		proc:          proc,
		runStore:      store.NewRunStore(),
		tradeStore:    store.NewTradeStore(),
		positionStore: store.NewPositionStore(),
		strategyStore: store.NewStrategyStore(),
		now:           time.Now,
		state:         StateStopped,
	}, nil
}

// Start opens a run, reconciles any pre-existing venue position, initializes
// the kernel and launches the run loop. It returns once the loop is running;
// a failure after the run was opened closes it as errored.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateStarting, StateRunning, StateStopping:
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("strategy %d is already %s", e.strategy.ID, state)
	}
	e.state = StateStarting
	e.mu.Unlock()

	log.Printf("[%s] Starting engine (%s on %s)...", e.strategy.Name, e.cfg.Kind(), e.cfg.Trading.Symbol)

	if err := e.start(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.done = make(chan struct{})
	e.state = StateRunning
	e.mu.Unlock()

	go e.runLoop(loopCtx)

	e.publishStatus()
	log.Printf("[%s] Engine running (tick every %v)", e.strategy.Name, e.cfg.CheckInterval())
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	bal, err := e.adapter.FetchBalance(ctx)
	if err != nil {
		e.setState(StateStopped)
		return fmt.Errorf("fetch balance: %w", err)
	}

	runID, err := e.runStore.Open(e.strategy.ID, bal.Total)
	if err != nil {
		e.setState(StateStopped)
		return fmt.Errorf("open run: %w", err)
	}

	e.mu.Lock()
	e.runID = runID
	e.startBalance = bal.Total
	e.realized = 0
	e.additions = 0
	e.tickCount = 0
	e.errStreak = 0
	e.lastError = ""
	e.lastTrade = time.Time{}
	e.position = nil
	e.openedAt = time.Time{}
	e.mu.Unlock()

	if err := e.strategyStore.SetStatus(e.strategy.ID, store.StrategyStatusRunning); err != nil {
		log.Printf("[%s] Failed to set strategy status: %v", e.strategy.Name, err)
	}
	log.Printf("[%s] Run %d opened (start balance %.2f)", e.strategy.Name, runID, bal.Total)

	if err := e.reconcile(ctx); err != nil {
		err = fmt.Errorf("reconcile: %w", err)
		e.abortStart(err)
		return err
	}

	e.sc = &kernel.Context{
		StrategyID:   e.strategy.ID,
		Name:         e.strategy.Name,
		Cfg:          e.cfg,
		Adapter:      e.adapter,
		Now:          func() time.Time { return e.now() },
		RequestTrade: e.requestTrade,
	}
	e.sc.Position = e.positionView()

	if err := e.kern.Initialize(ctx, e.sc); err != nil {
		err = fmt.Errorf("initialize kernel: %w", err)
		e.abortStart(err)
		return err
	}
	return nil
}

// abortStart closes the freshly opened run as errored. Used when reconcile
// or kernel initialization fails after the run row exists.
func (e *Engine) abortStart(cause error) {
	log.Printf("[%s] Start failed: %v", e.strategy.Name, cause)
	e.publishError(cause)

	e.mu.RLock()
	runID, startBalance := e.runID, e.startBalance
	e.mu.RUnlock()

	if err := e.runStore.Close(runID, startBalance, store.RunStatusError); err != nil {
		log.Printf("[%s] Failed to close run %d: %v", e.strategy.Name, runID, err)
	}
	if err := e.strategyStore.SetStatus(e.strategy.ID, store.StrategyStatusError); err != nil {
		log.Printf("[%s] Failed to set strategy status: %v", e.strategy.Name, err)
	}
	e.setState(StateError)
	e.publishStatus()
}

// reconcile resolves a venue position that predates the run. Adopt writes it
// into the ledger without a trade row, keeping the venue as the source of
// truth; close flattens it before the first tick.
func (e *Engine) reconcile(ctx context.Context) error {
	pos, err := e.adapter.FetchPosition(ctx, e.cfg.Trading.Symbol)
	if err != nil {
		return fmt.Errorf("fetch position: %w", err)
	}
	if pos == nil || pos.Quantity == 0 {
		return nil
	}

	if e.cfg.Trading.ReconcileOnStart == kernel.ReconcileClose {
		log.Printf("[%s] Closing pre-existing %s position (%.6f %s)", e.strategy.Name, pos.Side, pos.Quantity, pos.Symbol)
		if _, err := e.adapter.CloseMarket(ctx, pos.Symbol, pos.Side); err != nil && !errors.Is(err, exchange.ErrNoPosition) {
			return fmt.Errorf("close pre-existing position: %w", err)
		}
		return nil
	}

	log.Printf("[%s] Adopting pre-existing %s position: %.6f %s @ %.2f",
		e.strategy.Name, pos.Side, pos.Quantity, pos.Symbol, pos.EntryPrice)

	e.mu.Lock()
	e.position = &kernel.PositionView{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		MarkPrice:  pos.MarkPrice,
		Quantity:   pos.Quantity,
		Notional:   pos.EntryPrice * pos.Quantity,
	}
	refreshView(e.position)
	e.openedAt = e.now().UTC()
	view := *e.position
	e.mu.Unlock()

	if err := e.persistPosition(&view); err != nil {
		return err
	}
	e.publishPosition(&view)
	return nil
}

func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.CheckInterval())
	defer ticker.Stop()

	// First tick right away rather than one interval in.
	if !e.step(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.step(ctx) {
				return
			}
		}
	}
}

// step runs one tick and applies the exception policy. It reports whether
// the loop should keep going.
func (e *Engine) step(ctx context.Context) bool {
	err := e.tick(ctx)
	if err == nil {
		e.mu.Lock()
		e.errStreak = 0
		e.mu.Unlock()
		return true
	}
	if ctx.Err() != nil {
		// Stop is in progress and owns the teardown.
		return false
	}
	if errors.Is(err, errRunEnded) {
		e.finish(ctx, false, store.RunStatusStopped+":max-loss", StateStopped, nil)
		return false
	}

	e.publishError(err)

	if exchange.IsPermanent(err) {
		log.Printf("[%s] Venue rejected request, ending run: %v", e.strategy.Name, err)
		e.finish(ctx, false, store.RunStatusError, StateError, err)
		return false
	}

	e.mu.Lock()
	e.errStreak++
	streak := e.errStreak
	e.lastError = err.Error()
	e.mu.Unlock()

	log.Printf("[%s] Tick failed (%d/%d consecutive): %v", e.strategy.Name, streak, e.proc.MaxKernelErrors, err)
	if streak >= e.proc.MaxKernelErrors {
		log.Printf("[%s] Too many consecutive errors, ending run", e.strategy.Name)
		e.finish(ctx, false, store.RunStatusError, StateError, err)
		return false
	}
	return true
}

// tick is one pass of the control loop: refresh the mark, ask the risk gate
// whether the position may stay open, then hand the tick to the kernel.
func (e *Engine) tick(ctx context.Context) error {
	e.mu.Lock()
	e.tickCount++
	e.mu.Unlock()

	ticker, err := e.adapter.FetchTicker(ctx, e.cfg.Trading.Symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}
	e.updateMark(ticker.Last)

	verdict := risk.Evaluate(e.policy, e.gateInput(risk.ActionNone))
	if verdict.Kind == risk.ForceClose {
		if err := e.closePosition(ctx, verdict.Reason); err != nil {
			return err
		}
		if verdict.Terminal {
			log.Printf("[%s] %s", e.strategy.Name, verdict.Reason)
			return errRunEnded
		}
		e.publishStatus()
		return nil
	}

	e.sc.Position = e.positionView()
	if err := e.kern.RunOnce(ctx, e.sc); err != nil {
		return &RecoverableError{Strategy: e.strategy.Name, Err: err}
	}

	e.publishStatus()
	return nil
}

// requestTrade backs the kernel's RequestTrade capability. The position view
// in the kernel context is refreshed after every attempt.
func (e *Engine) requestTrade(ctx context.Context, kind, side string, notional float64) (bool, error) {
	executed, err := e.executeTrade(ctx, kind, side, notional)
	e.sc.Position = e.positionView()
	return executed, err
}

// executeTrade routes one proposed trade through the risk gate to the venue
// and the ledger. A denial is not an error: the kernel gets executed=false
// and a risk_denied event goes out.
func (e *Engine) executeTrade(ctx context.Context, kind, side string, notional float64) (bool, error) {
	verdict := risk.Evaluate(e.policy, e.gateInput(tradeAction(kind)))
	// A force-close verdict while the kernel itself wants to close is the
	// same outcome; let it through.
	if !verdict.Allowed() && !(verdict.Kind == risk.ForceClose && kind == kernel.TradeClose) {
		log.Printf("[%s] Trade denied (%s %s): %s", e.strategy.Name, kind, side, verdict.Reason)
		e.hub.Publish(events.Event{
			Topic:      events.TopicError,
			StrategyID: e.strategy.ID,
			Symbol:     e.cfg.Trading.Symbol,
			Message:    verdict.Reason,
			Data:       map[string]interface{}{"kind": "risk_denied", "action": kind},
		})
		return false, nil
	}

	symbol := e.cfg.Trading.Symbol
	switch kind {
	case kernel.TradeOpen, kernel.TradeAdd:
		fill, err := e.adapter.OpenMarket(ctx, symbol, side, notional)
		if err != nil {
			return false, fmt.Errorf("%s %s: %w", kind, symbol, err)
		}
		if err := e.applyFill(kind, side, fill); err != nil {
			return false, err
		}
		return true, nil

	case kernel.TradeClose:
		pos := e.positionView()
		if pos == nil {
			return false, nil
		}
		mark := pos.MarkPrice
		if mark <= 0 {
			mark = pos.EntryPrice
		}
		if qty := notional / mark; notional > 0 && qty < pos.Quantity {
			fill, err := e.adapter.ReducePosition(ctx, symbol, pos.Side, qty)
			if err != nil {
				return false, fmt.Errorf("reduce %s: %w", symbol, err)
			}
			if err := e.applyFill(kind, pos.Side, fill); err != nil {
				return false, err
			}
			return true, nil
		}
		if err := e.closePosition(ctx, "requested by strategy"); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, fmt.Errorf("unknown trade kind %q", kind)
	}
}

// closePosition flattens the run's position at market and records the close.
func (e *Engine) closePosition(ctx context.Context, reason string) error {
	pos := e.positionView()
	if pos == nil {
		return nil
	}
	log.Printf("[%s] Closing position: %s", e.strategy.Name, reason)

	fill, err := e.adapter.CloseMarket(ctx, pos.Symbol, pos.Side)
	if err != nil {
		if errors.Is(err, exchange.ErrNoPosition) {
			// Venue is already flat; bring the ledger back in line.
			log.Printf("[%s] Venue reports no position, marking ledger closed", e.strategy.Name)
			e.dropPosition()
			return nil
		}
		return fmt.Errorf("close position: %w", err)
	}
	return e.applyFill(kernel.TradeClose, pos.Side, fill)
}

// applyFill records an executed fill: ledger trade, position mutation,
// events and the kernel callback. The venue has already filled, so a ledger
// failure is logged and published but the in-memory state still follows the
// venue.
func (e *Engine) applyFill(kind, side string, fill *exchange.Fill) error {
	now := e.now().UTC()

	trade := &store.Trade{
		StrategyID: e.strategy.ID,
		RunID:      e.runID,
		Kind:       kind,
		Side:       side,
		Symbol:     fill.Symbol,
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		Notional:   fill.Notional,
		CreatedAt:  now,
	}
	if trade.Notional == 0 {
		trade.Notional = fill.Price * fill.Quantity
	}

	var pnl float64
	e.mu.Lock()
	switch kind {
	case kernel.TradeOpen:
		e.position = &kernel.PositionView{
			Symbol:     fill.Symbol,
			Side:       side,
			EntryPrice: fill.Price,
			MarkPrice:  fill.Price,
			Quantity:   fill.Quantity,
			Notional:   trade.Notional,
		}
		e.openedAt = now

	case kernel.TradeAdd:
		if e.position == nil {
			e.mu.Unlock()
			return fmt.Errorf("add fill with no open position")
		}
		qty := e.position.Quantity + fill.Quantity
		e.position.EntryPrice = (e.position.EntryPrice*e.position.Quantity + fill.Price*fill.Quantity) / qty
		e.position.Quantity = qty
		e.position.Notional += trade.Notional
		e.position.MarkPrice = fill.Price
		e.additions++

	case kernel.TradeClose:
		if e.position == nil {
			e.mu.Unlock()
			return fmt.Errorf("close fill with no open position")
		}
		diff := fill.Price - e.position.EntryPrice
		if side == exchange.SideShort {
			diff = -diff
		}
		pnl = diff * fill.Quantity
		trade.PnL = &pnl
		e.realized += pnl
		if remaining := e.position.Quantity - fill.Quantity; remaining > minQty {
			e.position.Notional -= e.position.EntryPrice * fill.Quantity
			e.position.Quantity = remaining
			e.position.MarkPrice = fill.Price
		} else {
			e.position = nil
			// The add budget is per position, like the kernel's own count.
			e.additions = 0
		}
	}
	if e.position != nil {
		refreshView(e.position)
	}
	e.lastTrade = e.now()
	closed := e.position == nil
	var view *kernel.PositionView
	if e.position != nil {
		v := *e.position
		view = &v
	}
	runID := e.runID
	e.mu.Unlock()

	log.Printf("[%s] %s %s %.6f %s @ %.2f (notional %.2f)",
		e.strategy.Name, kind, side, trade.Quantity, trade.Symbol, trade.Price, trade.Notional)

	if err := e.tradeStore.Append(trade); err != nil {
		log.Printf("[%s] Failed to append trade: %v", e.strategy.Name, err)
		e.publishError(fmt.Errorf("append trade: %w", err))
	}
	if closed {
		if err := e.positionStore.MarkClosed(runID); err != nil {
			log.Printf("[%s] Failed to mark position closed: %v", e.strategy.Name, err)
		}
		e.publishPositionClosed()
	} else {
		if err := e.persistPosition(view); err == nil {
			e.publishPosition(view)
		}
	}
	e.publishTrade(trade)

	e.kern.OnTrade(kernel.TradeEvent{
		Kind:     kind,
		Side:     side,
		Price:    fill.Price,
		Quantity: fill.Quantity,
		Notional: trade.Notional,
		PnL:      pnl,
		Time:     now,
	})
	return nil
}

// dropPosition clears a ledger position the venue no longer has.
func (e *Engine) dropPosition() {
	e.mu.Lock()
	e.position = nil
	runID := e.runID
	e.mu.Unlock()

	if err := e.positionStore.MarkClosed(runID); err != nil {
		log.Printf("[%s] Failed to mark position closed: %v", e.strategy.Name, err)
	}
	e.publishPositionClosed()
}

func (e *Engine) persistPosition(v *kernel.PositionView) error {
	p := &store.Position{
		RunID:      e.runID,
		StrategyID: e.strategy.ID,
		Symbol:     v.Symbol,
		Side:       v.Side,
		EntryPrice: v.EntryPrice,
		Quantity:   v.Quantity,
		Notional:   v.Notional,
		Leverage:   e.cfg.Trading.Leverage,
		MarkPrice:  v.MarkPrice,
		Status:     store.PositionStatusOpen,
		OpenedAt:   e.openedAt,
	}
	if err := e.positionStore.Upsert(p); err != nil {
		log.Printf("[%s] Failed to persist position: %v", e.strategy.Name, err)
		return err
	}
	return nil
}

// updateMark refreshes the last observed price on the in-memory view and the
// ledger row, and publishes the live position.
func (e *Engine) updateMark(price float64) {
	e.mu.Lock()
	if e.position == nil {
		e.mu.Unlock()
		return
	}
	e.position.MarkPrice = price
	refreshView(e.position)
	view := *e.position
	runID := e.runID
	e.mu.Unlock()

	if err := e.positionStore.UpdateMark(runID, price); err != nil {
		log.Printf("[%s] Failed to update mark price: %v", e.strategy.Name, err)
	}
	e.publishPosition(&view)
}

func (e *Engine) gateInput(action string) risk.Input {
	e.mu.RLock()
	defer e.mu.RUnlock()

	in := risk.Input{
		RealizedPnL:    e.realized,
		StartBalance:   e.startBalance,
		Additions:      e.additions,
		SinceLastTrade: e.now().Sub(e.lastTrade),
		Action:         action,
	}
	if e.position != nil {
		in.HasPosition = true
		in.UnrealizedPnL = e.position.UnrealizedPnL
		in.UnrealizedPnLPct = e.position.PnLPercent
	}
	return in
}

// Stop cancels the run loop and tears the run down. The current tick is
// allowed to complete within the configured stop timeout; on expiry the run
// is marked errored and ErrStopTimeout is returned. With closePositions any
// open position is flattened and recorded before the run closes.
func (e *Engine) Stop(ctx context.Context, closePositions bool) error {
	e.mu.Lock()
	switch e.state {
	case StateStopped, StateError:
		e.mu.Unlock()
		return nil
	case StateStarting:
		e.mu.Unlock()
		return fmt.Errorf("strategy %d is still starting", e.strategy.ID)
	case StateStopping:
		done := e.done
		e.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
	cancel := e.cancel
	done := e.done
	e.state = StateStopping
	e.mu.Unlock()

	log.Printf("[%s] Stop requested (close positions: %v)", e.strategy.Name, closePositions)
	cancel()

	select {
	case <-done:
	case <-time.After(e.proc.StopTimeout):
		e.mu.Lock()
		e.state = StateError
		runID := e.runID
		e.mu.Unlock()

		stopErr := fmt.Errorf("strategy %s: %w", e.strategy.Name, ErrStopTimeout)
		log.Printf("[%s] %v", e.strategy.Name, stopErr)
		e.publishError(stopErr)

		if err := e.runStore.Close(runID, e.endBalance(ctx), store.RunStatusError); err != nil {
			log.Printf("[%s] Failed to close run %d: %v", e.strategy.Name, runID, err)
		}
		if err := e.strategyStore.SetStatus(e.strategy.ID, store.StrategyStatusError); err != nil {
			log.Printf("[%s] Failed to set strategy status: %v", e.strategy.Name, err)
		}
		e.publishStatus()
		return stopErr
	}

	e.finish(ctx, closePositions, store.RunStatusStopped, StateStopped, nil)
	return nil
}

// finish tears the run down exactly once: optional position close, kernel
// shutdown, run close with the final balance, strategy status, engine state.
// It runs on the loop goroutine for self-terminating runs and on the caller
// for Stop; the two never overlap because Stop waits for the loop first.
func (e *Engine) finish(ctx context.Context, closePositions bool, runStatus, state string, cause error) {
	e.mu.Lock()
	if e.state == StateStopped || e.state == StateError {
		e.mu.Unlock()
		return
	}
	e.state = StateStopping
	runID := e.runID
	e.mu.Unlock()

	if closePositions {
		if err := e.closePosition(ctx, "stop requested"); err != nil {
			log.Printf("[%s] Failed to close position on stop: %v", e.strategy.Name, err)
			e.publishError(err)
		}
	} else if e.positionView() != nil {
		log.Printf("[%s] Leaving position open on stop", e.strategy.Name)
	}

	reason := runStatus
	if cause != nil {
		reason = cause.Error()
	}
	if err := e.kern.Shutdown(ctx, e.sc, reason); err != nil {
		log.Printf("[%s] Kernel shutdown: %v", e.strategy.Name, err)
	}

	endBalance := e.endBalance(ctx)
	if err := e.runStore.Close(runID, endBalance, runStatus); err != nil {
		log.Printf("[%s] Failed to close run %d: %v", e.strategy.Name, runID, err)
	}

	status := store.StrategyStatusStopped
	if state == StateError {
		status = store.StrategyStatusError
	}
	if err := e.strategyStore.SetStatus(e.strategy.ID, status); err != nil {
		log.Printf("[%s] Failed to set strategy status: %v", e.strategy.Name, err)
	}

	e.setState(state)
	e.publishStatus()
	log.Printf("[%s] Run %d closed (%s, end balance %.2f)", e.strategy.Name, runID, runStatus, endBalance)
}

func (e *Engine) endBalance(ctx context.Context) float64 {
	if bal, err := e.adapter.FetchBalance(ctx); err == nil {
		return bal.Total
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.startBalance + e.realized
}

// ForceRetrain schedules a model retrain on the next tick. Kernels without a
// trainable model reject it.
func (e *Engine) ForceRetrain() error {
	r, ok := e.kern.(kernel.Retrainer)
	if !ok {
		return fmt.Errorf("strategy %s (%s) has no trainable model", e.strategy.Name, e.cfg.Kind())
	}
	r.ForceRetrain()
	log.Printf("[%s] Retrain scheduled", e.strategy.Name)
	return nil
}

// IsActive reports whether the engine holds or is winding down a run.
func (e *Engine) IsActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateStarting || e.state == StateRunning || e.state == StateStopping
}

// State returns the engine state.
func (e *Engine) State() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// RunID returns the current (or last) run id.
func (e *Engine) RunID() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runID
}

// Status returns a live view of the engine for status queries and events.
func (e *Engine) Status() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := map[string]interface{}{
		"strategy_id":  e.strategy.ID,
		"name":         e.strategy.Name,
		"kind":         e.cfg.Kind(),
		"symbol":       e.cfg.Trading.Symbol,
		"state":        e.state,
		"run_id":       e.runID,
		"ticks":        e.tickCount,
		"realized_pnl": e.realized,
		"additions":    e.additions,
	}
	if e.lastError != "" {
		status["last_error"] = e.lastError
	}
	if !e.lastTrade.IsZero() {
		status["last_trade_at"] = e.lastTrade.UTC()
	}
	if e.position != nil {
		status["position"] = map[string]interface{}{
			"symbol":         e.position.Symbol,
			"side":           e.position.Side,
			"entry_price":    e.position.EntryPrice,
			"mark_price":     e.position.MarkPrice,
			"quantity":       e.position.Quantity,
			"notional":       e.position.Notional,
			"unrealized_pnl": e.position.UnrealizedPnL,
			"pnl_percent":    e.position.PnLPercent,
		}
	}
	return status
}

func (e *Engine) setState(state string) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

func (e *Engine) positionView() *kernel.PositionView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.position == nil {
		return nil
	}
	v := *e.position
	return &v
}

func (e *Engine) publishStatus() {
	e.hub.Publish(events.Event{
		Topic:      events.TopicStrategyStatus,
		StrategyID: e.strategy.ID,
		Symbol:     e.cfg.Trading.Symbol,
		Message:    e.State(),
		Data:       e.Status(),
	})
}

func (e *Engine) publishTrade(t *store.Trade) {
	e.hub.Publish(events.Event{
		Topic:      events.TopicTrade,
		StrategyID: e.strategy.ID,
		Symbol:     t.Symbol,
		Message:    fmt.Sprintf("%s %s %.6f @ %.2f", t.Kind, t.Side, t.Quantity, t.Price),
		Data:       t,
	})
}

func (e *Engine) publishPosition(v *kernel.PositionView) {
	e.hub.Publish(events.Event{
		Topic:      events.TopicPosition,
		StrategyID: e.strategy.ID,
		Symbol:     v.Symbol,
		Data:       v,
	})
}

func (e *Engine) publishPositionClosed() {
	e.hub.Publish(events.Event{
		Topic:      events.TopicPosition,
		StrategyID: e.strategy.ID,
		Symbol:     e.cfg.Trading.Symbol,
		Message:    "closed",
	})
}

func (e *Engine) publishError(err error) {
	e.hub.Publish(events.Event{
		Topic:      events.TopicError,
		StrategyID: e.strategy.ID,
		Symbol:     e.cfg.Trading.Symbol,
		Message:    err.Error(),
		Data:       map[string]interface{}{"kind": errorKind(err)},
	})
}

// refreshView recomputes the derived pnl fields from entry, mark and side.
func refreshView(v *kernel.PositionView) {
	if v.EntryPrice == 0 || v.Quantity == 0 {
		v.UnrealizedPnL = 0
		v.PnLPercent = 0
		return
	}
	diff := v.MarkPrice - v.EntryPrice
	if v.Side == exchange.SideShort {
		diff = -diff
	}
	v.UnrealizedPnL = diff * v.Quantity
	v.PnLPercent = diff / v.EntryPrice * 100
}

func tradeAction(kind string) string {
	switch kind {
	case kernel.TradeOpen:
		return risk.ActionOpen
	case kernel.TradeAdd:
		return risk.ActionAdd
	case kernel.TradeClose:
		return risk.ActionClose
	}
	return risk.ActionNone
}
