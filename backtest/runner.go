package backtest

import (
	"context"
	"fmt"
	"log"
	"time"

	"futures-supervisor/events"
	"futures-supervisor/exchange"
	"futures-supervisor/kernel"
	"futures-supervisor/risk"
	"futures-supervisor/store"
)

// progressEvery throttles backtest_progress publications to roughly this
// much wall time apart. It bounds event volume, never the replay itself.
const progressEvery = 200 * time.Millisecond

// minQty mirrors the engine's fully-closed threshold.
const minQty = 1e-9

// Result is the output of one completed replay.
type Result struct {
	Curve  []EquityPoint
	Trades []*store.Trade
	Stats  *Stats
}

// Runner replays one kernel over a bar sequence. It keeps the live engine's
// tick shape: refresh the mark, gate the position, then hand the bar to the
// kernel, executing any requested trade through the gate and the simulator.
type Runner struct {
	backtestID int64
	uid        string
	strategyID int64
	name       string

	params Params
	cfg    *kernel.Config
	kern   kernel.Kernel
	policy risk.Policy
	hub    *events.Hub

	sim *Sim
	sc  *kernel.Context

	trades    []*store.Trade
	curve     []EquityPoint
	realized  float64
	additions int
	lastTrade time.Time
	lastEmit  time.Time
}

// NewRunner parses the strategy's config document and prepares a replay.
// Params override the document's symbol and timeframe; absent overrides
// inherit from it.
func NewRunner(backtestID int64, uid string, name string, doc []byte, params Params, hub *events.Hub) (*Runner, error) {
	kern, cfg, err := kernel.New(doc)
	if err != nil {
		return nil, &Error{Stage: "initialize", Err: err}
	}
	if params.Symbol == "" {
		params.Symbol = cfg.Trading.Symbol
	} else {
		cfg.Trading.Symbol = params.Symbol
	}

	return &Runner{
		backtestID: backtestID,
		uid:        uid,
		strategyID: params.StrategyID,
		name:       name,
		params:     params,
		cfg:        cfg,
		kern:       kern,
		policy:     cfg.Policy(),
		hub:        hub,
	}, nil
}

// Run drives the kernel across bars (oldest first) and returns the curve,
// the simulated trade log and the statistics. Any kernel failure aborts the
// replay.
func (r *Runner) Run(ctx context.Context, bars []exchange.Bar) (*Result, error) {
	if len(bars) == 0 {
		return nil, &Error{Stage: "run", Err: fmt.Errorf("no bars in range")}
	}

	r.sim = NewSim(r.params.Symbol, r.params.Timeframe, bars, r.params.InitialBalance, r.params.FeePercent)
	r.sc = &kernel.Context{
		StrategyID:   r.strategyID,
		Name:         r.name,
		Cfg:          r.cfg,
		Adapter:      r.sim,
		Now:          r.sim.Now,
		RequestTrade: r.requestTrade,
	}

	if err := r.kern.Initialize(ctx, r.sc); err != nil {
		return nil, &Error{Stage: "initialize", Err: err}
	}

	log.Printf("[backtest:%s] Replaying %d bars of %s %s", r.uid, len(bars), r.params.Symbol, r.params.Timeframe)

	for i := range bars {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Stage: "run", Err: err}
		}
		r.sim.SetBar(i)
		r.sc.Position = r.positionView()

		verdict := risk.Evaluate(r.policy, r.gateInput(risk.ActionNone))
		if verdict.Kind == risk.ForceClose {
			if err := r.closePosition(ctx, verdict.Reason); err != nil {
				return nil, &Error{Stage: "run", Err: err}
			}
			r.sample(bars[i])
			r.emitProgress(i+1, len(bars))
			if verdict.Terminal {
				log.Printf("[backtest:%s] %s at bar %d, replay ends", r.uid, verdict.Reason, i)
				break
			}
			continue
		}

		if err := r.kern.RunOnce(ctx, r.sc); err != nil {
			return nil, &Error{Stage: "run", Err: err}
		}

		r.sample(bars[i])
		r.emitProgress(i+1, len(bars))
	}

	if err := r.kern.Shutdown(ctx, r.sc, "backtest complete"); err != nil {
		log.Printf("[backtest:%s] Kernel shutdown: %v", r.uid, err)
	}

	stats := computeStats(r.params.InitialBalance, r.params.Timeframe, r.curve, r.trades)
	log.Printf("[backtest:%s] Done: %d trades, final equity %.2f (%.2f%%)",
		r.uid, stats.TotalTrades, stats.FinalBalance, stats.TotalReturnPct)

	return &Result{Curve: r.curve, Trades: r.trades, Stats: stats}, nil
}

// sample appends the bar-close equity point.
func (r *Runner) sample(bar exchange.Bar) {
	r.curve = append(r.curve, EquityPoint{Time: bar.CloseTime, Equity: r.sim.Equity()})
}

// emitProgress publishes a throttled backtest_progress event. The first and
// last bars always publish so observers see both ends.
func (r *Runner) emitProgress(current, total int) {
	now := time.Now()
	if current != 1 && current != total && now.Sub(r.lastEmit) < progressEvery {
		return
	}
	r.lastEmit = now

	r.hub.Publish(events.Event{
		Topic:      events.TopicBacktestProgress,
		StrategyID: r.strategyID,
		Symbol:     r.params.Symbol,
		Data: map[string]interface{}{
			"backtest_id":     r.backtestID,
			"uid":             r.uid,
			"current":         current,
			"total":           total,
			"percentage":      float64(current) / float64(total) * 100,
			"current_balance": r.sim.Equity(),
		},
	})
}

// requestTrade backs the kernel's RequestTrade capability against the
// simulator. The same gate the live engine applies runs here; a denial is
// not an error.
func (r *Runner) requestTrade(ctx context.Context, kind, side string, notional float64) (bool, error) {
	verdict := risk.Evaluate(r.policy, r.gateInput(riskAction(kind)))
	if !verdict.Allowed() && !(verdict.Kind == risk.ForceClose && kind == kernel.TradeClose) {
		log.Printf("[backtest:%s] Trade denied (%s %s): %s", r.uid, kind, side, verdict.Reason)
		r.sc.Position = r.positionView()
		return false, nil
	}

	switch kind {
	case kernel.TradeOpen, kernel.TradeAdd:
		fill, err := r.sim.OpenMarket(ctx, r.params.Symbol, side, notional)
		if err != nil {
			return false, err
		}
		r.record(kind, side, fill, nil)
		if kind == kernel.TradeAdd {
			r.additions++
		}
		r.sc.Position = r.positionView()
		return true, nil

	case kernel.TradeClose:
		pos := r.positionView()
		if pos == nil {
			return false, nil
		}
		mark := pos.MarkPrice
		if mark <= 0 {
			mark = pos.EntryPrice
		}
		if qty := notional / mark; notional > 0 && qty < pos.Quantity-minQty {
			if err := r.reduce(ctx, pos, qty); err != nil {
				return false, err
			}
		} else if err := r.closePosition(ctx, "requested by strategy"); err != nil {
			return false, err
		}
		r.sc.Position = r.positionView()
		return true, nil

	default:
		return false, fmt.Errorf("unknown trade kind %q", kind)
	}
}

// closePosition flattens the simulated position and records the realized
// close trade.
func (r *Runner) closePosition(ctx context.Context, reason string) error {
	pos := r.positionView()
	if pos == nil {
		return nil
	}
	log.Printf("[backtest:%s] Closing position: %s", r.uid, reason)

	fill, err := r.sim.CloseMarket(ctx, pos.Symbol, pos.Side)
	if err != nil {
		return err
	}
	r.recordClose(pos, fill)
	r.sc.Position = nil
	r.additions = 0
	return nil
}

func (r *Runner) reduce(ctx context.Context, pos *kernel.PositionView, qty float64) error {
	fill, err := r.sim.ReducePosition(ctx, pos.Symbol, pos.Side, qty)
	if err != nil {
		return err
	}
	r.recordClose(pos, fill)
	return nil
}

// record appends a simulated trade in the live trade shape and tells the
// kernel about it.
func (r *Runner) record(kind, side string, fill *exchange.Fill, pnl *float64) {
	trade := &store.Trade{
		StrategyID: r.strategyID,
		Kind:       kind,
		Side:       side,
		Symbol:     fill.Symbol,
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		Notional:   fill.Notional,
		PnL:        pnl,
		CreatedAt:  fill.Time,
	}
	r.trades = append(r.trades, trade)
	r.lastTrade = fill.Time

	var realized float64
	if pnl != nil {
		realized = *pnl
	}
	r.kern.OnTrade(kernel.TradeEvent{
		Kind:     kind,
		Side:     side,
		Price:    fill.Price,
		Quantity: fill.Quantity,
		Notional: fill.Notional,
		PnL:      realized,
		Time:     fill.Time,
	})
}

func (r *Runner) recordClose(pos *kernel.PositionView, fill *exchange.Fill) {
	diff := fill.Price - pos.EntryPrice
	if pos.Side == exchange.SideShort {
		diff = -diff
	}
	pnl := diff * fill.Quantity
	r.realized += pnl
	r.record(kernel.TradeClose, pos.Side, fill, &pnl)
}

// positionView reads the simulated position into the kernel's read-only
// shape.
func (r *Runner) positionView() *kernel.PositionView {
	pos, _ := r.sim.FetchPosition(context.Background(), r.params.Symbol)
	if pos == nil {
		return nil
	}
	v := &kernel.PositionView{
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		EntryPrice:    pos.EntryPrice,
		MarkPrice:     pos.MarkPrice,
		Quantity:      pos.Quantity,
		Notional:      pos.Notional,
		UnrealizedPnL: pos.UnrealizedPnL,
	}
	if pos.EntryPrice > 0 {
		diff := pos.MarkPrice - pos.EntryPrice
		if pos.Side == exchange.SideShort {
			diff = -diff
		}
		v.PnLPercent = diff / pos.EntryPrice * 100
	}
	return v
}

func (r *Runner) gateInput(action string) risk.Input {
	in := risk.Input{
		RealizedPnL:    r.realized,
		StartBalance:   r.params.InitialBalance,
		Additions:      r.additions,
		SinceLastTrade: r.sim.Now().Sub(r.lastTrade),
		Action:         action,
	}
	if pos := r.positionView(); pos != nil {
		in.HasPosition = true
		in.UnrealizedPnL = pos.UnrealizedPnL
		in.UnrealizedPnLPct = pos.PnLPercent
	}
	return in
}

func riskAction(kind string) string {
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
