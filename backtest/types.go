// Package backtest replays a strategy kernel over historical bars with a
// simulated venue. The kernel, the risk gate and the trade bookkeeping are
// the same code paths the live engine drives; only the adapter and the clock
// differ, so a backtest is a deterministic rehearsal of a live run.
package backtest

import (
	"fmt"
	"time"

	"futures-supervisor/exchange"
)

// Params describes one backtest submission. Symbol and Timeframe default to
// the strategy's own configuration when left empty.
type Params struct {
	StrategyID     int64     `json:"strategy_id"`
	Symbol         string    `json:"symbol"`
	Timeframe      string    `json:"timeframe"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	InitialBalance float64   `json:"initial_balance"`
	FeePercent     float64   `json:"fee_percent"`
}

// Validate applies defaults and rejects unusable parameter sets.
func (p *Params) Validate() error {
	if p.StrategyID <= 0 {
		return fmt.Errorf("backtest params: strategy id is required")
	}
	if p.Timeframe == "" {
		p.Timeframe = "1h"
	}
	if _, ok := exchange.TimeframeDuration(p.Timeframe); !ok {
		return fmt.Errorf("backtest params: unknown timeframe %q", p.Timeframe)
	}
	if p.Start.IsZero() || p.End.IsZero() {
		return fmt.Errorf("backtest params: start and end are required")
	}
	if !p.Start.Before(p.End) {
		return fmt.Errorf("backtest params: start must be before end")
	}
	if p.InitialBalance == 0 {
		p.InitialBalance = 10000
	}
	if p.InitialBalance < 0 {
		return fmt.Errorf("backtest params: initial balance must be > 0")
	}
	if p.FeePercent == 0 {
		p.FeePercent = 0.04
	}
	if p.FeePercent < 0 {
		return fmt.Errorf("backtest params: fee percent must be >= 0")
	}
	return nil
}

// EquityPoint is one sample of the equity curve: simulated balance plus
// unrealized pnl at a bar close.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Stats are the aggregate statistics of a completed backtest. MaxDrawdown is
// the largest peak-to-trough fraction of the equity curve; the sharpe ratio
// annualizes per-bar returns by the timeframe's bars-per-year.
type Stats struct {
	TotalReturn    float64 `json:"total_return"`
	TotalReturnPct float64 `json:"total_return_pct"`
	WinRate        float64 `json:"win_rate"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	ProfitFactor   float64 `json:"profit_factor"`
	MeanWin        float64 `json:"mean_win"`
	MeanLoss       float64 `json:"mean_loss"`
	TotalTrades    int     `json:"total_trades"`
	WinTrades      int     `json:"win_trades"`
	LossTrades     int     `json:"loss_trades"`
	FinalBalance   float64 `json:"final_balance"`
}

// Error marks any failure inside a backtest. Unlike the live engine, a
// kernel error during replay is fatal: the result row is marked failed with
// the message stored.
type Error struct {
	Stage string // fetch-bars | initialize | run | persist
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backtest %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
