// Package kernel holds the strategy decision units. A kernel never talks to
// the venue or the ledger directly: it reads market data through the
// adapter, proposes trades through the context, and is told about executed
// trades through OnTrade. The engine serializes all kernel calls on the run
// loop goroutine.
package kernel

import (
	"context"
	"fmt"
	"log"
	"time"

	"futures-supervisor/exchange"
)

// Trade kinds a kernel can request.
const (
	TradeOpen  = "open"
	TradeAdd   = "add"
	TradeClose = "close"
)

// Adapter is the market and order surface shared by live trading and
// backtesting. The exchange client and the backtest simulator both satisfy
// it. Kernels use the data methods; order placement goes through the
// supervisor, which owns the risk gate.
type Adapter interface {
	ConfigureLeverage(ctx context.Context, symbol string, leverage int) error
	FetchTicker(ctx context.Context, symbol string) (*exchange.Ticker, error)
	FetchBars(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Bar, error)
	OpenMarket(ctx context.Context, symbol, side string, notional float64) (*exchange.Fill, error)
	CloseMarket(ctx context.Context, symbol, side string) (*exchange.Fill, error)
	ReducePosition(ctx context.Context, symbol, side string, quantity float64) (*exchange.Fill, error)
	FetchPosition(ctx context.Context, symbol string) (*exchange.Position, error)
	FetchBalance(ctx context.Context) (*exchange.Balance, error)
}

// PositionView is a read-only snapshot of the run's position, refreshed by
// the engine before each kernel call and after each executed trade.
type PositionView struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	Quantity      float64 `json:"quantity"`
	Notional      float64 `json:"notional"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	PnLPercent    float64 `json:"pnl_percent"` // raw price move, not leveraged
}

// TradeEvent tells a kernel that a trade belonging to its run executed,
// whether it requested it or the supervisor forced it.
type TradeEvent struct {
	Kind     string
	Side     string
	Price    float64
	Quantity float64
	Notional float64
	PnL      float64 // realized, close trades only
	Time     time.Time
}

// RequestTradeFunc routes a kernel's proposal through the risk gate to the
// venue and the ledger. Executed is false when the gate denied the action;
// that is not an error. For TradeClose a zero notional means the whole
// position; a positive notional reduces by that quote value.
type RequestTradeFunc func(ctx context.Context, kind, side string, notional float64) (executed bool, err error)

// Context is the capability surface handed to a kernel on every call.
type Context struct {
	StrategyID int64
	Name       string
	Cfg        *Config
	Adapter    Adapter
	Position   *PositionView

	// Now is the strategy clock: wall time live, bar time in a backtest.
	Now func() time.Time

	RequestTrade RequestTradeFunc
}

// Logf writes a log line prefixed with the strategy name.
func (sc *Context) Logf(format string, args ...interface{}) {
	log.Printf("[%s] "+format, append([]interface{}{sc.Name}, args...)...)
}

// Kernel is one strategy decision unit.
type Kernel interface {
	// Initialize prepares internal state before the first RunOnce.
	Initialize(ctx context.Context, sc *Context) error
	// RunOnce executes one decision tick. It must not trade twice for an
	// unchanged price.
	RunOnce(ctx context.Context, sc *Context) error
	// Shutdown releases state when the run ends.
	Shutdown(ctx context.Context, sc *Context, reason string) error
	// OnTrade informs the kernel of an executed trade in its run.
	OnTrade(evt TradeEvent)
}

// Retrainer is implemented by kernels that maintain a trainable model. The
// supervisor routes force-retrain commands through it.
type Retrainer interface {
	ForceRetrain()
}

// Prediction is the shared output of the model-driven signal sources. The
// classifier and the language model both reduce to a direction and a
// confidence.
type Prediction struct {
	Direction  string  `json:"direction"` // long | short | flat
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	RiskLevel  string  `json:"risk_level,omitempty"`
}

func configureLeverage(ctx context.Context, sc *Context) error {
	if err := sc.Adapter.ConfigureLeverage(ctx, sc.Cfg.Trading.Symbol, sc.Cfg.Trading.Leverage); err != nil {
		return fmt.Errorf("configure leverage: %w", err)
	}
	return nil
}

// New parses a strategy config document, resolves which kernel it selects
// and builds it.
func New(doc []byte) (Kernel, *Config, error) {
	cfg, err := Parse(doc)
	if err != nil {
		return nil, nil, err
	}

	var k Kernel
	switch cfg.kind {
	case KindLLM:
		k = newLLM(cfg)
	case KindML:
		k = newML(cfg)
	case KindGrid:
		k = newGrid(cfg)
	case KindTrend:
		k = newTrend(cfg)
	case KindMeanReversion:
		k = newMeanReversion(cfg)
	case KindDCA:
		k = newDCA(cfg)
	case KindMartingale:
		k = newMartingale(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown kernel kind %q", cfg.kind)
	}
	return k, cfg, nil
}
