package kernel

import (
	"context"
	"testing"
	"time"

	"futures-supervisor/exchange"
)

// fakeAdapter scripts the market data side of the Adapter surface. Kernels
// only use the data methods; the order methods exist to satisfy the
// interface and fail the test if a kernel reaches for them directly.
type fakeAdapter struct {
	t *testing.T

	price     float64
	tickerErr error
	bars      []exchange.Bar
	barsErr   error

	leverageSymbol string
	leverageValue  int
	leverageCalls  int
}

func (f *fakeAdapter) ConfigureLeverage(ctx context.Context, symbol string, leverage int) error {
	f.leverageSymbol = symbol
	f.leverageValue = leverage
	f.leverageCalls++
	return nil
}

func (f *fakeAdapter) FetchTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	return &exchange.Ticker{Symbol: symbol, Last: f.price, Mark: f.price, Bid: f.price, Ask: f.price}, nil
}

func (f *fakeAdapter) FetchBars(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Bar, error) {
	if f.barsErr != nil {
		return nil, f.barsErr
	}
	return f.bars, nil
}

func (f *fakeAdapter) OpenMarket(ctx context.Context, symbol, side string, notional float64) (*exchange.Fill, error) {
	f.t.Fatalf("kernel called OpenMarket directly")
	return nil, nil
}

func (f *fakeAdapter) CloseMarket(ctx context.Context, symbol, side string) (*exchange.Fill, error) {
	f.t.Fatalf("kernel called CloseMarket directly")
	return nil, nil
}

func (f *fakeAdapter) ReducePosition(ctx context.Context, symbol, side string, quantity float64) (*exchange.Fill, error) {
	f.t.Fatalf("kernel called ReducePosition directly")
	return nil, nil
}

func (f *fakeAdapter) FetchPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	return nil, nil
}

func (f *fakeAdapter) FetchBalance(ctx context.Context) (*exchange.Balance, error) {
	return &exchange.Balance{Total: 10000, Free: 10000}, nil
}

type tradeCall struct {
	kind     string
	side     string
	notional float64
}

// harness drives a kernel the way the engine does: requests that execute
// fill at the fake ticker price, mutate the position view and come back
// through OnTrade. The deny hook scripts the risk gate.
type harness struct {
	t       *testing.T
	adapter *fakeAdapter
	kern    Kernel
	cfg     *Config
	sc      *Context
	now     time.Time

	calls    []tradeCall
	deny     func(c tradeCall) bool
	tradeErr error
}

func newHarness(t *testing.T, doc string) *harness {
	t.Helper()
	kern, cfg, err := New([]byte(doc))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := &harness{
		t:       t,
		adapter: &fakeAdapter{t: t},
		kern:    kern,
		cfg:     cfg,
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.sc = &Context{
		StrategyID:   1,
		Name:         "test",
		Cfg:          cfg,
		Adapter:      h.adapter,
		Now:          func() time.Time { return h.now },
		RequestTrade: h.requestTrade,
	}
	return h
}

func (h *harness) init() {
	h.t.Helper()
	if err := h.kern.Initialize(context.Background(), h.sc); err != nil {
		h.t.Fatalf("Initialize() error = %v", err)
	}
}

func (h *harness) tick() error {
	return h.kern.RunOnce(context.Background(), h.sc)
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) requestTrade(ctx context.Context, kind, side string, notional float64) (bool, error) {
	c := tradeCall{kind: kind, side: side, notional: notional}
	h.calls = append(h.calls, c)
	if h.tradeErr != nil {
		return false, h.tradeErr
	}
	if h.deny != nil && h.deny(c) {
		return false, nil
	}

	price := h.adapter.price
	evt := TradeEvent{Kind: kind, Side: side, Price: price, Time: h.now}

	switch kind {
	case TradeOpen:
		qty := notional / price
		h.sc.Position = &PositionView{
			Symbol:     h.cfg.Trading.Symbol,
			Side:       side,
			EntryPrice: price,
			MarkPrice:  price,
			Quantity:   qty,
			Notional:   notional,
		}
		evt.Quantity = qty
		evt.Notional = notional
	case TradeAdd:
		if h.sc.Position == nil {
			h.t.Fatalf("add requested with no position")
		}
		p := h.sc.Position
		qty := notional / price
		newQty := p.Quantity + qty
		p.EntryPrice = (p.EntryPrice*p.Quantity + price*qty) / newQty
		p.Quantity = newQty
		p.Notional = newQty * price
		evt.Quantity = qty
		evt.Notional = notional
	case TradeClose:
		if h.sc.Position == nil {
			h.t.Fatalf("close requested with no position")
		}
		p := h.sc.Position
		qty := p.Quantity
		if notional > 0 && notional < p.Quantity*price {
			qty = notional / price
		}
		evt.Quantity = qty
		evt.Notional = qty * price
		if p.Side == exchange.SideLong {
			evt.PnL = (price - p.EntryPrice) * qty
		} else {
			evt.PnL = (p.EntryPrice - price) * qty
		}
		remaining := p.Quantity - qty
		if remaining > 1e-9 {
			p.Quantity = remaining
			p.Notional = remaining * price
		} else {
			h.sc.Position = nil
		}
	default:
		h.t.Fatalf("unknown trade kind %q", kind)
	}

	h.kern.OnTrade(evt)
	return true, nil
}

// rampBars builds a gently rising candle series for history seeds.
func rampBars(n int, start, step float64) []exchange.Bar {
	bars := make([]exchange.Bar, n)
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		c := start + step*float64(i)
		bars[i] = exchange.Bar{
			OpenTime:  t0.Add(time.Duration(i) * time.Minute),
			Open:      c - step/2,
			High:      c + step,
			Low:       c - step,
			Close:     c,
			Volume:    10,
			CloseTime: t0.Add(time.Duration(i+1) * time.Minute),
		}
	}
	return bars
}
