package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"futures-supervisor/exchange"
)

// Sim is the simulated venue behind a backtest. It satisfies kernel.Adapter
// so a kernel cannot tell it apart from the live client. Market data comes
// from the loaded bar sequence: the ticker is the current bar's close and
// orders fill at the next bar's open, so a decision never sees the price it
// fills at. Money math runs on decimals to keep replays exact.
type Sim struct {
	symbol    string
	timeframe string
	bars      []exchange.Bar
	idx       int

	feePct   decimal.Decimal // flat fee, percent of notional per fill
	balance  decimal.Decimal // realized cash
	fees     decimal.Decimal
	leverage int

	pos *simPosition
}

type simPosition struct {
	side     string
	entry    decimal.Decimal
	quantity decimal.Decimal
	notional decimal.Decimal
	openedAt time.Time
}

// NewSim builds a simulator over bars (oldest first) with the given starting
// balance and flat fee percentage.
func NewSim(symbol, timeframe string, bars []exchange.Bar, initialBalance, feePercent float64) *Sim {
	return &Sim{
		symbol:    symbol,
		timeframe: timeframe,
		bars:      bars,
		feePct:    decimal.NewFromFloat(feePercent),
		balance:   decimal.NewFromFloat(initialBalance),
		leverage:  1,
	}
}

// SetBar advances the simulated clock to bar i.
func (s *Sim) SetBar(i int) { s.idx = i }

// Bar returns the current bar.
func (s *Sim) Bar() exchange.Bar { return s.bars[s.idx] }

// Now is the simulated clock: the current bar's close time.
func (s *Sim) Now() time.Time { return s.bars[s.idx].CloseTime }

// fill resolves the execution price and time for an order placed on the
// current bar. The last bar has no successor, so it fills at its own close.
func (s *Sim) fill() (decimal.Decimal, time.Time) {
	if s.idx+1 < len(s.bars) {
		next := s.bars[s.idx+1]
		return decimal.NewFromFloat(next.Open), next.OpenTime
	}
	cur := s.bars[s.idx]
	return decimal.NewFromFloat(cur.Close), cur.CloseTime
}

func (s *Sim) fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(s.feePct).Div(decimal.NewFromInt(100))
}

// ConfigureLeverage records the leverage; the simulator never rejects it.
func (s *Sim) ConfigureLeverage(_ context.Context, _ string, leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("sim: leverage must be >= 1")
	}
	s.leverage = leverage
	return nil
}

// FetchTicker quotes the current bar's close on every field. A backtest has
// no spread.
func (s *Sim) FetchTicker(_ context.Context, _ string) (*exchange.Ticker, error) {
	bar := s.bars[s.idx]
	return &exchange.Ticker{
		Symbol: s.symbol,
		Bid:    bar.Close,
		Ask:    bar.Close,
		Last:   bar.Close,
		Mark:   bar.Close,
		Time:   bar.CloseTime,
	}, nil
}

// FetchBars returns the window of closed bars ending at the current one,
// never bars the strategy has not lived through yet.
func (s *Sim) FetchBars(_ context.Context, _ string, _ string, limit int) ([]exchange.Bar, error) {
	end := s.idx + 1
	start := end - limit
	if limit <= 0 || start < 0 {
		start = 0
	}
	window := make([]exchange.Bar, end-start)
	copy(window, s.bars[start:end])
	return window, nil
}

// OpenMarket fills a quote-sized market order at the next bar's open and
// charges the fee against the cash balance.
func (s *Sim) OpenMarket(_ context.Context, _ string, side string, notional float64) (*exchange.Fill, error) {
	if side != exchange.SideLong && side != exchange.SideShort {
		return nil, fmt.Errorf("sim: unknown side %q", side)
	}
	if s.pos != nil && s.pos.side != side {
		return nil, fmt.Errorf("sim: position is %s, cannot open %s", s.pos.side, side)
	}
	price, at := s.fill()
	value := decimal.NewFromFloat(notional)
	qty := value.Div(price)

	s.balance = s.balance.Sub(s.fee(value))
	s.fees = s.fees.Add(s.fee(value))

	if s.pos == nil {
		s.pos = &simPosition{side: side, entry: price, quantity: qty, notional: value, openedAt: at}
	} else {
		total := s.pos.quantity.Add(qty)
		s.pos.entry = s.pos.entry.Mul(s.pos.quantity).Add(price.Mul(qty)).Div(total)
		s.pos.quantity = total
		s.pos.notional = s.pos.notional.Add(value)
	}

	return &exchange.Fill{
		Symbol:   s.symbol,
		Side:     side,
		Price:    price.InexactFloat64(),
		Quantity: qty.InexactFloat64(),
		Notional: value.InexactFloat64(),
		Time:     at,
	}, nil
}

// CloseMarket flattens the whole position at the next bar's open.
func (s *Sim) CloseMarket(ctx context.Context, symbol, side string) (*exchange.Fill, error) {
	if s.pos == nil {
		return nil, exchange.ErrNoPosition
	}
	return s.ReducePosition(ctx, symbol, side, s.pos.quantity.InexactFloat64())
}

// ReducePosition closes quantity contracts, realizing pnl into the balance.
func (s *Sim) ReducePosition(_ context.Context, _ string, side string, quantity float64) (*exchange.Fill, error) {
	if s.pos == nil || s.pos.side != side {
		return nil, exchange.ErrNoPosition
	}
	price, at := s.fill()
	qty := decimal.NewFromFloat(quantity)
	if qty.GreaterThan(s.pos.quantity) {
		qty = s.pos.quantity
	}

	diff := price.Sub(s.pos.entry)
	if side == exchange.SideShort {
		diff = diff.Neg()
	}
	pnl := diff.Mul(qty)
	value := price.Mul(qty)

	s.balance = s.balance.Add(pnl).Sub(s.fee(value))
	s.fees = s.fees.Add(s.fee(value))

	if remaining := s.pos.quantity.Sub(qty); remaining.IsPositive() {
		s.pos.notional = s.pos.notional.Sub(s.pos.entry.Mul(qty))
		s.pos.quantity = remaining
	} else {
		s.pos = nil
	}

	return &exchange.Fill{
		Symbol:   s.symbol,
		Side:     side,
		Price:    price.InexactFloat64(),
		Quantity: qty.InexactFloat64(),
		Notional: value.InexactFloat64(),
		Time:     at,
	}, nil
}

// FetchPosition reports the simulated position marked at the current close.
func (s *Sim) FetchPosition(_ context.Context, _ string) (*exchange.Position, error) {
	if s.pos == nil {
		return nil, nil
	}
	mark := decimal.NewFromFloat(s.bars[s.idx].Close)
	diff := mark.Sub(s.pos.entry)
	if s.pos.side == exchange.SideShort {
		diff = diff.Neg()
	}
	return &exchange.Position{
		Symbol:        s.symbol,
		Side:          s.pos.side,
		EntryPrice:    s.pos.entry.InexactFloat64(),
		MarkPrice:     mark.InexactFloat64(),
		Quantity:      s.pos.quantity.InexactFloat64(),
		Notional:      s.pos.notional.InexactFloat64(),
		Leverage:      s.leverage,
		UnrealizedPnL: diff.Mul(s.pos.quantity).InexactFloat64(),
	}, nil
}

// FetchBalance reports the simulated wallet. Total is cash plus unrealized;
// used margin is the entry notional over leverage.
func (s *Sim) FetchBalance(_ context.Context) (*exchange.Balance, error) {
	unrealized := s.unrealized()
	total := s.balance.Add(unrealized)

	used := decimal.Zero
	if s.pos != nil {
		used = s.pos.notional.Div(decimal.NewFromInt(int64(s.leverage)))
	}
	return &exchange.Balance{
		Total:         total.InexactFloat64(),
		Free:          total.Sub(used).InexactFloat64(),
		Used:          used.InexactFloat64(),
		UnrealizedPnL: unrealized.InexactFloat64(),
	}, nil
}

func (s *Sim) unrealized() decimal.Decimal {
	if s.pos == nil {
		return decimal.Zero
	}
	mark := decimal.NewFromFloat(s.bars[s.idx].Close)
	diff := mark.Sub(s.pos.entry)
	if s.pos.side == exchange.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(s.pos.quantity)
}

// Equity is the current balance plus unrealized pnl, sampled per bar for the
// equity curve.
func (s *Sim) Equity() float64 {
	return s.balance.Add(s.unrealized()).InexactFloat64()
}

// Fees is the total fee paid so far.
func (s *Sim) Fees() float64 { return s.fees.InexactFloat64() }
