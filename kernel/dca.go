package kernel

import (
	"context"
	"time"
)

// dca buys a fixed notional on a fixed clock, optionally only below a price
// ceiling, until the invested total reaches maxInvestment.
type dca struct {
	cfg      *Config
	lastBuy  time.Time
	invested float64
}

func newDCA(cfg *Config) *dca {
	return &dca{cfg: cfg}
}

func (k *dca) Initialize(ctx context.Context, sc *Context) error {
	if err := configureLeverage(ctx, sc); err != nil {
		return err
	}
	d := k.cfg.DCA
	sc.Logf("dca: %.2f every %dm, ceiling %.2f, max investment %.2f",
		d.Amount, d.IntervalMinutes, d.PriceCeiling, d.MaxInvestment)
	// Without startImmediately the first buy waits out a full interval.
	if !k.cfg.StartImmediately() {
		k.lastBuy = sc.Now()
	}
	return nil
}

func (k *dca) RunOnce(ctx context.Context, sc *Context) error {
	d := k.cfg.DCA
	if d.MaxInvestment > 0 && k.invested >= d.MaxInvestment {
		return nil
	}
	interval := time.Duration(d.IntervalMinutes) * time.Minute
	if !k.lastBuy.IsZero() && sc.Now().Sub(k.lastBuy) < interval {
		return nil
	}

	ticker, err := sc.Adapter.FetchTicker(ctx, k.cfg.Trading.Symbol)
	if err != nil {
		return err
	}
	if d.PriceCeiling > 0 && ticker.Last > d.PriceCeiling {
		return nil
	}

	kind := TradeAdd
	if sc.Position == nil {
		kind = TradeOpen
	}
	sc.Logf("dca buy: %.2f at price %.2f (invested %.2f)", d.Amount, ticker.Last, k.invested)
	_, err = sc.RequestTrade(ctx, kind, k.cfg.Trading.Side, d.Amount)
	return err
}

func (k *dca) Shutdown(ctx context.Context, sc *Context, reason string) error {
	sc.Logf("dca shutting down: %s (invested %.2f)", reason, k.invested)
	return nil
}

func (k *dca) OnTrade(evt TradeEvent) {
	switch evt.Kind {
	case TradeOpen, TradeAdd:
		k.invested += evt.Notional
		k.lastBuy = evt.Time
	case TradeClose:
		k.invested = 0
	}
}
