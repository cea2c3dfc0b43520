package kernel

import (
	"context"

	"futures-supervisor/exchange"
	"futures-supervisor/market"
)

// trend follows a fast/slow SMA pair over tick prices. The spread between
// the averages picks a desired side once it clears confirmPercent; the
// kernel closes and flips whenever the held side disagrees. Working from
// the desired state rather than the cross edge means a flip missed to a
// denial is retried on the next tick.
type trend struct {
	cfg    *Config
	prices []float64
}

func newTrend(cfg *Config) *trend {
	return &trend{cfg: cfg}
}

func (k *trend) Initialize(ctx context.Context, sc *Context) error {
	if err := configureLeverage(ctx, sc); err != nil {
		return err
	}
	t := k.cfg.Trend
	sc.Logf("trend: SMA %d/%d, confirm %.2f%%, size %.2f", t.FastPeriod, t.SlowPeriod, t.ConfirmPercent, t.PositionSize)
	return nil
}

func (k *trend) RunOnce(ctx context.Context, sc *Context) error {
	ticker, err := sc.Adapter.FetchTicker(ctx, k.cfg.Trading.Symbol)
	if err != nil {
		return err
	}
	k.push(ticker.Last)

	t := k.cfg.Trend
	if len(k.prices) < t.SlowPeriod {
		return nil
	}

	fast := market.SMA(k.prices, t.FastPeriod)
	slow := market.SMA(k.prices, t.SlowPeriod)
	if slow == 0 {
		return nil
	}
	diffPct := (fast - slow) / slow * 100

	desired := ""
	switch {
	case diffPct >= t.ConfirmPercent:
		desired = exchange.SideLong
	case diffPct <= -t.ConfirmPercent:
		desired = exchange.SideShort
	}

	if sc.Position != nil {
		if desired == "" || desired == sc.Position.Side {
			return nil
		}
		sc.Logf("trend flip: fast/slow spread %.2f%% favors %s, closing %s", diffPct, desired, sc.Position.Side)
		executed, err := sc.RequestTrade(ctx, TradeClose, sc.Position.Side, 0)
		if err != nil || !executed {
			return err
		}
	}
	if desired == "" {
		return nil
	}
	sc.Logf("trend entry: fast/slow spread %.2f%%, opening %s %.2f", diffPct, desired, t.PositionSize)
	_, err = sc.RequestTrade(ctx, TradeOpen, desired, t.PositionSize)
	return err
}

func (k *trend) Shutdown(ctx context.Context, sc *Context, reason string) error {
	sc.Logf("trend shutting down: %s", reason)
	return nil
}

func (k *trend) OnTrade(evt TradeEvent) {}

func (k *trend) push(price float64) {
	k.prices = append(k.prices, price)
	if limit := k.cfg.Trend.SlowPeriod * 3; len(k.prices) > limit {
		k.prices = k.prices[len(k.prices)-limit:]
	}
}
