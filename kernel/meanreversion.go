package kernel

import (
	"context"

	"futures-supervisor/exchange"
	"futures-supervisor/market"
)

// meanReversion fades stretches away from a moving-average baseline: a
// deviation beyond deviationPercent opens against the move, and the
// position closes once price recovers to within targetPercent of the
// baseline on its entry side (an overshoot past the baseline also counts
// as recovered).
type meanReversion struct {
	cfg    *Config
	prices []float64
}

func newMeanReversion(cfg *Config) *meanReversion {
	return &meanReversion{cfg: cfg}
}

func (k *meanReversion) Initialize(ctx context.Context, sc *Context) error {
	if err := configureLeverage(ctx, sc); err != nil {
		return err
	}
	m := k.cfg.MeanReversion
	sc.Logf("meanReversion: MA %d, deviation %.2f%%, target %.2f%%, size %.2f",
		m.MAPeriod, m.DeviationPercent, m.TargetPercent, m.PositionSize)
	return nil
}

func (k *meanReversion) RunOnce(ctx context.Context, sc *Context) error {
	ticker, err := sc.Adapter.FetchTicker(ctx, k.cfg.Trading.Symbol)
	if err != nil {
		return err
	}
	price := ticker.Last
	k.push(price)

	m := k.cfg.MeanReversion
	if len(k.prices) < m.MAPeriod {
		return nil
	}
	baseline := market.SMA(k.prices, m.MAPeriod)
	if baseline == 0 {
		return nil
	}
	devPct := (price - baseline) / baseline * 100

	if sc.Position == nil {
		switch {
		case devPct <= -m.DeviationPercent:
			sc.Logf("deviation %.2f%% below MA %.2f, opening long %.2f", devPct, baseline, m.PositionSize)
			_, err := sc.RequestTrade(ctx, TradeOpen, exchange.SideLong, m.PositionSize)
			return err
		case devPct >= m.DeviationPercent:
			sc.Logf("deviation %.2f%% above MA %.2f, opening short %.2f", devPct, baseline, m.PositionSize)
			_, err := sc.RequestTrade(ctx, TradeOpen, exchange.SideShort, m.PositionSize)
			return err
		}
		return nil
	}

	reverted := false
	if sc.Position.Side == exchange.SideLong {
		reverted = devPct >= -m.TargetPercent
	} else {
		reverted = devPct <= m.TargetPercent
	}
	if reverted {
		sc.Logf("reverted to %.2f%% of MA %.2f, closing %s", devPct, baseline, sc.Position.Side)
		_, err := sc.RequestTrade(ctx, TradeClose, sc.Position.Side, 0)
		return err
	}
	return nil
}

func (k *meanReversion) Shutdown(ctx context.Context, sc *Context, reason string) error {
	sc.Logf("meanReversion shutting down: %s", reason)
	return nil
}

func (k *meanReversion) OnTrade(evt TradeEvent) {}

func (k *meanReversion) push(price float64) {
	k.prices = append(k.prices, price)
	if limit := k.cfg.MeanReversion.MAPeriod * 3; len(k.prices) > limit {
		k.prices = k.prices[len(k.prices)-limit:]
	}
}
