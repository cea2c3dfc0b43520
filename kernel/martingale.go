package kernel

import (
	"context"
	"math"

	"futures-supervisor/exchange"
)

// martingale averages down: it watches the run's extreme price (highest
// since the last fill for long, lowest for short) and on each adverse move
// of priceDropPercent requests an add sized initialPosition ×
// multiplier^additions. The risk gate bounds the addition count.
type martingale struct {
	cfg     *Config
	extreme float64
	adds    int
}

func newMartingale(cfg *Config) *martingale {
	return &martingale{cfg: cfg}
}

func (k *martingale) Initialize(ctx context.Context, sc *Context) error {
	if err := configureLeverage(ctx, sc); err != nil {
		return err
	}
	m := k.cfg.Martingale
	sc.Logf("martingale: initial %.2f, multiplier %.2fx, drop trigger %.2f%%, start immediately %v",
		m.InitialPosition, m.Multiplier, k.cfg.Trigger.PriceDropPercent, k.cfg.StartImmediately())
	return nil
}

func (k *martingale) RunOnce(ctx context.Context, sc *Context) error {
	ticker, err := sc.Adapter.FetchTicker(ctx, k.cfg.Trading.Symbol)
	if err != nil {
		return err
	}
	price := ticker.Last
	side := k.cfg.Trading.Side
	// Adopted positions arrive without a reference; seed from the entry.
	if k.extreme == 0 && sc.Position != nil {
		k.extreme = sc.Position.EntryPrice
	}
	k.ratchet(side, price)

	if sc.Position == nil {
		if k.cfg.StartImmediately() {
			_, err := sc.RequestTrade(ctx, TradeOpen, side, k.cfg.Martingale.InitialPosition)
			return err
		}
		if k.adverseMove(side, price) >= k.cfg.Trigger.PriceDropPercent {
			sc.Logf("entry trigger: price %.2f moved %.2f%% against reference %.2f",
				price, k.adverseMove(side, price), k.extreme)
			_, err := sc.RequestTrade(ctx, TradeOpen, side, k.cfg.Martingale.InitialPosition)
			return err
		}
		return nil
	}

	if move := k.adverseMove(side, price); move >= k.cfg.Trigger.PriceDropPercent {
		size := k.cfg.Martingale.InitialPosition * math.Pow(k.cfg.Martingale.Multiplier, float64(k.adds+1))
		sc.Logf("addition trigger %d: price %.2f moved %.2f%% against reference %.2f, size %.2f",
			k.adds+1, price, move, k.extreme, size)
		_, err := sc.RequestTrade(ctx, TradeAdd, side, size)
		return err
	}
	return nil
}

func (k *martingale) Shutdown(ctx context.Context, sc *Context, reason string) error {
	sc.Logf("martingale shutting down: %s", reason)
	return nil
}

func (k *martingale) OnTrade(evt TradeEvent) {
	switch evt.Kind {
	case TradeOpen:
		k.extreme = evt.Price
		k.adds = 0
	case TradeAdd:
		k.extreme = evt.Price
		k.adds++
	case TradeClose:
		k.extreme = 0
		k.adds = 0
	}
}

// ratchet tracks the favorable extreme since the last fill: the high for
// long, the low for short.
func (k *martingale) ratchet(side string, price float64) {
	if k.extreme == 0 {
		k.extreme = price
		return
	}
	if side == exchange.SideLong {
		if price > k.extreme {
			k.extreme = price
		}
	} else {
		if price < k.extreme {
			k.extreme = price
		}
	}
}

// adverseMove is the percent move from the extreme against the position
// side: a drop for long, a rise for short.
func (k *martingale) adverseMove(side string, price float64) float64 {
	if k.extreme == 0 {
		return 0
	}
	if side == exchange.SideLong {
		return (k.extreme - price) / k.extreme * 100
	}
	return (price - k.extreme) / k.extreme * 100
}
