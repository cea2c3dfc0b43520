package kernel

import (
	"context"

	"futures-supervisor/exchange"
)

// grid lays levels across a price band and trades the oscillation: a
// downward cross of an unheld level buys one unit of orderSize, an upward
// cross sells the nearest unit held below the crossed level. Unit
// quantities are captured from the fills so each exit reduces the position
// by exactly what its level bought.
type grid struct {
	cfg       *Config
	levels    []float64
	units     map[int]float64 // level index -> filled quantity
	lastPrice float64

	pendingOpen  int
	pendingClose int
}

func newGrid(cfg *Config) *grid {
	return &grid{
		cfg:          cfg,
		units:        make(map[int]float64),
		pendingOpen:  -1,
		pendingClose: -1,
	}
}

func (k *grid) Initialize(ctx context.Context, sc *Context) error {
	if err := configureLeverage(ctx, sc); err != nil {
		return err
	}
	g := k.cfg.Grid
	if g.PriceLow > 0 && g.PriceHigh > 0 {
		k.buildLevels(g.PriceLow, g.PriceHigh)
		sc.Logf("grid: %d levels in [%.2f, %.2f], unit %.2f", g.Levels, g.PriceLow, g.PriceHigh, g.OrderSize)
	} else {
		sc.Logf("grid: %d levels at first price ±%.1f%%, unit %.2f", g.Levels, g.RangePercent, g.OrderSize)
	}
	return nil
}

func (k *grid) buildLevels(low, high float64) {
	n := k.cfg.Grid.Levels
	step := (high - low) / float64(n-1)
	k.levels = make([]float64, n)
	for i := 0; i < n; i++ {
		k.levels[i] = low + step*float64(i)
	}
}

func (k *grid) RunOnce(ctx context.Context, sc *Context) error {
	ticker, err := sc.Adapter.FetchTicker(ctx, k.cfg.Trading.Symbol)
	if err != nil {
		return err
	}
	price := ticker.Last

	if k.levels == nil {
		g := k.cfg.Grid
		low := price * (1 - g.RangePercent/100)
		high := price * (1 + g.RangePercent/100)
		k.buildLevels(low, high)
		sc.Logf("grid anchored at %.2f: levels in [%.2f, %.2f]", price, low, high)
	}

	prev := k.lastPrice
	if prev == 0 || prev == price {
		k.lastPrice = price
		return nil
	}

	// Downward crosses buy, highest crossed level first.
	for i := len(k.levels) - 1; i >= 0; i-- {
		lvl := k.levels[i]
		if !(prev > lvl && price <= lvl) {
			continue
		}
		if _, held := k.units[i]; held {
			continue
		}
		kind := TradeAdd
		if sc.Position == nil {
			kind = TradeOpen
		}
		sc.Logf("grid buy: crossed level %d (%.2f) at price %.2f", i, lvl, price)
		k.pendingOpen = i
		_, err := sc.RequestTrade(ctx, kind, exchange.SideLong, k.cfg.Grid.OrderSize)
		k.pendingOpen = -1
		if err != nil {
			// lastPrice stays put so the unfilled crossings retry next tick;
			// filled levels are guarded by the unit ledger.
			return err
		}
	}

	// Upward crosses sell the nearest unit below the crossed level.
	for i := 0; i < len(k.levels); i++ {
		lvl := k.levels[i]
		if !(prev < lvl && price >= lvl) {
			continue
		}
		j := k.nearestHeldBelow(i)
		if j < 0 {
			continue
		}
		sc.Logf("grid sell: crossed level %d (%.2f) at price %.2f, closing unit at level %d", i, lvl, price, j)
		k.pendingClose = j
		_, err := sc.RequestTrade(ctx, TradeClose, exchange.SideLong, k.units[j]*price)
		k.pendingClose = -1
		if err != nil {
			return err
		}
	}

	k.lastPrice = price
	return nil
}

func (k *grid) nearestHeldBelow(i int) int {
	for j := i - 1; j >= 0; j-- {
		if _, held := k.units[j]; held {
			return j
		}
	}
	return -1
}

func (k *grid) Shutdown(ctx context.Context, sc *Context, reason string) error {
	sc.Logf("grid shutting down: %s (%d units held)", reason, len(k.units))
	return nil
}

func (k *grid) OnTrade(evt TradeEvent) {
	switch evt.Kind {
	case TradeOpen, TradeAdd:
		if k.pendingOpen >= 0 {
			k.units[k.pendingOpen] = evt.Quantity
		}
	case TradeClose:
		if k.pendingClose >= 0 {
			delete(k.units, k.pendingClose)
			return
		}
		// Forced close: the whole position is gone, drop every unit.
		k.units = make(map[int]float64)
	}
}
