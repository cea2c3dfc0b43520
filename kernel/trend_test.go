package kernel

import (
	"testing"
)

const trendDoc = `
trading:
  symbol: BTC/USDT:USDT
trend:
  positionSize: 150
  fastPeriod: 2
  slowPeriod: 3
  confirmPercent: 1.0
`

func TestTrend_WarmupThenEntry(t *testing.T) {
	h := newHarness(t, trendDoc)
	h.init()

	for _, price := range []float64{100, 100} {
		h.adapter.price = price
		if err := h.tick(); err != nil {
			t.Fatalf("tick at %v: %v", price, err)
		}
	}
	if len(h.calls) != 0 {
		t.Fatalf("traded during warmup: %+v", h.calls)
	}

	// fast (100+110)/2 = 105 vs slow 103.33 is a 1.61% spread, past the
	// 1% confirmation.
	h.adapter.price = 110
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 1 {
		t.Fatalf("got %d trade calls, want 1: %+v", len(h.calls), h.calls)
	}
	if c := h.calls[0]; c.kind != TradeOpen || c.side != "long" || c.notional != 150 {
		t.Errorf("call = %+v, want open long 150", c)
	}
}

func TestTrend_HoldsWhileAligned(t *testing.T) {
	h := newHarness(t, trendDoc)
	h.init()

	for _, price := range []float64{100, 100, 110, 112, 114} {
		h.adapter.price = price
		if err := h.tick(); err != nil {
			t.Fatalf("tick at %v: %v", price, err)
		}
	}
	if len(h.calls) != 1 {
		t.Fatalf("got %d trade calls, want only the entry: %+v", len(h.calls), h.calls)
	}
}

func TestTrend_FlipClosesThenOpens(t *testing.T) {
	h := newHarness(t, trendDoc)
	h.init()

	for _, price := range []float64{100, 100, 110, 90, 70} {
		h.adapter.price = price
		if err := h.tick(); err != nil {
			t.Fatalf("tick at %v: %v", price, err)
		}
	}

	// 90 pulls the spread back inside the confirmation band (hold), 70
	// swings it short: close the long, open the short, same tick.
	want := []tradeCall{
		{kind: TradeOpen, side: "long", notional: 150},
		{kind: TradeClose, side: "long", notional: 0},
		{kind: TradeOpen, side: "short", notional: 150},
	}
	if len(h.calls) != len(want) {
		t.Fatalf("got %d trade calls, want %d: %+v", len(h.calls), len(want), h.calls)
	}
	for i, w := range want {
		if h.calls[i] != w {
			t.Errorf("call %d = %+v, want %+v", i, h.calls[i], w)
		}
	}
	if h.sc.Position == nil || h.sc.Position.Side != "short" {
		t.Errorf("position = %+v, want short", h.sc.Position)
	}
}

func TestTrend_DeniedCloseBlocksFlip(t *testing.T) {
	h := newHarness(t, trendDoc)
	h.init()
	h.deny = func(c tradeCall) bool { return c.kind == TradeClose }

	for _, price := range []float64{100, 100, 110, 90, 70} {
		h.adapter.price = price
		if err := h.tick(); err != nil {
			t.Fatalf("tick at %v: %v", price, err)
		}
	}

	// The denied close leaves the long in place and no short opens over it.
	last := h.calls[len(h.calls)-1]
	if last.kind != TradeClose {
		t.Fatalf("last call = %+v, want the denied close", last)
	}
	if h.sc.Position == nil || h.sc.Position.Side != "long" {
		t.Errorf("position = %+v, want the original long", h.sc.Position)
	}
}
