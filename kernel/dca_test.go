package kernel

import (
	"testing"
	"time"
)

const dcaDoc = `
trading:
  symbol: BTC/USDT:USDT
dca:
  amount: 100
  intervalMinutes: 1
`

func TestDCA_BuysOnInterval(t *testing.T) {
	h := newHarness(t, dcaDoc)
	h.init()
	h.adapter.price = 45000

	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 1 || h.calls[0].kind != TradeOpen || h.calls[0].notional != 100 {
		t.Fatalf("got %+v, want one open of 100", h.calls)
	}

	h.advance(30 * time.Second)
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 1 {
		t.Fatalf("bought inside the interval: %+v", h.calls)
	}

	h.advance(30 * time.Second)
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 2 || h.calls[1].kind != TradeAdd {
		t.Fatalf("got %+v, want a second buy as an add", h.calls)
	}
}

func TestDCA_SkipsAboveCeiling(t *testing.T) {
	doc := dcaDoc + "  priceCeiling: 40000\n"
	h := newHarness(t, doc)
	h.init()

	h.adapter.price = 45000
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 0 {
		t.Fatalf("bought above the ceiling: %+v", h.calls)
	}

	// A skipped buy does not consume the interval; the next tick below the
	// ceiling buys right away.
	h.adapter.price = 39000
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 1 || h.calls[0].kind != TradeOpen {
		t.Fatalf("got %+v, want one open", h.calls)
	}
}

func TestDCA_StopsAtMaxInvestment(t *testing.T) {
	doc := dcaDoc + "  maxInvestment: 250\n"
	h := newHarness(t, doc)
	h.init()
	h.adapter.price = 45000

	for i := 0; i < 6; i++ {
		if err := h.tick(); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		h.advance(time.Minute)
	}

	// 100 + 100 crosses 250 on the third buy; after that the kernel sits out.
	if len(h.calls) != 3 {
		t.Fatalf("got %d buys, want 3: %+v", len(h.calls), h.calls)
	}
}

func TestDCA_CloseResetsInvested(t *testing.T) {
	doc := dcaDoc + "  maxInvestment: 150\n"
	h := newHarness(t, doc)
	h.init()
	h.adapter.price = 45000

	for i := 0; i < 3; i++ {
		if err := h.tick(); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		h.advance(time.Minute)
	}
	if len(h.calls) != 2 {
		t.Fatalf("got %d buys before close, want 2: %+v", len(h.calls), h.calls)
	}

	// A forced close wipes the run; the invested total starts over.
	h.kern.OnTrade(TradeEvent{Kind: TradeClose, Side: "long", Price: 45000, Time: h.now})
	h.sc.Position = nil

	h.advance(time.Minute)
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 3 || h.calls[2].kind != TradeOpen {
		t.Fatalf("got %+v, want a fresh open after the close", h.calls)
	}
}

func TestDCA_WaitsFullIntervalWhenNotImmediate(t *testing.T) {
	doc := dcaDoc + "trigger:\n  startImmediately: false\n"
	h := newHarness(t, doc)
	h.init()
	h.adapter.price = 45000

	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 0 {
		t.Fatalf("bought before the first interval elapsed: %+v", h.calls)
	}

	h.advance(61 * time.Second)
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 1 {
		t.Fatalf("got %+v, want one buy", h.calls)
	}
}
