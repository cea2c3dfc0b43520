package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"futures-supervisor/ai"
)

const llmDoc = `
trading:
  symbol: BTC/USDT:USDT
llm:
  positionSize: 250
  confidenceThreshold: 0.7
  callIntervalSeconds: 300
`

// scriptedChat replays canned model responses; the last reply repeats.
type scriptedChat struct {
	replies []string
	errs    []error
	calls   int
}

func (s *scriptedChat) ChatWithReasoning(ctx context.Context, messages []ai.Message) (*ai.ChatResult, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return &ai.ChatResult{Content: s.replies[i]}, nil
}

func newLLMHarness(t *testing.T, stub *scriptedChat) *harness {
	t.Helper()
	h := newHarness(t, llmDoc)
	h.adapter.bars = rampBars(60, 50000, 10)
	h.adapter.price = 50600
	h.kern.(*llm).client = stub
	h.init()
	return h
}

func TestLLM_OpensOnConfidentSignal(t *testing.T) {
	stub := &scriptedChat{replies: []string{
		`{"signal": "buy", "confidence": 0.9, "reasoning": "momentum", "risk_level": "low"}`,
	}}
	h := newLLMHarness(t, stub)

	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 1 {
		t.Fatalf("got %d trade calls, want 1: %+v", len(h.calls), h.calls)
	}
	if c := h.calls[0]; c.kind != TradeOpen || c.side != "long" || c.notional != 250 {
		t.Errorf("call = %+v, want open long 250", c)
	}
}

func TestLLM_IgnoresWeakAndHoldSignals(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"below threshold", `{"signal": "buy", "confidence": 0.5}`},
		{"hold at full confidence", `{"signal": "hold", "confidence": 0.99}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newLLMHarness(t, &scriptedChat{replies: []string{tt.reply}})
			if err := h.tick(); err != nil {
				t.Fatalf("tick: %v", err)
			}
			if len(h.calls) != 0 {
				t.Fatalf("unexpected trades: %+v", h.calls)
			}
		})
	}
}

func TestLLM_CachesInsideCallInterval(t *testing.T) {
	stub := &scriptedChat{replies: []string{
		`{"signal": "hold", "confidence": 0.8}`,
		`{"signal": "buy", "confidence": 0.9}`,
	}}
	h := newLLMHarness(t, stub)

	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.advance(5 * time.Second)
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("chat calls = %d inside the interval, want 1", stub.calls)
	}

	h.advance(300 * time.Second)
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("chat calls = %d after the interval, want 2", stub.calls)
	}
	if len(h.calls) != 1 || h.calls[0].kind != TradeOpen {
		t.Fatalf("got %+v, want the open from the second signal", h.calls)
	}
}

func TestLLM_FailedCallWaitsOutInterval(t *testing.T) {
	stub := &scriptedChat{
		replies: []string{`{"signal": "buy", "confidence": 0.9}`},
		errs:    []error{errors.New("rate limited")},
	}
	h := newLLMHarness(t, stub)

	if err := h.tick(); err == nil {
		t.Fatal("tick error = nil, want the chat error")
	}
	if stub.calls != 1 {
		t.Fatalf("chat calls = %d, want 1", stub.calls)
	}

	// The failure consumed the interval slot: no immediate retry, no trade.
	h.advance(5 * time.Second)
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stub.calls != 1 || len(h.calls) != 0 {
		t.Fatalf("chat calls = %d, trades = %+v; want no retry inside the interval", stub.calls, h.calls)
	}

	h.advance(300 * time.Second)
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stub.calls != 2 || len(h.calls) != 1 {
		t.Fatalf("chat calls = %d, trades = %+v; want a retry and an open", stub.calls, h.calls)
	}
}

func TestLLM_ClosesOnOppositeSignal(t *testing.T) {
	stub := &scriptedChat{replies: []string{
		`{"signal": "buy", "confidence": 0.9}`,
		`{"signal": "sell", "confidence": 0.5}`,
		`{"signal": "sell", "confidence": 0.85}`,
	}}
	h := newLLMHarness(t, stub)

	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 1 {
		t.Fatalf("got %+v, want the open", h.calls)
	}

	// A weak opposite signal is not enough to exit.
	h.advance(301 * time.Second)
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 1 {
		t.Fatalf("closed on a weak signal: %+v", h.calls)
	}

	h.advance(301 * time.Second)
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 2 || h.calls[1].kind != TradeClose || h.calls[1].notional != 0 {
		t.Fatalf("got %+v, want a full close", h.calls)
	}
	if h.sc.Position != nil {
		t.Errorf("position = %+v, want flat", h.sc.Position)
	}
}

func TestLLM_ForcedCloseDropsCachedSignal(t *testing.T) {
	stub := &scriptedChat{replies: []string{
		`{"signal": "buy", "confidence": 0.9}`,
	}}
	h := newLLMHarness(t, stub)

	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 1 {
		t.Fatalf("got %+v, want the open", h.calls)
	}

	// Stop loss closes the position outside the kernel.
	h.kern.OnTrade(TradeEvent{Kind: TradeClose, Side: "long", Price: 50600, Time: h.now})
	h.sc.Position = nil

	// Inside the call interval the cached buy is gone, so nothing reopens.
	h.advance(5 * time.Second)
	if err := h.tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.calls) != 1 {
		t.Fatalf("reopened on a stale cached signal: %+v", h.calls)
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantDir  string
		wantConf float64
		wantErr  bool
	}{
		{
			name:     "plain buy",
			content:  `{"signal": "buy", "confidence": 0.8, "reasoning": "r", "risk_level": "low"}`,
			wantDir:  "long",
			wantConf: 0.8,
		},
		{
			name:     "fenced sell",
			content:  "Here is my analysis:\n```json\n{\"signal\": \"sell\", \"confidence\": 0.75}\n```",
			wantDir:  "short",
			wantConf: 0.75,
		},
		{
			name:     "prose around object",
			content:  `Based on the data. {"signal": "hold", "confidence": 0.6} Let me know.`,
			wantDir:  "flat",
			wantConf: 0.6,
		},
		{
			name:     "uppercase signal",
			content:  `{"signal": "BUY", "confidence": 0.7}`,
			wantDir:  "long",
			wantConf: 0.7,
		},
		{
			name:     "percent confidence",
			content:  `{"signal": "buy", "confidence": 85}`,
			wantDir:  "long",
			wantConf: 0.85,
		},
		{
			name:     "negative confidence clamps",
			content:  `{"signal": "sell", "confidence": -0.2}`,
			wantDir:  "short",
			wantConf: 0,
		},
		{
			name:    "unknown signal",
			content: `{"signal": "moon", "confidence": 0.9}`,
			wantErr: true,
		},
		{
			name:    "no json",
			content: "I cannot analyze this market.",
			wantErr: true,
		},
		{
			name:    "malformed json",
			content: `{"signal": buy}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := parseSignal(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSignal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if pred.Direction != tt.wantDir {
				t.Errorf("Direction = %q, want %q", pred.Direction, tt.wantDir)
			}
			if pred.Confidence != tt.wantConf {
				t.Errorf("Confidence = %v, want %v", pred.Confidence, tt.wantConf)
			}
		})
	}
}
