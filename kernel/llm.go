package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"futures-supervisor/ai"
	"futures-supervisor/config"
	"futures-supervisor/exchange"
	"futures-supervisor/market"
)

// chatClient is the slice of the OpenRouter client this kernel needs.
type chatClient interface {
	ChatWithReasoning(ctx context.Context, messages []ai.Message) (*ai.ChatResult, error)
}

const directionFlat = "flat"

const llmSystemPrompt = `You are a crypto futures trading analyst. Analyze the provided market data and reply with ONLY a JSON object, no other text:

{"signal": "buy" | "sell" | "hold", "confidence": 0.0-1.0, "reasoning": "one or two sentences", "risk_level": "low" | "medium" | "high"}

Rules:
- signal must be exactly one of buy, sell, hold
- confidence is a number between 0 and 1
- prefer hold when conviction is weak`

var reSignalFence = regexp.MustCompile("(?s)```(?:json)?\\s*([\\s\\S]*?)```")

// llm asks a language model for a directional signal built from an
// indicator snapshot. Calls are spaced at least callInterval apart with
// the last parsed signal cached between them; the spacing applies on
// failures too so a broken endpoint is not hammered every tick.
type llm struct {
	cfg      *Config
	client   chatClient
	lastCall time.Time
	lastPred *Prediction
}

func newLLM(cfg *Config) *llm {
	return &llm{cfg: cfg}
}

func (k *llm) Initialize(ctx context.Context, sc *Context) error {
	if err := configureLeverage(ctx, sc); err != nil {
		return err
	}
	if k.client == nil {
		procCfg := config.Get()
		if procCfg.OpenRouterAPIKey == "" {
			return &ConfigError{Field: "llm", Reason: "OPENROUTER_API_KEY not configured"}
		}
		model := k.cfg.LLM.Model
		if model == "" {
			model = procCfg.OpenRouterModel
		}
		k.client = ai.NewClient(procCfg.OpenRouterAPIKey, model)
		sc.Logf("llm: model %s, call interval %ds, threshold %.2f", model, k.cfg.LLM.CallIntervalSeconds, k.cfg.LLM.ConfidenceThreshold)
	}
	return nil
}

func (k *llm) RunOnce(ctx context.Context, sc *Context) error {
	pred, err := k.analyze(ctx, sc)
	if err != nil {
		return err
	}
	if pred == nil {
		return nil
	}

	l := k.cfg.LLM
	if sc.Position == nil {
		if pred.Direction == directionFlat || pred.Confidence < l.ConfidenceThreshold {
			return nil
		}
		sc.Logf("llm entry: %s, confidence %.2f", pred.Direction, pred.Confidence)
		_, err := sc.RequestTrade(ctx, TradeOpen, pred.Direction, l.PositionSize)
		return err
	}
	if pred.Direction == directionFlat || pred.Direction == sc.Position.Side {
		return nil
	}
	if pred.Confidence < l.ConfidenceThreshold {
		return nil
	}
	sc.Logf("llm exit: signal %s against %s, confidence %.2f", pred.Direction, sc.Position.Side, pred.Confidence)
	_, err = sc.RequestTrade(ctx, TradeClose, sc.Position.Side, 0)
	return err
}

// analyze returns the cached prediction inside the call interval and asks
// the model for a fresh one outside it.
func (k *llm) analyze(ctx context.Context, sc *Context) (*Prediction, error) {
	interval := time.Duration(k.cfg.LLM.CallIntervalSeconds) * time.Second
	if !k.lastCall.IsZero() && sc.Now().Sub(k.lastCall) < interval {
		return k.lastPred, nil
	}
	k.lastCall = sc.Now()

	symbol := k.cfg.Trading.Symbol
	bars, err := sc.Adapter.FetchBars(ctx, symbol, k.cfg.LLM.Timeframe, 100)
	if err != nil {
		return nil, err
	}
	snap, err := market.BuildSnapshot(symbol, k.cfg.LLM.Timeframe, bars)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}

	result, err := k.client.ChatWithReasoning(ctx, []ai.Message{
		{Role: "system", Content: llmSystemPrompt},
		{Role: "user", Content: snap.Format()},
	})
	if err != nil {
		return nil, fmt.Errorf("llm call: %w", err)
	}
	pred, err := parseSignal(result.Content)
	if err != nil {
		return nil, err
	}
	sc.Logf("llm signal: %s, confidence %.2f, risk %s", pred.Direction, pred.Confidence, pred.RiskLevel)
	k.lastPred = pred
	return pred, nil
}

func (k *llm) Shutdown(ctx context.Context, sc *Context, reason string) error {
	sc.Logf("llm shutting down: %s", reason)
	return nil
}

func (k *llm) OnTrade(evt TradeEvent) {
	// A close invalidates the cached signal so the run does not reopen on
	// stale conviction.
	if evt.Kind == TradeClose {
		k.lastPred = nil
	}
}

type signalResponse struct {
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	RiskLevel  string  `json:"risk_level"`
}

// parseSignal extracts the JSON signal object from a model response,
// tolerating code fences and prose around the object.
func parseSignal(content string) (*Prediction, error) {
	s := strings.TrimSpace(content)
	if m := reSignalFence.FindStringSubmatch(s); m != nil && len(m) > 1 {
		s = strings.TrimSpace(m[1])
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in llm response: %s", truncate(s, 120))
	}
	s = s[start : end+1]

	var raw signalResponse
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("parse llm signal: %w: %s", err, truncate(s, 120))
	}

	pred := &Prediction{Reasoning: raw.Reasoning, RiskLevel: raw.RiskLevel}
	switch strings.ToLower(strings.TrimSpace(raw.Signal)) {
	case "buy":
		pred.Direction = exchange.SideLong
	case "sell":
		pred.Direction = exchange.SideShort
	case "hold":
		pred.Direction = directionFlat
	default:
		return nil, fmt.Errorf("unknown llm signal %q", raw.Signal)
	}

	conf := raw.Confidence
	if conf > 1 {
		// Some models answer in percent.
		conf = conf / 100
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	pred.Confidence = conf
	return pred, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
