// Package templates is the immutable catalog of strategy configuration
// templates. Templates only seed new strategy definitions; once a strategy
// is created its document lives in the ledger and the catalog plays no
// further role.
package templates

import (
	"fmt"
	"sort"
)

// Template is one catalog entry. Config is a complete YAML strategy
// document ready to store as-is.
type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Config      string `json:"config"`
}

// List returns every template ordered by id.
func List() []Template {
	out := make([]Template, 0, len(catalog))
	for _, t := range catalog {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the template with the given id.
func Get(id string) (Template, error) {
	t, ok := catalog[id]
	if !ok {
		return Template{}, fmt.Errorf("unknown template %q", id)
	}
	return t, nil
}

var catalog = map[string]Template{
	"martingale_classic": {
		ID:          "martingale_classic",
		Name:        "Martingale Classic",
		Description: "Doubles position size on each 5% adverse move, up to 5 additions.",
		Category:    "martingale",
		Config: `trading:
  symbol: BTCUSDT
  side: long
  leverage: 10
risk:
  stopLossPercent: 10
  takeProfitPercent: 15
  maxLossPercent: 20
monitoring:
  checkInterval: 5
trigger:
  priceDropPercent: 5.0
  startImmediately: true
  cooldownSeconds: 60
martingale:
  initialPosition: 200
  multiplier: 2.0
  maxAdditions: 5
`,
	},
	"martingale_aggressive": {
		ID:          "martingale_aggressive",
		Name:        "Martingale Aggressive",
		Description: "Triggers on 3% moves with a 2.5x multiplier. High risk.",
		Category:    "martingale",
		Config: `trading:
  symbol: BTCUSDT
  side: long
  leverage: 10
risk:
  stopLossPercent: 12
  takeProfitPercent: 10
  maxLossPercent: 25
monitoring:
  checkInterval: 5
trigger:
  priceDropPercent: 3.0
  startImmediately: true
  cooldownSeconds: 30
martingale:
  initialPosition: 200
  multiplier: 2.5
  maxAdditions: 5
`,
	},
	"martingale_conservative": {
		ID:          "martingale_conservative",
		Name:        "Martingale Conservative",
		Description: "Waits for 8% moves, adds gently at 1.5x, at most 3 times.",
		Category:    "martingale",
		Config: `trading:
  symbol: BTCUSDT
  side: long
  leverage: 5
risk:
  stopLossPercent: 8
  takeProfitPercent: 12
  maxLossPercent: 15
monitoring:
  checkInterval: 10
trigger:
  priceDropPercent: 8.0
  startImmediately: true
  cooldownSeconds: 120
martingale:
  initialPosition: 200
  multiplier: 1.5
  maxAdditions: 3
`,
	},
	"dca_classic": {
		ID:          "dca_classic",
		Name:        "DCA Classic",
		Description: "Buys 100 USDT every hour regardless of direction, up to 1000 USDT.",
		Category:    "dca",
		Config: `trading:
  symbol: BTCUSDT
  side: long
  leverage: 3
risk:
  stopLossPercent: 20
  takeProfitPercent: 25
  maxLossPercent: 30
monitoring:
  checkInterval: 30
dca:
  amount: 100
  intervalMinutes: 60
  maxInvestment: 1000
  priceCeiling: 0
`,
	},
	"grid_classic": {
		ID:          "grid_classic",
		Name:        "Grid Classic",
		Description: "10 levels across a ±10% band around the first observed price.",
		Category:    "grid",
		Config: `trading:
  symbol: BTCUSDT
  side: long
  leverage: 5
risk:
  stopLossPercent: 15
  takeProfitPercent: 0
  maxLossPercent: 25
monitoring:
  checkInterval: 10
grid:
  levels: 10
  rangePercent: 10
  orderSize: 50
`,
	},
	"trend_following": {
		ID:          "trend_following",
		Name:        "Trend Following",
		Description: "SMA 10/30 crossover with 1% confirmation, long and short.",
		Category:    "trend",
		Config: `trading:
  symbol: BTCUSDT
  side: long
  leverage: 10
risk:
  stopLossPercent: 8
  takeProfitPercent: 20
  maxLossPercent: 20
monitoring:
  checkInterval: 15
trend:
  positionSize: 200
  fastPeriod: 10
  slowPeriod: 30
  confirmPercent: 1.0
`,
	},
	"mean_reversion": {
		ID:          "mean_reversion",
		Name:        "Mean Reversion",
		Description: "Fades 3% deviations from the 20-bar mean, exits within 1.5%.",
		Category:    "meanReversion",
		Config: `trading:
  symbol: BTCUSDT
  side: long
  leverage: 5
risk:
  stopLossPercent: 6
  takeProfitPercent: 10
  maxLossPercent: 15
monitoring:
  checkInterval: 10
meanReversion:
  positionSize: 150
  maPeriod: 20
  deviationPercent: 3.0
  targetPercent: 1.5
`,
	},
	"ml_classifier": {
		ID:          "ml_classifier",
		Name:        "ML Classifier",
		Description: "Online classifier over price features; trades above 0.65 confidence, retrains daily.",
		Category:    "ml",
		Config: `trading:
  symbol: BTCUSDT
  side: long
  leverage: 5
risk:
  stopLossPercent: 8
  takeProfitPercent: 15
  maxLossPercent: 20
monitoring:
  checkInterval: 30
ml:
  positionSize: 200
  confidenceThreshold: 0.65
  retrainIntervalHours: 24
  lookback: 200
  cooldownSeconds: 30
`,
	},
	"llm_signal": {
		ID:          "llm_signal",
		Name:        "LLM Signal",
		Description: "Asks a language model for a signal every 5 minutes; trades above 0.7 confidence.",
		Category:    "llm",
		Config: `trading:
  symbol: BTCUSDT
  side: long
  leverage: 5
risk:
  stopLossPercent: 10
  takeProfitPercent: 15
  maxLossPercent: 20
monitoring:
  checkInterval: 60
llm:
  positionSize: 200
  confidenceThreshold: 0.7
  callIntervalSeconds: 300
  timeframe: 5m
`,
	},
}
