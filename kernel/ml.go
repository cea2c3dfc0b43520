package kernel

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"futures-supervisor/market"
)

const (
	mlHorizon      = 5  // label: close five samples ahead vs now
	mlFeatureMin   = 50 // longest indicator period in the feature vector
	mlTrainHistory = 100
	mlMinHold      = 60 * time.Second
)

var mlFeaturePeriods = [4]int{5, 10, 20, 50}

// ml trains a logistic classifier over indicator features of recent closes
// and trades its directional signal. The model retrains inline on a
// configurable cadence; the serving model survives a failed fit. A close
// on the opposite signal needs 1.1x the open threshold, a minimum hold
// time, and a cooldown after closes keeps it from whipsawing.
type ml struct {
	cfg       *Config
	prices    []float64
	model     classifier
	lastTrain time.Time
	openedAt  time.Time
	lastClose time.Time

	forceRetrain atomic.Bool
}

func newML(cfg *Config) *ml {
	return &ml{cfg: cfg}
}

// ForceRetrain flags the model for retraining on the next decision tick.
// Safe to call from any goroutine; repeated calls coalesce.
func (k *ml) ForceRetrain() {
	k.forceRetrain.Store(true)
}

func (k *ml) Initialize(ctx context.Context, sc *Context) error {
	if err := configureLeverage(ctx, sc); err != nil {
		return err
	}
	m := k.cfg.ML
	sc.Logf("ml: lookback %d, threshold %.2f, retrain every %.1fh", m.Lookback, m.ConfidenceThreshold, m.RetrainIntervalHours)

	bars, err := sc.Adapter.FetchBars(ctx, k.cfg.Trading.Symbol, "1m", m.Lookback*2)
	if err != nil {
		sc.Logf("history seed failed, accumulating from ticks: %v", err)
	} else {
		k.prices = market.Closes(bars)
		sc.Logf("seeded %d closes", len(k.prices))
	}
	if len(k.prices) >= mlTrainHistory {
		k.train(sc)
	} else {
		k.lastTrain = sc.Now()
	}
	return nil
}

func (k *ml) RunOnce(ctx context.Context, sc *Context) error {
	ticker, err := sc.Adapter.FetchTicker(ctx, k.cfg.Trading.Symbol)
	if err != nil {
		return err
	}
	k.push(ticker.Last)

	if k.retrainDue(sc) {
		k.train(sc)
	}
	if k.model == nil {
		return nil
	}
	feats := mlFeatures(k.prices)
	if feats == nil {
		return nil
	}
	dir, conf := k.model.predict(feats)
	m := k.cfg.ML

	if sc.Position == nil {
		if conf < m.ConfidenceThreshold {
			return nil
		}
		cooldown := time.Duration(m.CooldownSeconds) * time.Second
		if !k.lastClose.IsZero() && sc.Now().Sub(k.lastClose) < cooldown {
			return nil
		}
		sc.Logf("signal %s, confidence %.2f, opening %.2f", dir, conf, m.PositionSize)
		_, err := sc.RequestTrade(ctx, TradeOpen, dir, m.PositionSize)
		return err
	}

	if dir == sc.Position.Side {
		return nil
	}
	closeThreshold := math.Min(m.ConfidenceThreshold*1.1, 1.0)
	if conf < closeThreshold {
		return nil
	}
	if !k.openedAt.IsZero() && sc.Now().Sub(k.openedAt) < mlMinHold {
		return nil
	}
	sc.Logf("signal flipped to %s, confidence %.2f, closing %s", dir, conf, sc.Position.Side)
	_, err = sc.RequestTrade(ctx, TradeClose, sc.Position.Side, 0)
	return err
}

func (k *ml) Shutdown(ctx context.Context, sc *Context, reason string) error {
	sc.Logf("ml shutting down: %s", reason)
	return nil
}

func (k *ml) OnTrade(evt TradeEvent) {
	switch evt.Kind {
	case TradeOpen:
		k.openedAt = evt.Time
	case TradeClose:
		k.lastClose = evt.Time
		k.openedAt = time.Time{}
	}
}

func (k *ml) push(price float64) {
	k.prices = append(k.prices, price)
	if limit := k.cfg.ML.Lookback * 2; len(k.prices) > limit {
		k.prices = k.prices[len(k.prices)-limit:]
	}
}

func (k *ml) retrainDue(sc *Context) bool {
	if k.forceRetrain.Swap(false) {
		return true
	}
	if k.model == nil {
		return len(k.prices) >= mlTrainHistory
	}
	interval := time.Duration(k.cfg.ML.RetrainIntervalHours * float64(time.Hour))
	return sc.Now().Sub(k.lastTrain) >= interval
}

// train fits a fresh model and swaps it in only on success, so a failed
// fit leaves the previous model serving.
func (k *ml) train(sc *Context) {
	k.lastTrain = sc.Now()
	if len(k.prices) < mlTrainHistory {
		sc.Logf("training skipped: %d closes, need %d", len(k.prices), mlTrainHistory)
		return
	}
	X, y := buildTrainingSet(k.prices)
	model := &logit{}
	if err := model.fit(X, y); err != nil {
		sc.Logf("training failed: %v", err)
		return
	}
	k.model = model
	sc.Logf("model trained on %d samples", len(X))
}

func buildTrainingSet(prices []float64) ([][]float64, []int) {
	var X [][]float64
	var y []int
	for i := mlFeatureMin; i < len(prices)-mlHorizon; i++ {
		feats := mlFeatures(prices[:i+1])
		if feats == nil {
			continue
		}
		X = append(X, feats)
		if prices[i+mlHorizon] > prices[i] {
			y = append(y, 1)
		} else {
			y = append(y, 0)
		}
	}
	return X, y
}

// mlFeatures builds the feature vector: per period in {5, 10, 20, 50} the
// SMA and EMA ratios, RSI, MACD-to-price, Bollinger position, period
// return, and relative volatility, then three return lags. All components
// are scale-free so the model transfers across price regimes.
func mlFeatures(prices []float64) []float64 {
	if len(prices) < mlFeatureMin {
		return nil
	}
	price := prices[len(prices)-1]
	if price <= 0 {
		return nil
	}
	macdLine, _, _ := market.MACD(prices, 12, 26, 9)

	features := make([]float64, 0, len(mlFeaturePeriods)*7+3)
	for _, period := range mlFeaturePeriods {
		sma := market.SMA(prices, period)
		ema := market.EMA(prices, period)
		smaRatio, emaRatio := 0.0, 0.0
		if sma > 0 {
			smaRatio = price/sma - 1
		}
		if ema > 0 {
			emaRatio = price/ema - 1
		}
		upper, _, lower := market.BollingerBands(prices, period, 2)
		bbPos := 0.5
		if band := upper - lower; band > 0 {
			bbPos = (price - lower) / band
		}
		ref := prices[len(prices)-period]
		change := 0.0
		if ref > 0 {
			change = (price - ref) / ref
		}
		vol := 0.0
		if sma > 0 {
			vol = market.Volatility(prices[len(prices)-period:]) / sma
		}
		features = append(features,
			smaRatio,
			emaRatio,
			market.RSI(prices, period)/100,
			macdLine/price,
			bbPos,
			change,
			vol,
		)
	}
	for _, lag := range [3]int{5, 10, 20} {
		ref := prices[len(prices)-lag]
		if ref > 0 {
			features = append(features, (price-ref)/ref)
		} else {
			features = append(features, 0)
		}
	}
	return features
}
