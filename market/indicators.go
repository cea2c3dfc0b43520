package market

import (
	"math"

	"futures-supervisor/exchange"
)

// SMA returns the simple moving average over the last period values. With
// fewer values than period it averages what is there.
func SMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		return average(prices)
	}
	return average(prices[len(prices)-period:])
}

// EMA returns the exponential moving average, seeded with the SMA of the
// first period values.
func EMA(prices []float64, period int) float64 {
	s := emaSeries(prices, period)
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

func emaSeries(prices []float64, period int) []float64 {
	if len(prices) == 0 {
		return nil
	}
	if len(prices) < period {
		return []float64{average(prices)}
	}

	multiplier := 2.0 / float64(period+1)
	series := make([]float64, 0, len(prices)-period+1)
	ema := average(prices[:period])
	series = append(series, ema)
	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
		series = append(series, ema)
	}
	return series
}

// RSI returns the relative strength index with Wilder smoothing. Neutral 50
// when there is not enough history.
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50
	}

	gains := make([]float64, 0, len(prices)-1)
	losses := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	avgGain := average(gains[:period])
	avgLoss := average(losses[:period])
	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// MACD returns the MACD line, its signal line and the histogram. The signal
// is a true EMA over the MACD line series, not an approximation.
func MACD(prices []float64, fastPeriod, slowPeriod, signalPeriod int) (line, signal, histogram float64) {
	if len(prices) < slowPeriod {
		return 0, 0, 0
	}

	fast := emaSeries(prices, fastPeriod)
	slow := emaSeries(prices, slowPeriod)

	// Both series end at the last price; align them on the tail.
	n := len(slow)
	if len(fast) < n {
		n = len(fast)
	}
	macd := make([]float64, n)
	for i := 0; i < n; i++ {
		macd[i] = fast[len(fast)-n+i] - slow[len(slow)-n+i]
	}

	line = macd[len(macd)-1]
	sig := emaSeries(macd, signalPeriod)
	signal = sig[len(sig)-1]
	return line, signal, line - signal
}

// BollingerBands returns the upper, middle and lower band for the given
// period and width in standard deviations.
func BollingerBands(prices []float64, period int, width float64) (upper, middle, lower float64) {
	if len(prices) < period {
		return 0, 0, 0
	}
	middle = SMA(prices, period)
	sd := Volatility(prices[len(prices)-period:])
	upper = middle + sd*width
	lower = middle - sd*width
	return upper, middle, lower
}

// Volatility returns the population standard deviation of the values.
func Volatility(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	avg := average(values)
	sumSquares := 0.0
	for _, v := range values {
		sumSquares += (v - avg) * (v - avg)
	}
	return math.Sqrt(sumSquares / float64(len(values)))
}

// Returns converts a price series into per-step fractional returns.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, prices[i]/prices[i-1]-1)
	}
	return out
}

// ATR returns the average true range over the last period bars.
func ATR(bars []exchange.Bar, period int) float64 {
	if len(bars) < period+1 {
		return 0
	}

	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		tr := math.Max(
			bars[i].High-bars[i].Low,
			math.Max(
				math.Abs(bars[i].High-bars[i-1].Close),
				math.Abs(bars[i].Low-bars[i-1].Close),
			),
		)
		trs = append(trs, tr)
	}
	return SMA(trs, period)
}

// Closes extracts the close series from bars.
func Closes(bars []exchange.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
