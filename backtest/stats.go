package backtest

import (
	"math"
	"time"

	"futures-supervisor/exchange"
	"futures-supervisor/store"
)

// computeStats derives the aggregate statistics of a finished replay from
// its equity curve and trade log. Only close trades carry realized pnl, so
// win/loss counting runs over those.
func computeStats(initialBalance float64, timeframe string, curve []EquityPoint, trades []*store.Trade) *Stats {
	st := &Stats{FinalBalance: initialBalance}
	if len(curve) > 0 {
		st.FinalBalance = curve[len(curve)-1].Equity
	}
	st.TotalReturn = st.FinalBalance - initialBalance
	if initialBalance > 0 {
		st.TotalReturnPct = st.TotalReturn / initialBalance * 100
	}

	var sumWin, sumLoss float64
	for _, t := range trades {
		st.TotalTrades++
		if t.PnL == nil {
			continue
		}
		switch {
		case *t.PnL > 0:
			st.WinTrades++
			sumWin += *t.PnL
		case *t.PnL < 0:
			st.LossTrades++
			sumLoss += *t.PnL
		}
	}
	if closed := st.WinTrades + st.LossTrades; closed > 0 {
		st.WinRate = float64(st.WinTrades) / float64(closed) * 100
	}
	if st.WinTrades > 0 {
		st.MeanWin = sumWin / float64(st.WinTrades)
	}
	if st.LossTrades > 0 {
		st.MeanLoss = sumLoss / float64(st.LossTrades)
	}
	switch {
	case sumLoss != 0:
		st.ProfitFactor = sumWin / math.Abs(sumLoss)
	case sumWin > 0:
		// No losing trade: report the gross gain rather than infinity.
		st.ProfitFactor = sumWin
	}

	st.MaxDrawdown = maxDrawdown(curve)
	st.SharpeRatio = sharpe(timeframe, curve)
	return st
}

// maxDrawdown is the largest peak-to-trough fraction of the equity curve.
func maxDrawdown(curve []EquityPoint) float64 {
	var peak, worst float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// sharpe is mean over standard deviation of per-bar returns, annualized by
// the square root of the timeframe's bars per year.
func sharpe(timeframe string, curve []EquityPoint) float64 {
	if len(curve) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}

	barDur, ok := exchange.TimeframeDuration(timeframe)
	if !ok || barDur <= 0 {
		barDur = time.Hour
	}
	barsPerYear := float64(365*24*time.Hour) / float64(barDur)
	return mean / std * math.Sqrt(barsPerYear)
}
