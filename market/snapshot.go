package market

import (
	"fmt"
	"strings"
	"time"

	"futures-supervisor/exchange"
)

// Snapshot is a condensed view of recent market state for one contract,
// computed from a bar window. The LLM signal source renders it into its
// prompt; other consumers read the fields directly.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Time      time.Time `json:"time"`

	Price         float64 `json:"price"`
	ChangePercent float64 `json:"change_percent"` // over the whole window

	EMA20      float64 `json:"ema_20"`
	EMA50      float64 `json:"ema_50"`
	RSI14      float64 `json:"rsi_14"`
	MACDLine   float64 `json:"macd_line"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	BollUpper  float64 `json:"boll_upper"`
	BollMiddle float64 `json:"boll_middle"`
	BollLower  float64 `json:"boll_lower"`
	ATR14      float64 `json:"atr_14"`

	RecentBars []exchange.Bar `json:"-"`
}

// BuildSnapshot computes a Snapshot from bars, oldest first.
func BuildSnapshot(symbol, timeframe string, bars []exchange.Bar) (*Snapshot, error) {
	if len(bars) < 2 {
		return nil, fmt.Errorf("build snapshot %s: need at least 2 bars, got %d", symbol, len(bars))
	}

	closes := Closes(bars)
	price := closes[len(closes)-1]
	first := closes[0]

	snap := &Snapshot{
		Symbol:    symbol,
		Timeframe: timeframe,
		Time:      bars[len(bars)-1].CloseTime,
		Price:     price,
		EMA20:     EMA(closes, 20),
		EMA50:     EMA(closes, 50),
		RSI14:     RSI(closes, 14),
		ATR14:     ATR(bars, 14),
	}
	if first != 0 {
		snap.ChangePercent = (price/first - 1) * 100
	}
	snap.MACDLine, snap.MACDSignal, snap.MACDHist = MACD(closes, 12, 26, 9)
	snap.BollUpper, snap.BollMiddle, snap.BollLower = BollingerBands(closes, 20, 2)

	tail := 10
	if len(bars) < tail {
		tail = len(bars)
	}
	snap.RecentBars = bars[len(bars)-tail:]
	return snap, nil
}

// Format renders the snapshot as analysis text.
func (s *Snapshot) Format() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("=== %s %s Market Snapshot ===\n\n", s.Symbol, s.Timeframe))
	sb.WriteString(fmt.Sprintf("Current Price: $%.2f\n", s.Price))
	sb.WriteString(fmt.Sprintf("Window Change: %.2f%%\n\n", s.ChangePercent))

	sb.WriteString("--- Technical Indicators ---\n")
	sb.WriteString(fmt.Sprintf("EMA 20: $%.2f\n", s.EMA20))
	sb.WriteString(fmt.Sprintf("EMA 50: $%.2f\n", s.EMA50))
	sb.WriteString(fmt.Sprintf("EMA Trend: %s\n", map[bool]string{true: "BULLISH (EMA20 > EMA50)", false: "BEARISH (EMA20 < EMA50)"}[s.EMA20 > s.EMA50]))
	sb.WriteString(fmt.Sprintf("RSI (14): %.2f", s.RSI14))
	if s.RSI14 > 70 {
		sb.WriteString(" [OVERBOUGHT]\n")
	} else if s.RSI14 < 30 {
		sb.WriteString(" [OVERSOLD]\n")
	} else {
		sb.WriteString(" [NEUTRAL]\n")
	}
	sb.WriteString(fmt.Sprintf("MACD: %.4f\n", s.MACDLine))
	sb.WriteString(fmt.Sprintf("MACD Signal: %.4f\n", s.MACDSignal))
	sb.WriteString(fmt.Sprintf("MACD Histogram: %.4f", s.MACDHist))
	if s.MACDHist > 0 {
		sb.WriteString(" [BULLISH]\n")
	} else {
		sb.WriteString(" [BEARISH]\n")
	}
	sb.WriteString(fmt.Sprintf("Bollinger Bands: upper $%.2f / middle $%.2f / lower $%.2f\n", s.BollUpper, s.BollMiddle, s.BollLower))
	if s.Price > 0 {
		sb.WriteString(fmt.Sprintf("ATR (14): %.4f (Volatility: %.2f%%)\n\n", s.ATR14, (s.ATR14/s.Price)*100))
	} else {
		sb.WriteString(fmt.Sprintf("ATR (14): %.4f\n\n", s.ATR14))
	}

	sb.WriteString(fmt.Sprintf("--- Recent Price Action (Last %d Candles) ---\n", len(s.RecentBars)))
	for _, b := range s.RecentBars {
		change := 0.0
		if b.Open != 0 {
			change = ((b.Close - b.Open) / b.Open) * 100
		}
		candle := "GREEN"
		if b.Close < b.Open {
			candle = "RED"
		}
		sb.WriteString(fmt.Sprintf("  O:%.2f H:%.2f L:%.2f C:%.2f [%s %.2f%%]\n",
			b.Open, b.High, b.Low, b.Close, candle, change))
	}

	return sb.String()
}
