package market

import (
	"math"
	"strings"
	"testing"
	"time"

	"futures-supervisor/exchange"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSMA(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		period int
		want   float64
	}{
		{"last three of five", []float64{1, 2, 3, 4, 5}, 3, 4},
		{"whole series", []float64{2, 4, 6}, 3, 4},
		{"short series averages what exists", []float64{3, 5}, 10, 4},
		{"empty", nil, 5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SMA(tt.prices, tt.period); !almostEqual(got, tt.want) {
				t.Errorf("SMA(%v, %d) = %v, want %v", tt.prices, tt.period, got, tt.want)
			}
		})
	}
}

func TestEMA(t *testing.T) {
	// Seed = avg(1,2,3) = 2, multiplier = 0.5:
	// after 4: (4-2)*0.5+2 = 3; after 5: (5-3)*0.5+3 = 4.
	got := EMA([]float64{1, 2, 3, 4, 5}, 3)
	if !almostEqual(got, 4) {
		t.Errorf("EMA = %v, want 4", got)
	}

	if got := EMA(nil, 3); got != 0 {
		t.Errorf("EMA(empty) = %v, want 0", got)
	}
}

func TestRSI(t *testing.T) {
	// Alternating +1/-1 moves with period 2:
	// avgGain 0.5 -> 0.75 -> 0.375, avgLoss 0.5 -> 0.25 -> 0.625,
	// RS = 0.6, RSI = 37.5.
	got := RSI([]float64{10, 11, 10, 11, 10}, 2)
	if !almostEqual(got, 37.5) {
		t.Errorf("RSI = %v, want 37.5", got)
	}

	if got := RSI([]float64{1, 2, 3, 4, 5}, 3); !almostEqual(got, 100) {
		t.Errorf("RSI(all gains) = %v, want 100", got)
	}
	if got := RSI([]float64{5, 4, 3, 2, 1}, 3); !almostEqual(got, 0) {
		t.Errorf("RSI(all losses) = %v, want 0", got)
	}
	if got := RSI([]float64{1, 2}, 14); !almostEqual(got, 50) {
		t.Errorf("RSI(insufficient data) = %v, want neutral 50", got)
	}
}

func TestMACD(t *testing.T) {
	flat := make([]float64, 60)
	for i := range flat {
		flat[i] = 100
	}
	line, signal, hist := MACD(flat, 12, 26, 9)
	if !almostEqual(line, 0) || !almostEqual(signal, 0) || !almostEqual(hist, 0) {
		t.Errorf("MACD(flat) = %v/%v/%v, want zeros", line, signal, hist)
	}

	rising := make([]float64, 60)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	line, signal, hist = MACD(rising, 12, 26, 9)
	if line <= 0 {
		t.Errorf("MACD line on rising series = %v, want > 0", line)
	}
	if !almostEqual(hist, line-signal) {
		t.Errorf("histogram = %v, want line-signal = %v", hist, line-signal)
	}

	line, signal, hist = MACD([]float64{1, 2}, 12, 26, 9)
	if line != 0 || signal != 0 || hist != 0 {
		t.Errorf("MACD(insufficient) = %v/%v/%v, want zeros", line, signal, hist)
	}
}

func TestBollingerBands(t *testing.T) {
	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 5
	}
	upper, middle, lower := BollingerBands(flat, 20, 2)
	if !almostEqual(upper, 5) || !almostEqual(middle, 5) || !almostEqual(lower, 5) {
		t.Errorf("bands on flat series = %v/%v/%v, want all 5", upper, middle, lower)
	}

	upper, middle, lower = BollingerBands([]float64{1, 2}, 20, 2)
	if upper != 0 || middle != 0 || lower != 0 {
		t.Errorf("bands on short series = %v/%v/%v, want zeros", upper, middle, lower)
	}
}

func TestVolatility(t *testing.T) {
	// Mean 5, variance 4, standard deviation 2.
	got := Volatility([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if !almostEqual(got, 2) {
		t.Errorf("Volatility = %v, want 2", got)
	}
	if got := Volatility([]float64{1}); got != 0 {
		t.Errorf("Volatility(single value) = %v, want 0", got)
	}
}

func TestReturns(t *testing.T) {
	got := Returns([]float64{100, 110, 99})
	want := []float64{0.1, -0.1}
	if len(got) != len(want) {
		t.Fatalf("Returns length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !almostEqual(got[i], want[i]) {
			t.Errorf("Returns[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func makeBars(closes []float64) []exchange.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]exchange.Bar, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		bars[i] = exchange.Bar{
			OpenTime:  start.Add(time.Duration(i) * time.Minute),
			Open:      open,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    10,
			CloseTime: start.Add(time.Duration(i+1)*time.Minute - time.Millisecond),
		}
	}
	return bars
}

func TestATR(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100
	}
	// Every bar spans high 101 to low 99 around a flat close: TR = 2.
	got := ATR(makeBars(closes), 14)
	if !almostEqual(got, 2) {
		t.Errorf("ATR = %v, want 2", got)
	}

	if got := ATR(makeBars([]float64{100, 100}), 14); got != 0 {
		t.Errorf("ATR(insufficient) = %v, want 0", got)
	}
}

func TestBuildSnapshot(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	bars := makeBars(closes)

	snap, err := BuildSnapshot("BTCUSDT", "5m", bars)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	if snap.Price != 159 {
		t.Errorf("price = %v, want 159", snap.Price)
	}
	if snap.ChangePercent <= 0 {
		t.Errorf("change over rising window = %v, want > 0", snap.ChangePercent)
	}
	if snap.RSI14 <= 50 {
		t.Errorf("RSI on rising window = %v, want > 50", snap.RSI14)
	}
	if snap.EMA20 <= snap.EMA50 {
		t.Errorf("EMA20 %v should exceed EMA50 %v on a rising window", snap.EMA20, snap.EMA50)
	}
	if len(snap.RecentBars) != 10 {
		t.Errorf("recent bars = %d, want 10", len(snap.RecentBars))
	}

	text := snap.Format()
	for _, needle := range []string{"BTCUSDT", "Current Price", "RSI (14)", "MACD", "Recent Price Action"} {
		if !strings.Contains(text, needle) {
			t.Errorf("formatted snapshot missing %q", needle)
		}
	}

	if _, err := BuildSnapshot("BTCUSDT", "5m", bars[:1]); err == nil {
		t.Error("expected error for single-bar window")
	}
}
