package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position sides as seen by callers. Order sides (BUY/SELL) are an internal
// concern of the venue mapping.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Ticker is a point-in-time price snapshot for one contract.
type Ticker struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Mark   float64   `json:"mark"`
	Time   time.Time `json:"time"`
}

// Bar is one OHLCV candle.
type Bar struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// Fill is the executed result of a market order.
type Fill struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // position side the fill acts on
	OrderID       int64     `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	Notional      float64   `json:"notional"`
	Time          time.Time `json:"time"`
}

// Position is an open contract position at the venue.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	Quantity      float64 `json:"quantity"`
	Notional      float64 `json:"notional"`
	Leverage      int     `json:"leverage"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Balance is the USDT futures wallet state.
type Balance struct {
	Total         float64 `json:"total"`
	Free          float64 `json:"free"`
	Used          float64 `json:"used"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// SymbolFilters carries the venue-declared precision and size limits for one
// contract, fetched from exchangeInfo and cached for the process lifetime.
type SymbolFilters struct {
	Symbol      string
	StepSize    decimal.Decimal // quantity increment
	TickSize    decimal.Decimal // price increment
	MinNotional decimal.Decimal // minimum order value in quote currency
}

// Timeframes maps the supported kline intervals to their bar duration.
var Timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// TimeframeDuration returns the bar duration for a supported interval.
func TimeframeDuration(timeframe string) (time.Duration, bool) {
	d, ok := Timeframes[timeframe]
	return d, ok
}
