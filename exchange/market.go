package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// FetchTicker returns the current book top, mid price and mark price for a
// symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	sym := NormalizeSymbol(symbol)
	params := url.Values{}
	params.Set("symbol", sym)

	body, err := c.doRequestRetry(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", params, false)
	if err != nil {
		return nil, fmt.Errorf("fetch ticker %s: %w", sym, err)
	}
	var book struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
		Time     int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &book); err != nil {
		return nil, fmt.Errorf("parse book ticker %s: %w", sym, err)
	}

	params = url.Values{}
	params.Set("symbol", sym)
	body, err = c.doRequestRetry(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return nil, fmt.Errorf("fetch mark price %s: %w", sym, err)
	}
	var prem struct {
		MarkPrice string `json:"markPrice"`
		Time      int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &prem); err != nil {
		return nil, fmt.Errorf("parse mark price %s: %w", sym, err)
	}

	bid := parseFloat(book.BidPrice)
	ask := parseFloat(book.AskPrice)
	ticker := &Ticker{
		Symbol: sym,
		Bid:    bid,
		Ask:    ask,
		Last:   (bid + ask) / 2,
		Mark:   parseFloat(prem.MarkPrice),
		Time:   time.UnixMilli(prem.Time),
	}
	if ticker.Mark == 0 {
		ticker.Mark = ticker.Last
	}
	return ticker, nil
}

// FetchBars returns the most recent limit candles for a symbol.
func (c *Client) FetchBars(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	sym := NormalizeSymbol(symbol)
	if _, ok := Timeframes[timeframe]; !ok {
		return nil, fmt.Errorf("fetch bars %s: unsupported timeframe %q", sym, timeframe)
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1500 {
		limit = 1500
	}

	params := url.Values{}
	params.Set("symbol", sym)
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.doRequestRetry(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, fmt.Errorf("fetch bars %s %s: %w", sym, timeframe, err)
	}
	bars, err := parseKlines(body)
	if err != nil {
		return nil, fmt.Errorf("parse bars %s %s: %w", sym, timeframe, err)
	}
	return bars, nil
}

// HistoricalBars pages through klines between start and end, oldest first.
// Used by the backtest engine to load replay data.
func (c *Client) HistoricalBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]Bar, error) {
	const pageLimit = 1000

	sym := NormalizeSymbol(symbol)
	barDur, ok := Timeframes[timeframe]
	if !ok {
		return nil, fmt.Errorf("historical bars %s: unsupported timeframe %q", sym, timeframe)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("historical bars %s: end %v not after start %v", sym, end, start)
	}

	var bars []Bar
	cursor := start
	for cursor.Before(end) {
		params := url.Values{}
		params.Set("symbol", sym)
		params.Set("interval", timeframe)
		params.Set("startTime", strconv.FormatInt(cursor.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
		params.Set("limit", strconv.Itoa(pageLimit))

		body, err := c.doRequestRetry(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
		if err != nil {
			return nil, fmt.Errorf("historical bars %s %s: %w", sym, timeframe, err)
		}
		page, err := parseKlines(body)
		if err != nil {
			return nil, fmt.Errorf("historical bars %s %s: %w", sym, timeframe, err)
		}
		if len(page) == 0 {
			break
		}

		bars = append(bars, page...)
		next := page[len(page)-1].OpenTime.Add(barDur)
		if !next.After(cursor) {
			break
		}
		cursor = next
		if len(page) < pageLimit {
			break
		}

		// Spread pages out to stay under the request weight limit.
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return bars, nil
}

// parseKlines decodes the venue kline array-of-arrays format.
func parseKlines(body []byte) ([]Bar, error) {
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	bars := make([]Bar, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		openTime, ok0 := k[0].(float64)
		closeTime, ok6 := k[6].(float64)
		open, ok1 := k[1].(string)
		high, ok2 := k[2].(string)
		low, ok3 := k[3].(string)
		cls, ok4 := k[4].(string)
		vol, ok5 := k[5].(string)
		if !ok0 || !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
			continue
		}
		bars = append(bars, Bar{
			OpenTime:  time.UnixMilli(int64(openTime)),
			Open:      parseFloat(open),
			High:      parseFloat(high),
			Low:       parseFloat(low),
			Close:     parseFloat(cls),
			Volume:    parseFloat(vol),
			CloseTime: time.UnixMilli(int64(closeTime)),
		})
	}
	return bars, nil
}
