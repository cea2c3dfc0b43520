package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// minNotionalBumpCap bounds how far an order below the venue minimum may be
// bumped up: at most this multiple of the requested value.
const minNotionalBumpCap = 1.5

// NormalizeSymbol maps caller spellings like "BTC/USDT:USDT", "btc/usdt" or
// "btcusdt" to the venue form "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// AmountToPrecision rounds a quantity to the step size using banker's
// rounding.
func (f *SymbolFilters) AmountToPrecision(qty decimal.Decimal) decimal.Decimal {
	if f.StepSize.IsZero() {
		return qty
	}
	return qty.Div(f.StepSize).RoundBank(0).Mul(f.StepSize)
}

// PriceToPrecision rounds a price to the tick size: down for buys, up for
// sells, so the rounded price never crosses the intended one.
func (f *SymbolFilters) PriceToPrecision(price decimal.Decimal, buy bool) decimal.Decimal {
	if f.TickSize.IsZero() {
		return price
	}
	steps := price.Div(f.TickSize)
	if buy {
		steps = steps.RoundFloor(0)
	} else {
		steps = steps.RoundCeil(0)
	}
	return steps.Mul(f.TickSize)
}

// AdjustNotional bumps an order value up to the venue minimum when needed.
// A bump beyond minNotionalBumpCap times the requested value is refused.
func (f *SymbolFilters) AdjustNotional(notional decimal.Decimal) (decimal.Decimal, error) {
	if f.MinNotional.IsZero() || notional.GreaterThanOrEqual(f.MinNotional) {
		return notional, nil
	}
	limit := notional.Mul(decimal.NewFromFloat(minNotionalBumpCap))
	if f.MinNotional.GreaterThan(limit) {
		return notional, fmt.Errorf("order value %s below venue minimum %s, bump exceeds %.1fx cap",
			notional.String(), f.MinNotional.String(), minNotionalBumpCap)
	}
	return f.MinNotional, nil
}

// Filters returns the precision filters for a symbol, fetching and caching
// them on first use.
func (c *Client) Filters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	sym := NormalizeSymbol(symbol)

	c.mu.Lock()
	if f, ok := c.filters[sym]; ok {
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", sym)
	body, err := c.doRequestRetry(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, false)
	if err != nil {
		return nil, fmt.Errorf("fetch filters %s: %w", sym, err)
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse exchange info %s: %w", sym, err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != sym {
			continue
		}
		f := &SymbolFilters{Symbol: sym}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				f.TickSize = mustDecimal(flt.TickSize)
			case "LOT_SIZE":
				f.StepSize = mustDecimal(flt.StepSize)
			case "MIN_NOTIONAL":
				f.MinNotional = mustDecimal(flt.Notional)
			}
		}
		c.mu.Lock()
		c.filters[sym] = f
		c.mu.Unlock()
		log.Printf("[exchange] Filters for %s: step=%s tick=%s minNotional=%s",
			sym, f.StepSize.String(), f.TickSize.String(), f.MinNotional.String())
		return f, nil
	}
	return nil, &PermanentError{Op: "filters", Msg: fmt.Sprintf("symbol %s not listed", sym)}
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
