package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type orderResult struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cumQuote"`
	UpdateTime    int64  `json:"updateTime"`
}

// placeMarketOrder sends one MARKET order. The client order id is generated
// once before the retry loop, so a retried timeout cannot double-fill: the
// venue rejects the duplicate id instead.
func (c *Client) placeMarketOrder(ctx context.Context, symbol, orderSide string, quantity decimal.Decimal, reduceOnly bool) (*orderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", orderSide)
	params.Set("type", "MARKET")
	params.Set("quantity", quantity.String())
	params.Set("newClientOrderId", uuid.NewString())
	params.Set("newOrderRespType", "RESULT")
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.doRequestRetry(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	var res orderResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}
	return &res, nil
}

func fillFromOrder(symbol, side string, res *orderResult) *Fill {
	price := parseFloat(res.AvgPrice)
	qty := parseFloat(res.ExecutedQty)
	notional := parseFloat(res.CumQuote)
	if notional == 0 {
		notional = price * qty
	}
	return &Fill{
		Symbol:        symbol,
		Side:          side,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Price:         price,
		Quantity:      qty,
		Notional:      notional,
		Time:          time.UnixMilli(res.UpdateTime),
	}
}

// OpenMarket opens or grows a position by market order. The notional is in
// quote currency; it is converted to contracts at the precision-adjusted
// mark price, bumped to the venue minimum when allowed, and rounded to the
// lot step.
func (c *Client) OpenMarket(ctx context.Context, symbol, side string, notional float64) (*Fill, error) {
	sym := NormalizeSymbol(symbol)
	lock := c.orderLock(sym)
	lock.Lock()
	defer lock.Unlock()

	filters, err := c.Filters(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sym, err)
	}
	ticker, err := c.FetchTicker(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sym, err)
	}

	buy := side == SideLong
	ref := filters.PriceToPrecision(decimal.NewFromFloat(ticker.Mark), buy)
	if ref.IsZero() {
		return nil, &PermanentError{Op: "open", Msg: fmt.Sprintf("no mark price for %s", sym)}
	}

	requested := decimal.NewFromFloat(notional)
	value, err := filters.AdjustNotional(requested)
	if err != nil {
		return nil, &PermanentError{Op: "open", Msg: err.Error()}
	}
	if !value.Equal(requested) {
		log.Printf("[exchange] %s order value bumped to venue minimum: %s -> %s",
			sym, requested.String(), value.String())
	}

	qty := filters.AmountToPrecision(value.Div(ref))
	if qty.IsZero() {
		return nil, &PermanentError{Op: "open", Msg: fmt.Sprintf("quantity for %s %s rounds to zero", value.String(), sym)}
	}

	orderSide := "BUY"
	if !buy {
		orderSide = "SELL"
	}
	res, err := c.placeMarketOrder(ctx, sym, orderSide, qty, false)
	if err != nil {
		return nil, fmt.Errorf("open %s %s: %w", sym, side, err)
	}

	fill := fillFromOrder(sym, side, res)
	log.Printf("[exchange] Opened %s %s: qty=%s avg=%.4f value=%.2f",
		sym, side, qty.String(), fill.Price, fill.Notional)
	return fill, nil
}

// CloseMarket closes the whole open position for symbol+side with a
// reduce-only market order. Returns ErrNoPosition when the venue is flat.
func (c *Client) CloseMarket(ctx context.Context, symbol, side string) (*Fill, error) {
	sym := NormalizeSymbol(symbol)
	lock := c.orderLock(sym)
	lock.Lock()
	defer lock.Unlock()

	pos, err := c.FetchPosition(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("close %s: %w", sym, err)
	}
	if pos == nil || pos.Side != side {
		return nil, fmt.Errorf("close %s %s: %w", sym, side, ErrNoPosition)
	}

	filters, err := c.Filters(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("close %s: %w", sym, err)
	}
	qty := filters.AmountToPrecision(decimal.NewFromFloat(pos.Quantity))

	orderSide := "SELL"
	if side == SideShort {
		orderSide = "BUY"
	}
	res, err := c.placeMarketOrder(ctx, sym, orderSide, qty, true)
	if err != nil {
		return nil, fmt.Errorf("close %s %s: %w", sym, side, err)
	}

	fill := fillFromOrder(sym, side, res)
	log.Printf("[exchange] Closed %s %s: qty=%s avg=%.4f", sym, side, qty.String(), fill.Price)
	return fill, nil
}

// ReducePosition shrinks the open position by quantity contracts without
// closing it. Quantities beyond the open size are clamped.
func (c *Client) ReducePosition(ctx context.Context, symbol, side string, quantity float64) (*Fill, error) {
	sym := NormalizeSymbol(symbol)
	lock := c.orderLock(sym)
	lock.Lock()
	defer lock.Unlock()

	pos, err := c.FetchPosition(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("reduce %s: %w", sym, err)
	}
	if pos == nil || pos.Side != side {
		return nil, fmt.Errorf("reduce %s %s: %w", sym, side, ErrNoPosition)
	}
	if quantity > pos.Quantity {
		quantity = pos.Quantity
	}

	filters, err := c.Filters(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("reduce %s: %w", sym, err)
	}
	qty := filters.AmountToPrecision(decimal.NewFromFloat(quantity))
	if qty.IsZero() {
		return nil, &PermanentError{Op: "reduce", Msg: fmt.Sprintf("quantity %.8f for %s rounds to zero", quantity, sym)}
	}

	orderSide := "SELL"
	if side == SideShort {
		orderSide = "BUY"
	}
	res, err := c.placeMarketOrder(ctx, sym, orderSide, qty, true)
	if err != nil {
		return nil, fmt.Errorf("reduce %s %s: %w", sym, side, err)
	}

	fill := fillFromOrder(sym, side, res)
	log.Printf("[exchange] Reduced %s %s by qty=%s avg=%.4f", sym, side, qty.String(), fill.Price)
	return fill, nil
}
