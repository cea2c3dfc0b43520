package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	// Transient failures are retried this many times with exponential
	// backoff starting at retryBaseDelay.
	maxAttempts    = 3
	retryBaseDelay = 500 * time.Millisecond
)

// Client talks to the Binance USDT-M futures API. It signs requests with
// HMAC-SHA256 using a server-synchronized clock, retries transient failures
// and serializes order placement per symbol.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	timeOffset atomic.Int64 // server time minus local time, milliseconds

	mu         sync.Mutex
	filters    map[string]*SymbolFilters
	orderLocks map[string]*sync.Mutex
}

// NewClient builds a client for the live venue, or the testnet when testnet
// is true.
func NewClient(apiKey, secretKey string, testnet bool) *Client {
	baseURL := mainnetBaseURL
	if testnet {
		baseURL = testnetBaseURL
	}

	c := &Client{
		apiKey:    apiKey,
		secretKey: secretKey,
		baseURL:   baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		filters:    make(map[string]*SymbolFilters),
		orderLocks: make(map[string]*sync.Mutex),
	}

	if err := c.syncServerTime(context.Background()); err != nil {
		log.Printf("[exchange] Server time sync failed, using local clock: %v", err)
	}

	return c
}

// syncServerTime measures the offset between the venue clock and the local
// clock. Signed requests use it so timestamps stay inside the recv window.
func (c *Client) syncServerTime(ctx context.Context) error {
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return err
	}

	var st struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("parse server time: %w", err)
	}

	offset := st.ServerTime - time.Now().UnixMilli()
	c.timeOffset.Store(offset)
	log.Printf("[exchange] Server time offset: %dms", offset)
	return nil
}

func (c *Client) timestamp() int64 {
	return time.Now().UnixMilli() + c.timeOffset.Load()
}

// sign computes the HMAC-SHA256 signature over the encoded query string.
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// doRequest performs a single API call. Non-2xx responses and network
// failures come back classified as TransientError or PermanentError.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	op := method + " " + endpoint

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.timestamp(), 10))
		params.Set("recvWindow", "5000")
	}

	query := params.Encode()
	if signed {
		query += "&signature=" + c.sign(query)
	}

	reqURL := c.baseURL + endpoint
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		if ae.Code == codeTimestampOutOfWindow {
			if serr := c.syncServerTime(ctx); serr != nil {
				log.Printf("[exchange] Clock resync after timestamp rejection failed: %v", serr)
			}
		}
		return nil, classifyHTTP(op, resp.StatusCode, body)
	}

	return body, nil
}

// doRequestRetry wraps doRequest with exponential backoff on transient
// failures. Permanent rejections return immediately.
func (c *Client) doRequestRetry(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		body, err := c.doRequest(ctx, method, endpoint, params, signed)
		if err == nil {
			return body, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err

		if attempt == maxAttempts-1 {
			break
		}
		delay := retryBaseDelay * (1 << attempt)
		log.Printf("[exchange] %s %s failed (attempt %d/%d), retrying in %v: %v",
			method, endpoint, attempt+1, maxAttempts, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// FetchBalance returns the USDT futures wallet state.
func (c *Client) FetchBalance(ctx context.Context) (*Balance, error) {
	body, err := c.doRequestRetry(ctx, http.MethodGet, "/fapi/v2/account", nil, true)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}

	var acct struct {
		TotalWalletBalance    string `json:"totalWalletBalance"`
		AvailableBalance      string `json:"availableBalance"`
		TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}

	total := parseFloat(acct.TotalWalletBalance)
	free := parseFloat(acct.AvailableBalance)
	return &Balance{
		Total:         total,
		Free:          free,
		Used:          total - free,
		UnrealizedPnL: parseFloat(acct.TotalUnrealizedProfit),
	}, nil
}

// FetchPosition returns the open position for a symbol, or nil when flat.
func (c *Client) FetchPosition(ctx context.Context, symbol string) (*Position, error) {
	sym := NormalizeSymbol(symbol)
	params := url.Values{}
	params.Set("symbol", sym)

	body, err := c.doRequestRetry(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return nil, fmt.Errorf("fetch position %s: %w", sym, err)
	}

	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		Notional         string `json:"notional"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}

	for _, p := range raw {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := SideLong
		qty := amt
		if amt < 0 {
			side = SideShort
			qty = -amt
		}
		notional := parseFloat(p.Notional)
		if notional < 0 {
			notional = -notional
		}
		return &Position{
			Symbol:        p.Symbol,
			Side:          side,
			EntryPrice:    parseFloat(p.EntryPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			Quantity:      qty,
			Notional:      notional,
			Leverage:      int(parseFloat(p.Leverage)),
			UnrealizedPnL: parseFloat(p.UnRealizedProfit),
		}, nil
	}
	return nil, nil
}

// ConfigureLeverage sets the leverage multiplier for a symbol. Safe to call
// repeatedly with the same value.
func (c *Client) ConfigureLeverage(ctx context.Context, symbol string, leverage int) error {
	sym := NormalizeSymbol(symbol)
	params := url.Values{}
	params.Set("symbol", sym)
	params.Set("leverage", strconv.Itoa(leverage))

	if _, err := c.doRequestRetry(ctx, http.MethodPost, "/fapi/v1/leverage", params, true); err != nil {
		return fmt.Errorf("set leverage %dx for %s: %w", leverage, sym, err)
	}
	log.Printf("[exchange] Leverage for %s set to %dx", sym, leverage)
	return nil
}

func (c *Client) orderLock(symbol string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.orderLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		c.orderLocks[symbol] = l
	}
	return l
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
