package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/marginbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BITFINEX REST CLIENT - authenticated v2 API with bounded retry
// ═══════════════════════════════════════════════════════════════════════════════

const (
	maxRetries = 10
	baseDelay  = time.Second
)

// APIError is returned when a request fails after exhausting retries.
type APIError struct {
	Message    string
	RetryCount int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitfinex api: %s (after %d retries)", e.Message, e.RetryCount)
}

// Client talks to the Bitfinex v2 REST API. Write endpoints report
// success as a bool and never return an error; fetch endpoints
// propagate errors after the retry budget is spent.
type Client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *http.Client
	nonce     func() string
}

// NewClient creates a REST client with the given credentials.
func NewClient(apiKey, apiSecret, baseURL string) *Client {
	return &Client{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 30 * time.Second},
		nonce: func() string {
			return fmt.Sprintf("%d", time.Now().UnixMicro())
		},
	}
}

// sign computes the HMAC-SHA384 request signature over
// "/api" + path + nonce + body.
func (c *Client) sign(path, nonce, body string) string {
	mac := hmac.New(sha512.New384, []byte(c.apiSecret))
	mac.Write([]byte("/api" + path + nonce + body))
	return hex.EncodeToString(mac.Sum(nil))
}

// request sends an authenticated request, retrying transient transport
// failures with exponential backoff.
func (c *Client) request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		raw, err := c.requestOnce(ctx, method, path, body)
		if err == nil {
			return raw, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		delay := baseDelay * time.Duration(1<<attempt)
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max", maxRetries).
			Str("path", path).
			Msg("API request failed, backing off")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, &APIError{Message: lastErr.Error(), RetryCount: maxRetries}
}

func (c *Client) requestOnce(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	payload := "{}"
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = string(raw)
	}

	nonce := c.nonce()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("bfx-nonce", nonce)
	req.Header.Set("bfx-apikey", c.apiKey)
	req.Header.Set("bfx-signature", c.sign(path, nonce, payload))
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// requestPublic sends an unauthenticated GET, with the same retry
// policy as authenticated requests.
func (c *Client) requestPublic(ctx context.Context, path string) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err == nil {
			data, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr == nil && resp.StatusCode < 400 {
				return data, nil
			}
			if readErr != nil {
				err = readErr
			} else {
				err = fmt.Errorf("status %d: %s", resp.StatusCode, string(data))
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(baseDelay * time.Duration(1<<attempt)):
		}
	}

	return nil, &APIError{Message: lastErr.Error(), RetryCount: maxRetries}
}

// FullSymbol maps a short base symbol to the derivatives pair,
// e.g. "BTC" -> "tBTCF0:USTF0".
func (c *Client) FullSymbol(symbol string) string {
	return "t" + symbol + "F0:USTF0"
}

// ShortSymbol extracts the base symbol from a derivatives pair,
// e.g. "tBTCF0:USTF0" -> "BTC".
func ShortSymbol(fullSymbol string) string {
	s := strings.TrimPrefix(fullSymbol, "t")
	if idx := strings.Index(s, "F0"); idx >= 0 {
		return s[:idx]
	}
	return s
}

// parsePosition decodes one raw position frame:
// [0] SYMBOL, [1] STATUS, [2] AMOUNT, [3] BASE_PRICE, [6] PL,
// [9] LEVERAGE, [16] PRICE, [17] COLLATERAL.
func parsePosition(raw []any) (types.Position, error) {
	if len(raw) < 18 {
		return types.Position{}, fmt.Errorf("position frame too short: %d fields", len(raw))
	}

	fullSymbol, ok := raw[0].(string)
	if !ok {
		return types.Position{}, fmt.Errorf("position frame has no symbol")
	}

	amount := frameDecimal(raw[2])
	side := types.Long
	if amount.IsNegative() {
		side = types.Short
	}

	entryPrice := frameDecimal(raw[3])
	currentPrice := frameDecimal(raw[16])
	if currentPrice.IsZero() {
		currentPrice = entryPrice
	}

	leverage := 1
	if lv := frameDecimal(raw[9]); !lv.IsZero() {
		leverage = int(lv.IntPart())
	}

	return types.Position{
		Symbol:        ShortSymbol(fullSymbol),
		Side:          side,
		Quantity:      amount.Abs(),
		EntryPrice:    entryPrice,
		CurrentPrice:  currentPrice,
		Margin:        frameDecimal(raw[17]),
		Leverage:      leverage,
		UnrealizedPnL: frameDecimal(raw[6]),
	}, nil
}

// frameDecimal converts a frame field (JSON number or null) to decimal.
func frameDecimal(v any) decimal.Decimal {
	f, ok := v.(float64)
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f)
}

// ListPositions returns the account's ACTIVE derivative positions.
func (c *Client) ListPositions(ctx context.Context) ([]types.Position, error) {
	raw, err := c.request(ctx, http.MethodPost, "/v2/auth/r/positions", nil)
	if err != nil {
		return nil, err
	}

	var frames [][]any
	if err := json.Unmarshal(raw, &frames); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}

	var positions []types.Position
	for _, frame := range frames {
		if len(frame) < 2 || frame[1] != "ACTIVE" {
			continue
		}
		pos, err := parsePosition(frame)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping malformed position frame")
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// AvailableBalance returns the derivatives wallet's available USDt.
func (c *Client) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	raw, err := c.request(ctx, http.MethodPost, "/v2/auth/r/wallets", nil)
	if err != nil {
		return decimal.Zero, err
	}

	var wallets [][]any
	if err := json.Unmarshal(raw, &wallets); err != nil {
		return decimal.Zero, fmt.Errorf("parse wallets: %w", err)
	}

	for _, w := range wallets {
		if len(w) < 5 {
			continue
		}
		walletType, _ := w[0].(string)
		currency, _ := w[1].(string)
		if walletType == "deriv" && (currency == "UST" || currency == "USDt") {
			return frameDecimal(w[4]), nil
		}
	}
	return decimal.Zero, nil
}

// AccountInfo summarizes equity, margin and balance for the preflight
// check and the daily report.
type AccountInfo struct {
	TotalEquity      decimal.Decimal
	TotalMargin      decimal.Decimal
	AvailableBalance decimal.Decimal
	PositionCount    int
}

// GetAccountInfo fetches positions and balance and derives totals.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	positions, err := c.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	available, err := c.AvailableBalance(ctx)
	if err != nil {
		return nil, err
	}

	totalMargin := types.TotalMargin(positions)
	return &AccountInfo{
		TotalEquity:      available.Add(totalMargin),
		TotalMargin:      totalMargin,
		AvailableBalance: available,
		PositionCount:    len(positions),
	}, nil
}

// Candles returns daily close prices for a trading pair, most recent
// first, via the public candles endpoint.
func (c *Client) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error) {
	path := fmt.Sprintf("/v2/candles/trade:%s:%s/hist?limit=%d", timeframe, symbol, limit)
	raw, err := c.requestPublic(ctx, path)
	if err != nil {
		return nil, err
	}

	var frames [][]any
	if err := json.Unmarshal(raw, &frames); err != nil {
		return nil, fmt.Errorf("parse candles: %w", err)
	}

	// Frame layout: [MTS, OPEN, CLOSE, HIGH, LOW, VOLUME].
	closes := make([]float64, 0, len(frames))
	for _, frame := range frames {
		if len(frame) < 3 {
			continue
		}
		if close, ok := frame[2].(float64); ok {
			closes = append(closes, close)
		}
	}
	return closes, nil
}

// AdjustMargin moves isolated collateral on a position by delta
// (positive adds, negative frees). Returns true only when the exchange
// acknowledges SUCCESS; any failure is reported as false.
func (c *Client) AdjustMargin(ctx context.Context, fullSymbol string, delta decimal.Decimal) bool {
	body := map[string]string{
		"symbol": fullSymbol,
		"delta":  delta.String(),
	}

	raw, err := c.request(ctx, http.MethodPost, "/v2/auth/w/deriv/collateral/set", body)
	if err != nil {
		log.Error().Err(err).Str("symbol", fullSymbol).Msg("Collateral adjustment failed")
		return false
	}
	return frameSuccess(raw)
}

// ClosePosition submits a market order opposite to the position side:
// long positions sell, short positions buy.
func (c *Client) ClosePosition(ctx context.Context, fullSymbol string, side types.Side, quantity decimal.Decimal) bool {
	amount := quantity
	if side == types.Long {
		amount = quantity.Neg()
	}

	body := map[string]any{
		"type":   "MARKET",
		"symbol": fullSymbol,
		"amount": amount.String(),
		"flags":  0,
	}

	raw, err := c.request(ctx, http.MethodPost, "/v2/auth/w/order/submit", body)
	if err != nil {
		log.Error().Err(err).Str("symbol", fullSymbol).Msg("Close order failed")
		return false
	}
	return frameSuccess(raw)
}

// frameSuccess checks the notification frame's status field (index 6).
func frameSuccess(raw json.RawMessage) bool {
	var frame []any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return false
	}
	if len(frame) <= 6 {
		return false
	}
	status, _ := frame[6].(string)
	return status == "SUCCESS"
}
