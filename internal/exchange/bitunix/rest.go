// Package bitunix adapts the Bitunix futures REST and WebSocket APIs to
// the normalized exchange capability contract. All payload-shape
// handling stays inside this package.
package bitunix

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/huyquangict/nof1.ai/internal/exchange"
)

// Client talks to the Bitunix futures REST API and implements
// exchange.Client.
type Client struct {
	key, secret, base string
	rest              *resty.Client

	mu        sync.RWMutex
	contracts map[string]exchange.ContractInfo
}

// NewREST builds a REST client with the given credentials and timeout.
func NewREST(key, secret, base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	return &Client{
		key:       key,
		secret:    secret,
		base:      base,
		rest:      r,
		contracts: make(map[string]exchange.ContractInfo),
	}
}

// envelope is the common Bitunix response wrapper.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e envelope) err() error {
	if e.Code != 0 {
		return fmt.Errorf("bitunix: %d %s", e.Code, e.Msg)
	}
	return nil
}

func (c *Client) signedHeaders(query map[string]string, body []byte) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := ts
	return map[string]string{
		"api-key":   c.key,
		"nonce":     nonce,
		"timestamp": ts,
		"sign":      Sign(c.secret, nonce, ts, c.key, canonicalQuery(query), string(body)),
	}
}

// signedPost marshals body once so the bytes that are signed are the
// bytes that go on the wire.
func (c *Client) signedPost(ctx context.Context, path string, body any, out any) (*resty.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.rest.R().
		SetContext(ctx).
		SetHeaders(c.signedHeaders(nil, payload)).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(out).
		Post(c.base + path)
}

// NormalizeSymbol maps a core symbol ("BTC" or "BTCUSDT") to the
// exchange-native form.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !strings.HasSuffix(s, "USDT") {
		s += "USDT"
	}
	return s
}

// CoreSymbol maps an exchange-native symbol back to the core form.
func CoreSymbol(native string) string {
	return strings.TrimSuffix(strings.ToUpper(native), "USDT")
}

// Ticker fetches the latest ticker and validates it before it crosses
// the adapter boundary.
func (c *Client) Ticker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	var out struct {
		envelope
		Data struct {
			LastPrice float64 `json:"lastPrice,string"`
			MarkPrice float64 `json:"markPrice,string"`
			Ts        int64   `json:"time"`
		} `json:"data"`
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("symbol", NormalizeSymbol(symbol)).
		SetResult(&out).
		Get(c.base + "/api/v1/futures/market/ticker")
	if err != nil {
		return exchange.Ticker{}, &exchange.MarketDataError{Symbol: symbol, Err: err}
	}
	if resp.StatusCode() != 200 {
		return exchange.Ticker{}, &exchange.MarketDataError{Symbol: symbol, Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	if err := out.err(); err != nil {
		return exchange.Ticker{}, &exchange.MarketDataError{Symbol: symbol, Err: err}
	}
	if err := exchange.ValidatePrice(symbol, out.Data.LastPrice); err != nil {
		return exchange.Ticker{}, err
	}

	mark := out.Data.MarkPrice
	if mark <= 0 {
		mark = out.Data.LastPrice
	}
	return exchange.Ticker{
		Symbol:    NormalizeSymbol(symbol),
		LastPrice: out.Data.LastPrice,
		MarkPrice: mark,
		Ts:        time.UnixMilli(out.Data.Ts),
	}, nil
}

// Candles fetches up to limit klines for the interval.
func (c *Client) Candles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	var out struct {
		envelope
		Data []struct {
			Time   int64   `json:"time"`
			Open   float64 `json:"open,string"`
			High   float64 `json:"high,string"`
			Low    float64 `json:"low,string"`
			Close  float64 `json:"close,string"`
			Volume float64 `json:"baseVol,string"`
		} `json:"data"`
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   NormalizeSymbol(symbol),
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&out).
		Get(c.base + "/api/v1/futures/market/kline")
	if err != nil {
		return nil, &exchange.MarketDataError{Symbol: symbol, Err: err}
	}
	if resp.StatusCode() != 200 {
		return nil, &exchange.MarketDataError{Symbol: symbol, Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	if err := out.err(); err != nil {
		return nil, &exchange.MarketDataError{Symbol: symbol, Err: err}
	}

	candles := make([]exchange.Candle, 0, len(out.Data))
	for _, k := range out.Data {
		candles = append(candles, exchange.Candle{
			OpenTime: time.UnixMilli(k.Time),
			Open:     k.Open,
			High:     k.High,
			Low:      k.Low,
			Close:    k.Close,
			Volume:   k.Volume,
		})
	}
	return candles, nil
}

// FundingRate fetches the current funding rate for a symbol.
func (c *Client) FundingRate(ctx context.Context, symbol string) (exchange.FundingRate, error) {
	var out struct {
		envelope
		Data struct {
			FundingRate float64 `json:"fundingRate,string"`
			NextTime    int64   `json:"nextFundingTime"`
		} `json:"data"`
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("symbol", NormalizeSymbol(symbol)).
		SetResult(&out).
		Get(c.base + "/api/v1/futures/market/funding_rate")
	if err != nil {
		return exchange.FundingRate{}, &exchange.MarketDataError{Symbol: symbol, Err: err}
	}
	if resp.StatusCode() != 200 {
		return exchange.FundingRate{}, &exchange.MarketDataError{Symbol: symbol, Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	if err := out.err(); err != nil {
		return exchange.FundingRate{}, &exchange.MarketDataError{Symbol: symbol, Err: err}
	}
	return exchange.FundingRate{
		Symbol:      NormalizeSymbol(symbol),
		Rate:        out.Data.FundingRate,
		NextFunding: time.UnixMilli(out.Data.NextTime),
	}, nil
}

// Account returns the normalized account state. TotalBalance is the
// realized wallet balance as reported by the exchange; unrealized PnL
// stays separate per the Account contract.
func (c *Client) Account(ctx context.Context) (exchange.Account, error) {
	var out struct {
		envelope
		Data struct {
			Available     float64 `json:"available,string"`
			Margin        float64 `json:"margin,string"`
			Frozen        float64 `json:"frozen,string"`
			UnrealizedPnl float64 `json:"crossUnrealizedPNL,string"`
		} `json:"data"`
	}

	query := map[string]string{"marginCoin": "USDT"}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeaders(c.signedHeaders(query, nil)).
		SetQueryParams(query).
		SetResult(&out).
		Get(c.base + "/api/v1/futures/account")
	if err != nil {
		return exchange.Account{}, fmt.Errorf("fetch account: %w", err)
	}
	if resp.StatusCode() != 200 {
		return exchange.Account{}, fmt.Errorf("fetch account: status %d", resp.StatusCode())
	}
	if err := out.err(); err != nil {
		return exchange.Account{}, err
	}

	return exchange.Account{
		TotalBalance:     out.Data.Available + out.Data.Margin + out.Data.Frozen,
		AvailableBalance: out.Data.Available,
		UnrealizedPnl:    out.Data.UnrealizedPnl,
	}, nil
}

// Positions returns open positions, already filtered to non-zero
// quantity.
func (c *Client) Positions(ctx context.Context) ([]exchange.Position, error) {
	var out struct {
		envelope
		Data []struct {
			Symbol           string  `json:"symbol"`
			Side             string  `json:"side"`
			Qty              float64 `json:"qty,string"`
			EntryPrice       float64 `json:"avgOpenPrice,string"`
			MarkPrice        float64 `json:"markPrice,string"`
			Leverage         int     `json:"leverage"`
			LiquidationPrice float64 `json:"liqPrice,string"`
			UnrealizedPnl    float64 `json:"unrealizedPNL,string"`
		} `json:"data"`
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeaders(c.signedHeaders(nil, nil)).
		SetResult(&out).
		Get(c.base + "/api/v1/futures/position/get_pending_positions")
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch positions: status %d", resp.StatusCode())
	}
	if err := out.err(); err != nil {
		return nil, err
	}

	positions := make([]exchange.Position, 0, len(out.Data))
	for _, p := range out.Data {
		if p.Qty == 0 {
			continue
		}
		side := exchange.Long
		if strings.EqualFold(p.Side, "SELL") || strings.EqualFold(p.Side, "short") {
			side = exchange.Short
		}
		positions = append(positions, exchange.Position{
			Symbol:           NormalizeSymbol(p.Symbol),
			Side:             side,
			Quantity:         p.Qty,
			EntryPrice:       p.EntryPrice,
			MarkPrice:        p.MarkPrice,
			Leverage:         p.Leverage,
			LiquidationPrice: p.LiquidationPrice,
			UnrealizedPnl:    p.UnrealizedPnl,
		})
	}
	return positions, nil
}

// PlaceOrder submits an order. Price zero maps to a MARKET order.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	orderType := "MARKET"
	body := map[string]any{
		"symbol":     NormalizeSymbol(req.Symbol),
		"side":       string(req.Side),
		"qty":        strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"orderType":  orderType,
		"reduceOnly": req.ReduceOnly,
	}
	if req.Price > 0 {
		body["orderType"] = "LIMIT"
		body["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	if req.ClientID != "" {
		body["clientId"] = req.ClientID
	}

	var out struct {
		envelope
		Data struct {
			OrderID string `json:"orderId"`
		} `json:"data"`
	}

	resp, err := c.signedPost(ctx, "/api/v1/futures/trade/place_order", body, &out)
	if err != nil {
		return exchange.Order{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != 200 {
		return exchange.Order{}, fmt.Errorf("place order: status %d, body %s", resp.StatusCode(), resp.String())
	}
	if err := out.err(); err != nil {
		return exchange.Order{}, err
	}

	return exchange.Order{
		ID:        out.Data.OrderID,
		ClientID:  req.ClientID,
		Symbol:    NormalizeSymbol(req.Symbol),
		Side:      req.Side,
		Status:    exchange.StatusNew,
		Quantity:  req.Quantity,
		CreatedAt: time.Now(),
	}, nil
}

// CancelOrder cancels a pending order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	var out envelope
	resp, err := c.signedPost(ctx, "/api/v1/futures/trade/cancel_order", map[string]string{"orderId": orderID}, &out)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("cancel order %s: status %d", orderID, resp.StatusCode())
	}
	return out.err()
}

// Order fetches the current state of an order.
func (c *Client) Order(ctx context.Context, orderID string) (exchange.Order, error) {
	var out struct {
		envelope
		Data struct {
			OrderID   string  `json:"orderId"`
			ClientID  string  `json:"clientId"`
			Symbol    string  `json:"symbol"`
			Side      string  `json:"side"`
			Status    string  `json:"status"`
			Qty       float64 `json:"qty,string"`
			FilledQty float64 `json:"tradeQty,string"`
			AvgPrice  float64 `json:"avgPrice,string"`
			Fee       float64 `json:"fee,string"`
			Ctime     int64   `json:"ctime"`
		} `json:"data"`
	}

	query := map[string]string{"orderId": orderID}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeaders(c.signedHeaders(query, nil)).
		SetQueryParams(query).
		SetResult(&out).
		Get(c.base + "/api/v1/futures/trade/get_order_detail")
	if err != nil {
		return exchange.Order{}, fmt.Errorf("query order %s: %w", orderID, err)
	}
	if resp.StatusCode() != 200 {
		return exchange.Order{}, fmt.Errorf("query order %s: status %d", orderID, resp.StatusCode())
	}
	if err := out.err(); err != nil {
		return exchange.Order{}, err
	}

	return exchange.Order{
		ID:           out.Data.OrderID,
		ClientID:     out.Data.ClientID,
		Symbol:       NormalizeSymbol(out.Data.Symbol),
		Side:         exchange.OrderSide(strings.ToUpper(out.Data.Side)),
		Status:       normalizeStatus(out.Data.Status),
		Quantity:     out.Data.Qty,
		FilledQty:    out.Data.FilledQty,
		AvgFillPrice: out.Data.AvgPrice,
		Fee:          out.Data.Fee,
		CreatedAt:    time.UnixMilli(out.Data.Ctime),
	}, nil
}

func normalizeStatus(raw string) exchange.OrderStatus {
	switch strings.ToUpper(raw) {
	case "NEW", "INIT", "PENDING":
		return exchange.StatusNew
	case "PART_FILLED", "PARTIALLY_FILLED":
		return exchange.StatusPartiallyFilled
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELED", "CANCELLED":
		return exchange.StatusCancelled
	case "REJECTED", "FAILED":
		return exchange.StatusRejected
	default:
		return exchange.StatusUnknown
	}
}

// SetLeverage changes the leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	var out envelope
	resp, err := c.signedPost(ctx, "/api/v1/futures/account/change_leverage", map[string]any{
		"symbol":   NormalizeSymbol(symbol),
		"leverage": leverage,
	}, &out)
	if err != nil {
		return fmt.Errorf("set leverage %s: %w", symbol, err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("set leverage %s: status %d", symbol, resp.StatusCode())
	}
	return out.err()
}

// ContractInfo returns per-symbol contract metadata, cached after the
// first lookup. The multiplier here is the only legitimate source of
// quanto multipliers for PnL and fee math.
func (c *Client) ContractInfo(ctx context.Context, symbol string) (exchange.ContractInfo, error) {
	native := NormalizeSymbol(symbol)

	c.mu.RLock()
	if info, ok := c.contracts[native]; ok {
		c.mu.RUnlock()
		return info, nil
	}
	c.mu.RUnlock()

	var out struct {
		envelope
		Data []struct {
			Symbol     string  `json:"symbol"`
			Multiplier float64 `json:"multiplier,string"`
			LotStep    float64 `json:"tradeStep,string"`
			MinQty     float64 `json:"minTradeVolume,string"`
		} `json:"data"`
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("symbol", native).
		SetResult(&out).
		Get(c.base + "/api/v1/futures/market/trading_pairs")
	if err != nil {
		return exchange.ContractInfo{}, fmt.Errorf("contract info %s: %w", symbol, err)
	}
	if resp.StatusCode() != 200 {
		return exchange.ContractInfo{}, fmt.Errorf("contract info %s: status %d", symbol, resp.StatusCode())
	}
	if err := out.err(); err != nil {
		return exchange.ContractInfo{}, err
	}

	for _, d := range out.Data {
		if NormalizeSymbol(d.Symbol) != native {
			continue
		}
		info := exchange.ContractInfo{
			Symbol:     native,
			Multiplier: d.Multiplier,
			LotStep:    d.LotStep,
			MinQty:     d.MinQty,
		}
		if info.Multiplier == 0 {
			// The venue omits the field for linear contracts. The cache
			// makes this log fire once per symbol per process.
			log.Warn().Str("symbol", native).Msg("trading pair carries no multiplier, defaulting to 1")
			info.Multiplier = 1
		}
		c.mu.Lock()
		c.contracts[native] = info
		c.mu.Unlock()
		return info, nil
	}
	return exchange.ContractInfo{}, fmt.Errorf("contract info %s: symbol not listed", symbol)
}
