// Package binance implements the exchange client against the Binance spot API.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"auto-trader/internal/core"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

const (
	defaultRateLimitPerSec = 10
	defaultRateLimitBurst  = 20
)

type Client struct {
	apiKey            string
	apiSecret         string
	baseURL           string
	wsBaseURL         string
	clientOrderPrefix string

	recvWindow time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	orderSeq   atomic.Int64
}

type Options struct {
	APIKey            string
	APISecret         string
	RestBaseURL       string
	WSBaseURL         string
	ClientOrderPrefix string
	RecvWindowMs      int64
	HTTPTimeoutSec    int64
	RateLimitPerSec   float64
	RateLimitBurst    int
}

func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	perSec := opts.RateLimitPerSec
	if perSec <= 0 {
		perSec = defaultRateLimitPerSec
	}
	burst := opts.RateLimitBurst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	prefix := strings.ToLower(strings.TrimSpace(opts.ClientOrderPrefix))
	if prefix == "" {
		prefix = "at"
	}
	return &Client{
		apiKey:            opts.APIKey,
		apiSecret:         opts.APISecret,
		baseURL:           strings.TrimRight(opts.RestBaseURL, "/"),
		wsBaseURL:         strings.TrimRight(opts.WSBaseURL, "/"),
		clientOrderPrefix: prefix,
		recvWindow:        time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient:        &http.Client{Timeout: timeout},
		limiter:           rate.NewLimiter(rate.Limit(perSec), burst),
	}, nil
}

func (c *Client) Name() string { return "binance" }

func (c *Client) GetAccountInfo(ctx context.Context) ([]core.Balance, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	balances := make([]core.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances = append(balances, core.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

func (c *Client) LoadTradingRules(ctx context.Context) ([]core.Rules, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", url.Values{}, AuthNone)
	if err != nil {
		return nil, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	rules := make([]core.Rules, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		rules = append(rules, parseSymbolRules(s))
	}
	return rules, nil
}

func (c *Client) GetAllPrices(ctx context.Context) ([]core.SymbolPrice, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", url.Values{}, AuthNone)
	if err != nil {
		return nil, err
	}
	var resp []tickerPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	prices := make([]core.SymbolPrice, 0, len(resp))
	for _, p := range resp {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			continue
		}
		prices = append(prices, core.SymbolPrice{Symbol: p.Symbol, Price: price})
	}
	return prices, nil
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/24hr", params, AuthNone)
	if err != nil {
		return core.Ticker{}, err
	}
	var resp ticker24hResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Ticker{}, err
	}
	bid, _ := decimal.NewFromString(resp.BidPrice)
	ask, _ := decimal.NewFromString(resp.AskPrice)
	last, _ := decimal.NewFromString(resp.LastPrice)
	return core.Ticker{Symbol: resp.Symbol, BidPrice: bid, AskPrice: ask, Last: last}, nil
}

func (c *Client) GetCurrentOpenOrders(ctx context.Context) ([]core.Order, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", url.Values{}, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []openOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp))
	for _, ord := range resp {
		price, _ := decimal.NewFromString(ord.Price)
		qty, _ := decimal.NewFromString(ord.OrigQty)
		order := core.Order{
			ID:       strconv.FormatInt(ord.OrderID, 10),
			ClientID: ord.ClientOrderID,
			Symbol:   ord.Symbol,
			Side:     core.Side(ord.Side),
			Type:     core.OrderType(ord.Type),
			Price:    price,
			Qty:      qty,
			Status:   core.OrderStatus(ord.Status),
		}
		if ord.Time > 0 {
			order.CreatedAt = time.UnixMilli(ord.Time)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Qty.String())
	params.Set("newClientOrderId", c.nextClientOrderID())
	if req.Type == core.Limit {
		params.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = core.GoodTillCanceled
		}
		params.Set("timeInForce", string(tif))
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return core.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	price, _ := decimal.NewFromString(resp.Price)
	qty, _ := decimal.NewFromString(resp.OrigQty)
	order := core.Order{
		ID:       strconv.FormatInt(resp.OrderID, 10),
		ClientID: resp.ClientOrderID,
		Symbol:   resp.Symbol,
		Side:     core.Side(resp.Side),
		Type:     core.OrderType(resp.Type),
		Price:    price,
		Qty:      qty,
		Status:   core.OrderStatus(resp.Status),
	}
	if resp.TransactTime > 0 {
		order.CreatedAt = time.UnixMilli(resp.TransactTime)
	}
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, AuthSigned)
	return err
}

func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/klines", params, AuthNone)
	if err != nil {
		return nil, err
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	candles := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseCandleRow(row)
		if err != nil {
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// Kline rows arrive as mixed arrays: millisecond timestamps as numbers,
// prices and volume as strings.
func parseCandleRow(row []json.RawMessage) (core.Candle, error) {
	if len(row) < 7 {
		return core.Candle{}, errors.New("short kline row")
	}
	var openMs, closeMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return core.Candle{}, err
	}
	if err := json.Unmarshal(row[6], &closeMs); err != nil {
		return core.Candle{}, err
	}
	fields := make([]decimal.Decimal, 5)
	for i := 0; i < 5; i++ {
		var raw string
		if err := json.Unmarshal(row[i+1], &raw); err != nil {
			return core.Candle{}, err
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return core.Candle{}, err
		}
		fields[i] = v
	}
	return core.Candle{
		OpenTime:  time.UnixMilli(openMs),
		CloseTime: time.UnixMilli(closeMs),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

func (c *Client) nextClientOrderID() string {
	seq := c.orderSeq.Add(1)
	return fmt.Sprintf("%s-%d-%d", c.clientOrderPrefix, time.Now().UnixMilli(), seq)
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if auth == AuthSigned {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		params.Set("signature", sign(c.apiSecret, params.Encode()))
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(params.Encode()))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return wrapAPIError(apiErr.Code, apiErr.Msg)
	}
	return fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
