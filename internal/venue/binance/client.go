// Package binance adapts venue.ExchangePort and venue.MarketDataPort onto
// Binance's spot REST and public websocket APIs, grounded on the teacher's
// pkg/exchanges/binance/spot.Client (HMAC-SHA256 request signing, recv
// window, synchronized server time) and pkg/exchanges/common (rate
// limiter, time sync), generalized from float64 order fields to the
// daemon's decimal money types.
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
	"time"

	"stopdaemon/internal/money"
	"stopdaemon/internal/venue"

	"stopdaemon/pkg/exchanges/common"

	"github.com/shopspring/decimal"
)

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		s = "0"
	}
	return decimal.NewFromString(s)
}

// Config holds exchange credentials and endpoint selection.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client implements venue.ExchangePort against Binance spot.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
}

var _ venue.ExchangePort = (*Client)(nil)

func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{cfg: cfg, baseURL: base, httpClient: &http.Client{Timeout: 10 * time.Second}}
	c.timeSync = common.NewTimeSync(c.serverTimeMillis)
	c.rateLimiter = common.NewRateLimiter(1200, time.Minute)
	return c
}

func (c *Client) serverTimeMillis() (int64, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/api/v3/time")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var payload struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, err
	}
	return payload.ServerTime, nil
}

func (c *Client) timestamp() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

func sign(query, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	sig := sign(params.Encode(), c.cfg.APISecret)
	params.Set("signature", sig)

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if c.rateLimiter != nil {
		c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance %s %s status %d: %s", method, endpoint, res.StatusCode, string(body))
	}
	return body, nil
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

func (c *Client) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderAck, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return venue.OrderAck{}, errors.New("binance: API key/secret required")
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol.String())
	params.Set("side", strings.ToUpper(req.Side.String()))
	params.Set("quantity", req.Quantity.Decimal().String())

	switch req.Kind {
	case venue.OrderKindMarket:
		params.Set("type", "MARKET")
	case venue.OrderKindLimit:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		if req.Price != nil {
			params.Set("price", req.Price.Decimal().String())
		}
	case venue.OrderKindStop:
		params.Set("type", "STOP_LOSS")
		if req.StopPrice != nil {
			params.Set("stopPrice", req.StopPrice.Decimal().String())
		}
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	params.Set("timestamp", strconv.FormatInt(c.timestamp(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	body, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/api/v3/order", params)
	if err != nil {
		return venue.OrderAck{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return venue.OrderAck{}, fmt.Errorf("decode order response: %w", err)
	}
	return venue.OrderAck{ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10), Status: mapStatus(resp.Status)}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol money.Symbol, exchangeOrderID string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("binance: API key/secret required")
	}
	params := url.Values{}
	params.Set("symbol", symbol.String())
	params.Set("orderId", exchangeOrderID)
	params.Set("timestamp", strconv.FormatInt(c.timestamp(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	_, err := c.doSigned(ctx, http.MethodDelete, c.baseURL+"/api/v3/order", params)
	return err
}

func (c *Client) OrderStatus(ctx context.Context, symbol money.Symbol, clientOrderID string) (venue.OrderStatusReport, error) {
	params := url.Values{}
	params.Set("symbol", symbol.String())
	params.Set("origClientOrderId", clientOrderID)
	params.Set("timestamp", strconv.FormatInt(c.timestamp(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/api/v3/order", params)
	if err != nil {
		return venue.OrderStatusReport{}, err
	}
	var resp struct {
		OrderID          int64  `json:"orderId"`
		Status           string `json:"status"`
		ExecutedQty      string `json:"executedQty"`
		CummulativeQuote string `json:"cummulativeQuoteQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return venue.OrderStatusReport{}, fmt.Errorf("decode order status: %w", err)
	}
	qty, err := decimalQuantity(resp.ExecutedQty)
	if err != nil {
		return venue.OrderStatusReport{}, err
	}
	return venue.OrderStatusReport{ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10), Status: mapStatus(resp.Status), FilledQuantity: qty}, nil
}

// OpenPositions is not meaningful for Binance spot (spot has balances, not
// margined positions); the futures variant of this client would implement
// it against /fapi/v2/positionRisk. Returning an empty slice here means
// the rogue-position poller simply finds nothing to reconcile in spot
// mode, which is correct.
func (c *Client) OpenPositions(ctx context.Context) ([]venue.ExternalPosition, error) {
	return nil, nil
}

func mapStatus(s string) venue.OrderStatus {
	switch s {
	case "NEW":
		return venue.OrderStatusNew
	case "FILLED":
		return venue.OrderStatusFilled
	case "PARTIALLY_FILLED":
		return venue.OrderStatusPartial
	case "CANCELED", "EXPIRED":
		return venue.OrderStatusCanceled
	case "REJECTED":
		return venue.OrderStatusRejected
	default:
		return venue.OrderStatusUnknown
	}
}

func decimalQuantity(s string) (money.Quantity, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return money.Quantity{}, err
	}
	return money.NewQuantity(d)
}
