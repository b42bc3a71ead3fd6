package gateway

import (
	"bytes"
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
	"time"

	"perp-maker-go/infrastructure/monitor"
	"perp-maker-go/market"
	"perp-maker-go/order"
)

const (
	openOrdersPageSize = 100
	fallbackOrderLimit = 500
)

var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// Client 带签名的 REST 客户端，HTTPClient 可注入 httptest。
type Client struct {
	BaseURL      string
	APIKey       string
	Secret       string
	RecvWindowMs int64
	HTTPClient   *http.Client
	Limiter      RateLimiter
	Monitor      *monitor.Monitor
}

// NewClient 创建默认超时与限速的客户端
func NewClient(baseURL, apiKey, secret string, rps float64, mon *monitor.Monitor) *Client {
	return &Client{
		BaseURL:      baseURL,
		APIKey:       apiKey,
		Secret:       secret,
		RecvWindowMs: 5000,
		HTTPClient:   NewDefaultHTTPClient(),
		Limiter:      NewRateLimiter(rps, 5),
		Monitor:      mon,
	}
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

type apiResponse struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

type openOrdersPage struct {
	Orders []order.ExchangeOrder `json:"orders"`
	Page   int                   `json:"page"`
	Total  int                   `json:"total"`
}

// QueryBalance 查询账户余额；账户不存在时返回 ErrAccountNotFound。
func (c *Client) QueryBalance(ctx context.Context) ([]market.BalanceUpdate, error) {
	var out []market.BalanceUpdate
	err := c.do(ctx, "balance", http.MethodGet, "/api/v1/account/balance", nil, nil, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrAccountNotFound, err)
	}
	return out, err
}

// QueryPositions 查询持仓
func (c *Client) QueryPositions(ctx context.Context, symbol string) ([]market.PositionUpdate, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	var out []market.PositionUpdate
	if err := c.do(ctx, "positions", http.MethodGet, "/api/v1/positions", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// QueryOpenOrders 分页查询挂单；分页显示还有更多时改用 QueryOrders 一次取回。
// 404 视为没有挂单。
func (c *Client) QueryOpenOrders(ctx context.Context, symbol string) ([]order.ExchangeOrder, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("page", "1")
	q.Set("limit", strconv.Itoa(openOrdersPageSize))
	var page openOrdersPage
	err := c.do(ctx, "open_orders", http.MethodGet, "/api/v1/orders/open", q, nil, &page)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if page.Total > len(page.Orders) {
		limit := page.Total
		if limit < fallbackOrderLimit {
			limit = fallbackOrderLimit
		}
		return c.QueryOrders(ctx, symbol, "open", limit)
	}
	return page.Orders, nil
}

// QueryOrders 按状态查询订单
func (c *Client) QueryOrders(ctx context.Context, symbol, status string, limit int) ([]order.ExchangeOrder, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("status", status)
	q.Set("limit", strconv.Itoa(limit))
	var out []order.ExchangeOrder
	err := c.do(ctx, "orders", http.MethodGet, "/api/v1/orders", q, nil, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return out, err
}

// QuerySymbolInfo 查询交易对精度、数量限制与 maker 费率
func (c *Client) QuerySymbolInfo(ctx context.Context, symbol string) (order.SymbolConstraints, error) {
	var out order.SymbolConstraints
	if err := c.do(ctx, "symbol_info", http.MethodGet, "/api/v1/symbols/"+url.PathEscape(symbol), nil, nil, &out); err != nil {
		return order.SymbolConstraints{}, err
	}
	if out.Symbol == "" {
		out.Symbol = symbol
	}
	return out, nil
}

// PlaceOrder 下单；err 只表示传输失败，业务拒绝体现在 Envelope.Code。
func (c *Client) PlaceOrder(ctx context.Context, req NewOrderRequest) (Envelope, error) {
	return c.envelope(ctx, "place_order", http.MethodPost, "/api/v1/order", req)
}

// CancelOrder 撤单
func (c *Client) CancelOrder(ctx context.Context, req CancelOrderRequest) (Envelope, error) {
	return c.envelope(ctx, "cancel_order", http.MethodDelete, "/api/v1/order", req)
}

// WSToken 获取私有频道的 bearer token
func (c *Client) WSToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, "ws_token", http.MethodPost, "/api/v1/ws/token", nil, nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("empty ws token")
	}
	return out.Token, nil
}

func (c *Client) envelope(ctx context.Context, action, method, path string, body any) (Envelope, error) {
	resp, err := c.send(ctx, action, method, path, nil, body)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{Code: resp.Code, Message: resp.Message, RequestID: resp.RequestID}
	if len(resp.Data) > 0 {
		var data struct {
			OrderID int64 `json:"order_id"`
		}
		if json.Unmarshal(resp.Data, &data) == nil {
			env.OrderID = data.OrderID
		}
	}
	if !env.OK() {
		c.Monitor.RecordRESTError(action)
	}
	return env, nil
}

func (c *Client) do(ctx context.Context, action, method, path string, query url.Values, body any, out any) error {
	resp, err := c.send(ctx, action, method, path, query, body)
	if err != nil {
		return err
	}
	if resp.Code != 0 {
		c.Monitor.RecordRESTError(action)
		return &APIError{Code: resp.Code, Message: resp.Message, RequestID: resp.RequestID}
	}
	if out == nil || len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", action, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, action, method, path string, query url.Values, body any) (*apiResponse, error) {
	if c == nil || c.HTTPClient == nil {
		return nil, fmt.Errorf("http client not set")
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", action, err)
		}
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("timestamp", strconv.FormatInt(timeNowMillis(), 10))
	if c.RecvWindowMs > 0 {
		query.Set("recvWindow", strconv.FormatInt(c.RecvWindowMs, 10))
	}
	signed := query.Encode()
	sig := sign(c.Secret, signed+string(payload))
	endpoint := c.BaseURL + path + "?" + signed + "&signature=" + sig

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", c.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.Monitor.RecordRESTRequest(action)
	start := time.Now()
	httpResp, err := c.HTTPClient.Do(req)
	c.Monitor.RecordRESTLatency(action, time.Since(start).Seconds())
	if err != nil {
		c.Monitor.RecordRESTError(action)
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", action, err)
	}
	if httpResp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", action, ErrNotFound)
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		if httpResp.StatusCode >= 300 {
			c.Monitor.RecordRESTError(action)
			return nil, fmt.Errorf("%s: status %d: %s", action, httpResp.StatusCode, truncate(raw, 256))
		}
		return nil, fmt.Errorf("%s: decode response: %w", action, err)
	}
	if httpResp.StatusCode >= 300 && resp.Code == 0 {
		c.Monitor.RecordRESTError(action)
		return nil, fmt.Errorf("%s: status %d: %s", action, httpResp.StatusCode, truncate(raw, 256))
	}
	return &resp, nil
}

func sign(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
