package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-maker-go/order"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	timeNowMillis = func() int64 { return 1234567890000 }
	t.Cleanup(func() { timeNowMillis = func() int64 { return time.Now().UnixMilli() } })

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	cli := NewClient(ts.URL, "key", "secret", 1000, nil)
	cli.HTTPClient = ts.Client()
	return cli
}

func writeData(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(apiResponse{Code: 0, RequestID: "req-1", Data: raw})
}

func TestClientPlaceOrderSignedEnvelope(t *testing.T) {
	var gotBody NewOrderRequest
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/order", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-API-KEY"))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))

		q := r.URL.Query()
		sig := q.Get("signature")
		q.Del("signature")
		assert.Equal(t, sign("secret", q.Encode()+string(body)), sig)
		assert.Equal(t, "1234567890000", q.Get("timestamp"))

		io.WriteString(w, `{"code":0,"message":"ok","request_id":"r1","data":{"order_id":77}}`)
	})

	price := decimal.RequireFromString("100.25")
	env, err := cli.PlaceOrder(context.Background(), NewOrderRequest{
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		Type:          OrderTypeLimit,
		Qty:           decimal.RequireFromString("0.01"),
		TimeInForce:   TimeInForcePostOnly,
		Price:         &price,
		ClientOrderID: "cid-1",
	})
	require.NoError(t, err)
	assert.True(t, env.OK())
	assert.Equal(t, int64(77), env.OrderID)
	assert.Equal(t, "r1", env.RequestID)
	assert.Equal(t, "cid-1", gotBody.ClientOrderID)
	assert.True(t, gotBody.Price.Equal(price))
}

func TestClientRejectedEnvelope(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":30012,"message":"post only would cross","request_id":"r2"}`)
	})
	env, err := cli.CancelOrder(context.Background(), CancelOrderRequest{Symbol: "BTCUSDT", ClientOrderID: "x"})
	require.NoError(t, err)
	assert.False(t, env.OK())

	var apiErr *APIError
	require.True(t, errors.As(env.Err(), &apiErr))
	assert.Equal(t, 30012, apiErr.Code)
	assert.Equal(t, "r2", apiErr.RequestID)
}

func TestClientBalanceAccountNotFound(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":40004,"message":"account not activated","request_id":"r3"}`)
	})
	_, err := cli.QueryBalance(context.Background())
	assert.True(t, errors.Is(err, ErrAccountNotFound))

	cli = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err = cli.QueryBalance(context.Background())
	assert.True(t, errors.Is(err, ErrAccountNotFound))
}

func TestClientOpenOrdersPaginationFallback(t *testing.T) {
	var fallbackLimit string
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/orders/open":
			writeData(w, openOrdersPage{
				Orders: []order.ExchangeOrder{{OrderID: 1, Status: order.ExchangeOpen}},
				Page:   1,
				Total:  2,
			})
		case "/api/v1/orders":
			assert.Equal(t, "open", r.URL.Query().Get("status"))
			fallbackLimit = r.URL.Query().Get("limit")
			writeData(w, []order.ExchangeOrder{
				{OrderID: 1, Status: order.ExchangeOpen},
				{OrderID: 2, Status: order.ExchangeOpen},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})
	orders, err := cli.QueryOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.Equal(t, "500", fallbackLimit)
}

func TestClientOpenOrdersNotFoundIsEmpty(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	orders, err := cli.QueryOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestClientSymbolInfo(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/BTCUSDT"))
		io.WriteString(w, `{"code":0,"data":{"price_decimals":1,"qty_decimals":3,"min_qty":"0.001","max_qty":"100","maker_fee_rate":"0.0002"}}`)
	})
	info, err := cli.QuerySymbolInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", info.Symbol)
	assert.Equal(t, int32(3), info.QtyDecimals)
	assert.Equal(t, 2.0, info.MakerFeeBps())
}

func TestClientHTTPError(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream down")
	})
	_, err := cli.QueryPositions(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
