package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-maker-go/gateway"
	"perp-maker-go/internal/symbolcache"
	"perp-maker-go/market"
	"perp-maker-go/order"
	"perp-maker-go/strategy"
)

type fakeExchange struct {
	mu         sync.Mutex
	nextID     int64
	balanceErr error
	symbolErr  error
	position   decimal.Decimal
	open       map[int64]order.ExchangeOrder
	placed     []gateway.NewOrderRequest
	cancels    []gateway.CancelOrderRequest
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{open: make(map[int64]order.ExchangeOrder)}
}

func (f *fakeExchange) QueryBalance(context.Context) ([]market.BalanceUpdate, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return []market.BalanceUpdate{{Asset: "USDT", Available: d("1000"), Total: d("1000")}}, nil
}

func (f *fakeExchange) QueryPositions(_ context.Context, symbol string) ([]market.PositionUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []market.PositionUpdate{{Symbol: symbol, Qty: f.position}}, nil
}

func (f *fakeExchange) QueryOpenOrders(context.Context, string) ([]order.ExchangeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]order.ExchangeOrder, 0, len(f.open))
	for _, o := range f.open {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeExchange) QueryOrders(context.Context, string, string, int) ([]order.ExchangeOrder, error) {
	return nil, nil
}

func (f *fakeExchange) QuerySymbolInfo(_ context.Context, symbol string) (order.SymbolConstraints, error) {
	if f.symbolErr != nil {
		return order.SymbolConstraints{}, f.symbolErr
	}
	return constraints(symbol), nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req gateway.NewOrderRequest) (gateway.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.placed = append(f.placed, req)
	if req.Type == gateway.OrderTypeMarket {
		if req.Side == gateway.SideSell {
			f.position = f.position.Sub(req.Qty)
		} else {
			f.position = f.position.Add(req.Qty)
		}
		return gateway.Envelope{OrderID: f.nextID}, nil
	}
	f.open[f.nextID] = order.ExchangeOrder{
		OrderID:       f.nextID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Qty:           req.Qty,
		Status:        order.ExchangeNew,
	}
	return gateway.Envelope{OrderID: f.nextID}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, req gateway.CancelOrderRequest) (gateway.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, req)
	if req.OrderID != 0 {
		delete(f.open, req.OrderID)
		return gateway.Envelope{}, nil
	}
	for id, o := range f.open {
		if o.ClientOrderID == req.ClientOrderID {
			delete(f.open, id)
		}
	}
	return gateway.Envelope{}, nil
}

func (f *fakeExchange) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func constraints(symbol string) order.SymbolConstraints {
	return order.SymbolConstraints{
		Symbol:        symbol,
		PriceDecimals: 2,
		QtyDecimals:   3,
		MinQty:        d("0.001"),
		MaxQty:        d("10"),
		MakerFeeRate:  d("0.0002"),
	}
}

type failingStream struct{ err error }

func (s failingStream) Run(context.Context, func(market.Message)) error { return s.err }

func newTask(t *testing.T, ex *fakeExchange, cache *symbolcache.Cache, prices *market.Watch[market.PriceSnapshot]) *Task {
	t.Helper()
	cfg := strategy.DefaultConfig("btcusdt", 1000)
	cfg.RefreshInterval = 10 * time.Millisecond
	deps := Deps{Exchange: ex, Cache: cache}
	if prices != nil {
		deps.Prices = prices.Subscribe()
		deps.GuardPrices = prices.Subscribe()
	}
	return New(Config{Strategy: cfg, ExitBps: 10}, deps)
}

func TestAccountNotFoundAbortsStartup(t *testing.T) {
	ex := newFakeExchange()
	ex.balanceErr = &gateway.APIError{Code: gateway.CodeAccountNotFound, Message: "account not activated"}
	tk := newTask(t, ex, nil, nil)

	err := tk.Run(context.Background())

	var taskErr *Error
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, PhaseStartup, taskErr.Phase)
	assert.Equal(t, "BTCUSDT", taskErr.Symbol)
	assert.ErrorIs(t, err, gateway.ErrAccountNotFound)
	state, reason := tk.State()
	assert.Equal(t, StateFailed, state)
	assert.NotEmpty(t, reason)
	assert.Zero(t, ex.placedCount())
}

func TestSymbolInfoFallsBackToCache(t *testing.T) {
	cache, err := symbolcache.Open("")
	require.NoError(t, err)
	require.NoError(t, cache.Put("BTCUSDT", constraints("BTCUSDT")))

	ex := newFakeExchange()
	ex.symbolErr = errors.New("503")
	tk := newTask(t, ex, cache, nil)

	st, err := tk.startup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), st.constraints.PriceDecimals)
}

func TestSymbolInfoWithoutCacheFails(t *testing.T) {
	ex := newFakeExchange()
	ex.symbolErr = errors.New("503")
	tk := newTask(t, ex, nil, nil)

	err := tk.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoConstraints)
}

func TestStartupSeedsInventoryAndCancelsLeftovers(t *testing.T) {
	cache, err := symbolcache.Open("")
	require.NoError(t, err)
	ex := newFakeExchange()
	ex.position = d("0.5")
	ex.open[100] = order.ExchangeOrder{OrderID: 100, ClientOrderID: "mm-old-1"}
	ex.open[101] = order.ExchangeOrder{OrderID: 101, ClientOrderID: "mm-old-2"}
	tk := newTask(t, ex, cache, nil)

	st, err := tk.startup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.5", st.inventory.String())
	assert.Len(t, ex.cancels, 2)
	assert.Empty(t, ex.open)
	_, cached := cache.Get("BTCUSDT")
	assert.True(t, cached)
}

func TestLifecycleCancelsAndFlattensOnShutdown(t *testing.T) {
	ex := newFakeExchange()
	ex.position = d("0.5")
	prices := market.NewWatch(market.PriceSnapshot{})
	tk := newTask(t, ex, nil, prices)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tk.Run(ctx) }()

	prices.Send(market.PriceSnapshot{Symbol: "BTCUSDT", Bid: d("99.99"), Ask: d("100.01"), Mark: d("100"), At: time.Now()})
	require.Eventually(t, func() bool {
		state, _ := tk.State()
		return state == StateRunning && ex.placedCount() >= 6
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not stop")
	}

	state, _ := tk.State()
	assert.Equal(t, StateStopped, state)

	ex.mu.Lock()
	defer ex.mu.Unlock()
	assert.Empty(t, ex.open)
	assert.True(t, ex.position.IsZero())
	last := ex.placed[len(ex.placed)-1]
	assert.Equal(t, gateway.OrderTypeMarket, last.Type)
	assert.Equal(t, gateway.SideSell, last.Side)
	assert.True(t, last.ReduceOnly)
	assert.Equal(t, "0.5", last.Qty.String())

	reduceOnlyLimits := 0
	for _, req := range ex.placed {
		if req.Type == gateway.OrderTypeLimit && req.ReduceOnly {
			reduceOnlyLimits++
		}
		if req.Type == gateway.OrderTypeLimit && !req.ReduceOnly {
			assert.Equal(t, gateway.SideSell, req.Side, "only the reducing side quotes with a startup position")
		}
	}
	assert.GreaterOrEqual(t, reduceOnlyLimits, 1, "guard order placed")
}

func TestRunFailureStillCleansUp(t *testing.T) {
	ex := newFakeExchange()
	ex.position = d("-1")
	prices := market.NewWatch(market.PriceSnapshot{})
	tk := newTask(t, ex, nil, prices)
	tk.deps.Stream = failingStream{err: errors.New("retries exhausted")}

	err := tk.Run(context.Background())

	var taskErr *Error
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, PhaseRun, taskErr.Phase)
	state, _ := tk.State()
	assert.Equal(t, StateFailed, state)

	ex.mu.Lock()
	defer ex.mu.Unlock()
	require.NotEmpty(t, ex.placed)
	last := ex.placed[len(ex.placed)-1]
	assert.Equal(t, gateway.SideBuy, last.Side)
	assert.Equal(t, gateway.OrderTypeMarket, last.Type)
	assert.True(t, ex.position.IsZero())
}

type recordingAlerter struct {
	mu     sync.Mutex
	fields []map[string]interface{}
}

func (r *recordingAlerter) SendCritical(_ string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields = append(r.fields, fields)
	return nil
}

func (r *recordingAlerter) SendWarning(string, map[string]interface{}) error { return nil }

func TestFailureRaisesAlert(t *testing.T) {
	ex := newFakeExchange()
	ex.symbolErr = errors.New("503")
	tk := newTask(t, ex, nil, nil)
	alerts := &recordingAlerter{}
	tk.deps.Alerts = alerts

	require.Error(t, tk.Run(context.Background()))
	require.Len(t, alerts.fields, 1)
	assert.Equal(t, "BTCUSDT", alerts.fields[0]["symbol"])
	assert.Equal(t, "startup", alerts.fields[0]["phase"])
}

func TestCleanupWithoutRunning(t *testing.T) {
	ex := newFakeExchange()
	ex.position = d("0.25")
	ex.open[7] = order.ExchangeOrder{OrderID: 7, ClientOrderID: "gd-btcusdt-1"}
	tk := newTask(t, ex, nil, nil)

	require.NoError(t, tk.Cleanup(context.Background()))
	assert.Empty(t, ex.open)
	assert.True(t, ex.position.IsZero())
	state, _ := tk.State()
	assert.Equal(t, StateInit, state, "cleanup alone does not move the lifecycle")
}
