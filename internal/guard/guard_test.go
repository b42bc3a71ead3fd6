package guard

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
	"perp-maker-go/market"
	"perp-maker-go/order"
)

type fakeExchange struct {
	mu      sync.Mutex
	nextID  int64
	placed  []gateway.NewOrderRequest
	cancels []gateway.CancelOrderRequest
	queries int
	hidden  int // 前 N 次查询看不到新挂单
	failing int // 前 N 次查询返回错误
	open    []order.ExchangeOrder
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req gateway.NewOrderRequest) (gateway.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.placed = append(f.placed, req)
	f.open = append(f.open, order.ExchangeOrder{OrderID: f.nextID, ClientOrderID: req.ClientOrderID, Symbol: req.Symbol})
	return gateway.Envelope{OrderID: f.nextID}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, req gateway.CancelOrderRequest) (gateway.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, req)
	return gateway.Envelope{}, nil
}

func (f *fakeExchange) QueryOpenOrders(_ context.Context, _ string) ([]order.ExchangeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.failing > 0 {
		f.failing--
		return nil, errors.New("gateway timeout")
	}
	if f.hidden > 0 {
		f.hidden--
		return nil, nil
	}
	return append([]order.ExchangeOrder(nil), f.open...), nil
}

func (f *fakeExchange) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestGuard(ex *fakeExchange) *Guard {
	g := New(Config{
		Symbol:   "BTCUSDT",
		ExitBps:  10,
		GuardBps: 50,
		Constraints: order.SymbolConstraints{
			Symbol:        "BTCUSDT",
			PriceDecimals: 2,
			QtyDecimals:   3,
			MinQty:        d("0.001"),
			MaxQty:        d("10"),
			MakerFeeRate:  d("0.0002"),
		},
	}, ex, nil, nil)
	g.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	return g
}

func position(qty, mark string) market.PositionUpdate {
	return market.PositionUpdate{Symbol: "BTCUSDT", Qty: d(qty), MarkPrice: d(mark)}
}

func TestExitPriceIncludesFees(t *testing.T) {
	g := newTestGuard(&fakeExchange{})
	assert.Equal(t, "100.14", g.ExitPrice(d("100"), gateway.SideSell).String())
	assert.Equal(t, "99.86", g.ExitPrice(d("100"), gateway.SideBuy).String())
}

func TestLongPositionPlacesReduceOnlySell(t *testing.T) {
	ex := &fakeExchange{}
	g := newTestGuard(ex)
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, g.OnPosition(context.Background(), now, position("1.5", "100")))

	require.Len(t, ex.placed, 1)
	req := ex.placed[0]
	assert.Equal(t, gateway.SideSell, req.Side)
	assert.Equal(t, gateway.OrderTypeLimit, req.Type)
	assert.Equal(t, gateway.TimeInForceGTC, req.TimeInForce)
	assert.True(t, req.ReduceOnly)
	assert.Equal(t, "100.14", req.Price.String())
	assert.Equal(t, "1.5", req.Qty.String())
	assert.Contains(t, req.ClientOrderID, ClientOrderPrefix)
	assert.Equal(t, 1, ex.queries)

	active, ok := g.Active()
	require.True(t, ok)
	assert.Equal(t, int64(1), active.OrderID)
}

func TestInvisibleGuardIsResubmittedOnce(t *testing.T) {
	ex := &fakeExchange{hidden: 2}
	g := newTestGuard(ex)

	require.NoError(t, g.OnPosition(context.Background(), time.Now(), position("-2", "100")))

	assert.Equal(t, 2, ex.queries)
	require.Len(t, ex.placed, 2)
	assert.Equal(t, gateway.SideBuy, ex.placed[1].Side)
	assert.Equal(t, "99.86", ex.placed[1].Price.String())
	active, ok := g.Active()
	require.True(t, ok)
	assert.Equal(t, ex.placed[1].ClientOrderID, active.ClientOrderID)

	// 首单在重发前按 client id 撤掉
	require.Len(t, ex.cancels, 1)
	assert.Equal(t, ex.placed[0].ClientOrderID, ex.cancels[0].ClientOrderID)
}

func TestVisibilityQueryErrorIsRetried(t *testing.T) {
	cases := []struct {
		name      string
		failing   int
		hidden    int
		wantPlace int
	}{
		{"error then visible", 1, 0, 1},
		{"error then hidden", 1, 1, 2},
		{"errors twice", 2, 0, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ex := &fakeExchange{failing: tc.failing, hidden: tc.hidden}
			g := newTestGuard(ex)

			require.NoError(t, g.OnPosition(context.Background(), time.Now(), position("1", "100")))

			assert.Equal(t, 2, ex.queries, "one retry after the first check")
			assert.Equal(t, tc.wantPlace, ex.placedCount())
			assert.Len(t, ex.cancels, tc.wantPlace-1)
			active, ok := g.Active()
			require.True(t, ok)
			assert.Equal(t, ex.placed[len(ex.placed)-1].ClientOrderID, active.ClientOrderID)
		})
	}
}

func TestGuardFollowsPosition(t *testing.T) {
	ex := &fakeExchange{}
	g := newTestGuard(ex)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, g.OnPosition(ctx, now, position("1", "100")))
	require.NoError(t, g.OnPosition(ctx, now, position("1", "100")))
	assert.Equal(t, 1, ex.placedCount(), "unchanged position keeps the resting guard")

	require.NoError(t, g.OnPosition(ctx, now, position("0.4", "100")))
	assert.Equal(t, 2, ex.placedCount())
	require.Len(t, ex.cancels, 1)
	assert.Equal(t, ex.placed[0].ClientOrderID, ex.cancels[0].ClientOrderID)

	require.NoError(t, g.OnPosition(ctx, now, position("0", "100")))
	require.Len(t, ex.cancels, 2)
	_, ok := g.Active()
	assert.False(t, ok)
}

func TestDriftForceClosesWithCooldown(t *testing.T) {
	ex := &fakeExchange{}
	g := newTestGuard(ex)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, g.OnPosition(ctx, now, position("1", "100")))
	// 100.14 距 100.50 约 35.8bps，未超过 50
	require.NoError(t, g.OnMark(ctx, now, d("100.5")))
	assert.Equal(t, 1, ex.placedCount())

	// 标记价下跌 1%，保护单偏离约 115bps
	t1 := now.Add(time.Second)
	require.NoError(t, g.OnMark(ctx, t1, d("99")))
	require.Equal(t, 2, ex.placedCount())
	closeReq := ex.placed[1]
	assert.Equal(t, gateway.OrderTypeMarket, closeReq.Type)
	assert.Equal(t, gateway.SideSell, closeReq.Side)
	assert.True(t, closeReq.ReduceOnly)
	assert.Nil(t, closeReq.Price)
	assert.Len(t, ex.cancels, 1)
	assert.Equal(t, t1.Add(5*time.Second), g.CooldownUntil())

	require.NoError(t, g.OnMark(ctx, t1.Add(2*time.Second), d("98.9")))
	assert.Equal(t, 2, ex.placedCount(), "cooldown suppresses re-guarding")

	require.NoError(t, g.OnMark(ctx, t1.Add(6*time.Second), d("98.9")))
	assert.Equal(t, 3, ex.placedCount())
	assert.Equal(t, "99.03", ex.placed[2].Price.String())
}

func TestGuardOrderTerminalUpdateReleasesSlot(t *testing.T) {
	ex := &fakeExchange{}
	g := newTestGuard(ex)
	require.NoError(t, g.OnPosition(context.Background(), time.Now(), position("1", "100")))
	active, _ := g.Active()

	g.OnOrderUpdate(order.ExchangeOrder{ClientOrderID: "mm-other", Status: order.ExchangeFilled})
	_, ok := g.Active()
	assert.True(t, ok)

	g.OnOrderUpdate(order.ExchangeOrder{ClientOrderID: active.ClientOrderID, OrderID: active.OrderID, Status: order.ExchangeFilled})
	_, ok = g.Active()
	assert.False(t, ok)
}

type fakeStream struct {
	msgs []market.Message
}

func (s *fakeStream) Run(ctx context.Context, handler func(market.Message)) error {
	for _, m := range s.msgs {
		handler(m)
	}
	<-ctx.Done()
	return nil
}

func TestRunRoutesStreamMessages(t *testing.T) {
	ex := &fakeExchange{}
	g := newTestGuard(ex)
	pos := position("1", "100")
	stream := &fakeStream{msgs: []market.Message{
		{Channel: market.ChannelOrder, Symbol: "BTCUSDT", Order: &order.ExchangeOrder{OrderID: 7, ClientOrderID: "mm-btcusdt-B1-abc", Symbol: "BTCUSDT", Status: order.ExchangeOpen}},
		{Channel: market.ChannelOrder, Symbol: "BTCUSDT", Order: &order.ExchangeOrder{OrderID: 8, ClientOrderID: "gd-btcusdt-x", Symbol: "BTCUSDT", Status: order.ExchangeOpen}},
		{Channel: market.ChannelPosition, Symbol: "BTCUSDT", Position: &pos},
	}}
	forward := make(chan order.ExchangeOrder, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, Feeds{Stream: stream, Forward: forward}) }()

	require.Eventually(t, func() bool { return ex.placedCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Len(t, forward, 1)
	assert.Equal(t, int64(7), (<-forward).OrderID)
}

type recordingAlerter struct{ messages []string }

func (r *recordingAlerter) SendWarning(message string, _ map[string]interface{}) error {
	r.messages = append(r.messages, message)
	return nil
}

func TestForceCloseRaisesAlert(t *testing.T) {
	ex := &fakeExchange{}
	g := newTestGuard(ex)
	alerts := &recordingAlerter{}
	g.cfg.Alerts = alerts
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, g.OnPosition(ctx, now, position("-1", "100")))
	assert.Empty(t, alerts.messages)
	require.NoError(t, g.OnMark(ctx, now.Add(time.Second), d("101")))
	assert.Equal(t, []string{"guard force close"}, alerts.messages)
	assert.Equal(t, gateway.SideBuy, ex.placed[len(ex.placed)-1].Side)
}
