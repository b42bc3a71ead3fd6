package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-maker-go/gateway"
	"perp-maker-go/infrastructure/logger"
	"perp-maker-go/infrastructure/monitor"
	"perp-maker-go/market"
	"perp-maker-go/order"
	"perp-maker-go/strategy"
)

// ClientOrderPrefix 保护单 client id 前缀
const ClientOrderPrefix = "gd-"

const (
	defaultVerifyDelay = 500 * time.Millisecond
	defaultCooldown    = 5 * time.Second
)

// Exchange 保护单需要的交易所能力
type Exchange interface {
	strategy.Executor
	QueryOpenOrders(ctx context.Context, symbol string) ([]order.ExchangeOrder, error)
}

// Stream 私有推送流，gateway.PrivateStream 实现。
type Stream interface {
	Run(ctx context.Context, handler func(market.Message)) error
}

// Config 保护单参数
type Config struct {
	Symbol      string
	ExitBps     float64 // 保护单距标记价的基础偏移
	GuardBps    float64 // 保护单偏离标记价超过该值时强平
	Constraints order.SymbolConstraints
	VerifyDelay time.Duration
	Cooldown    time.Duration
	Alerts      Alerter
}

// Alerter 强平告警出口，可为 nil。
type Alerter interface {
	SendWarning(message string, fields map[string]interface{}) error
}

// Order 在挂的保护单
type Order struct {
	ClientOrderID string
	OrderID       int64
	Side          gateway.Side
	Price         decimal.Decimal
	Qty           decimal.Decimal
}

// Guard 为非零仓位维护唯一一张 reduce-only 保护单，偏离过大时市价强平。
// 状态由 Run 所在 goroutine 独占。
type Guard struct {
	cfg     Config
	ex      Exchange
	logger  *logger.Logger
	monitor *monitor.Monitor

	position      decimal.Decimal
	mark          decimal.Decimal
	active        *Order
	cooldownUntil time.Time

	after func(time.Duration) <-chan time.Time
}

// New 创建 Guard
func New(cfg Config, ex Exchange, log *logger.Logger, mon *monitor.Monitor) *Guard {
	if cfg.VerifyDelay <= 0 {
		cfg.VerifyDelay = defaultVerifyDelay
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Guard{
		cfg:     cfg,
		ex:      ex,
		logger:  log.With(zap.String("symbol", cfg.Symbol), zap.String("component", "guard")),
		monitor: mon,
		after:   time.After,
	}
}

// Position 最近一次推送的仓位
func (g *Guard) Position() decimal.Decimal { return g.position }

// Active 当前保护单
func (g *Guard) Active() (Order, bool) {
	if g.active == nil {
		return Order{}, false
	}
	return *g.active, true
}

// CooldownUntil 强平冷却截止时间
func (g *Guard) CooldownUntil() time.Time { return g.cooldownUntil }

// Seed 用启动时查询到的仓位初始化，首个标记价到达后挂出保护单。
func (g *Guard) Seed(qty decimal.Decimal) { g.position = qty }

// ExitPrice 保护单价格：标记价向平仓方向偏移 exitBps + 2 倍 maker 费率。
func (g *Guard) ExitPrice(mark decimal.Decimal, side gateway.Side) decimal.Decimal {
	bps := g.cfg.ExitBps + 2*g.cfg.Constraints.MakerFeeBps()
	return g.cfg.Constraints.AlignPrice(strategy.PriceAtBps(mark, side, bps))
}

// OnPosition 仓位变化：非零时挂出或替换保护单，归零时撤掉。
func (g *Guard) OnPosition(ctx context.Context, now time.Time, p market.PositionUpdate) error {
	g.position = p.Qty
	if p.MarkPrice.IsPositive() {
		g.mark = p.MarkPrice
	}
	if g.position.IsZero() {
		return g.cancelActive(ctx)
	}
	return g.ensure(ctx, now)
}

// OnMark 标记价变化：保护单偏离超过 GuardBps 时撤单并市价强平。
func (g *Guard) OnMark(ctx context.Context, now time.Time, mark decimal.Decimal) error {
	if !mark.IsPositive() {
		return nil
	}
	g.mark = mark
	if g.position.IsZero() || now.Before(g.cooldownUntil) {
		return nil
	}
	if g.active == nil {
		return g.ensure(ctx, now)
	}
	if dist := strategy.DistanceBps(mark, g.active.Price); dist > g.cfg.GuardBps {
		g.logger.Warn("guard price drifted, force closing",
			zap.Float64("distance_bps", dist),
			zap.Float64("guard_bps", g.cfg.GuardBps),
			zap.String("mark", mark.String()),
			zap.String("guard_price", g.active.Price.String()))
		return g.forceClose(ctx, now)
	}
	return nil
}

// OnOrderUpdate 保护单终态后释放，下一次仓位/标记价事件会重新挂出。
func (g *Guard) OnOrderUpdate(u order.ExchangeOrder) {
	if g.active == nil || u.ClientOrderID != g.active.ClientOrderID {
		return
	}
	if u.OrderID != 0 {
		g.active.OrderID = u.OrderID
	}
	switch u.Status {
	case order.ExchangeFilled, order.ExchangeCancelled, order.ExchangeRejected:
		g.logger.Info("guard order closed", zap.String("status", string(u.Status)))
		g.active = nil
	}
}

// Feeds Run 的输入
type Feeds struct {
	Stream  Stream
	Prices  *market.PriceReceiver
	Forward chan<- order.ExchangeOrder // 非保护单的订单推送转发给策略
}

// Run 消费私有推送与标记价，ctx 结束时返回 nil。
func (g *Guard) Run(ctx context.Context, feeds Feeds) error {
	msgs := make(chan market.Message, 256)
	streamErr := make(chan error, 1)
	if feeds.Stream != nil {
		go func() {
			streamErr <- feeds.Stream.Run(ctx, func(m market.Message) {
				select {
				case msgs <- m:
				case <-ctx.Done():
				}
			})
		}()
	}
	var notify <-chan struct{}
	for {
		if feeds.Prices != nil {
			notify = feeds.Prices.Notify()
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-streamErr:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New("private stream closed")
			}
			return fmt.Errorf("private stream: %w", err)
		case m := <-msgs:
			g.dispatch(ctx, m, feeds.Forward)
		case <-notify:
			snap := feeds.Prices.Borrow()
			if mark, ok := snap.MarkOrReference(); ok {
				if err := g.OnMark(ctx, time.Now(), mark); err != nil {
					g.logger.Warn("mark tick handling failed", zap.Error(err))
				}
			}
		}
	}
}

func (g *Guard) dispatch(ctx context.Context, m market.Message, forward chan<- order.ExchangeOrder) {
	switch m.Channel {
	case market.ChannelPosition:
		if m.Position == nil || !strings.EqualFold(m.Position.Symbol, g.cfg.Symbol) {
			return
		}
		if err := g.OnPosition(ctx, time.Now(), *m.Position); err != nil {
			g.logger.Warn("position handling failed", zap.Error(err))
		}
	case market.ChannelOrder:
		if m.Order == nil || !strings.EqualFold(m.Order.Symbol, g.cfg.Symbol) {
			return
		}
		if strings.HasPrefix(m.Order.ClientOrderID, ClientOrderPrefix) {
			g.OnOrderUpdate(*m.Order)
			return
		}
		if forward == nil {
			return
		}
		select {
		case forward <- *m.Order:
		case <-ctx.Done():
		}
	case market.ChannelBalance:
		if m.Balance != nil {
			g.logger.Debug("balance update",
				zap.String("asset", m.Balance.Asset),
				zap.String("available", m.Balance.Available.String()))
		}
	}
}

func (g *Guard) exitSide() gateway.Side {
	if g.position.IsPositive() {
		return gateway.SideSell
	}
	return gateway.SideBuy
}

func (g *Guard) ensure(ctx context.Context, now time.Time) error {
	if now.Before(g.cooldownUntil) || !g.mark.IsPositive() {
		return nil
	}
	side := g.exitSide()
	qty := g.cfg.Constraints.AlignQty(g.position.Abs())
	if qty.IsZero() {
		return g.cancelActive(ctx)
	}
	price := g.ExitPrice(g.mark, side)
	if a := g.active; a != nil {
		if a.Side == side && a.Price.Equal(price) && a.Qty.Equal(qty) {
			return nil
		}
		if err := g.cancelActive(ctx); err != nil {
			return err
		}
	}
	return g.place(ctx, side, price, qty)
}

// place 挂出保护单并确认交易所可见：查询一次，延迟后重试一次，
// 仍不可见则按 client id 撤掉首单再盲重发一次。
func (g *Guard) place(ctx context.Context, side gateway.Side, price, qty decimal.Decimal) error {
	o, err := g.submit(ctx, side, price, qty)
	if err != nil {
		return err
	}
	g.active = o
	visible, err := g.visible(ctx, o.ClientOrderID)
	if !visible {
		if err != nil {
			g.logger.Warn("guard visibility check failed, retrying", zap.Error(err))
		}
		select {
		case <-g.after(g.cfg.VerifyDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		visible, err = g.visible(ctx, o.ClientOrderID)
		if err != nil {
			g.logger.Warn("guard visibility retry failed", zap.Error(err))
		}
	}
	if visible {
		return nil
	}
	g.logger.Warn("guard order not visible, resubmitting", zap.String("client_order_id", o.ClientOrderID))
	// 首单可能延迟出现，先撤掉避免两张保护单同时挂着
	if cerr := g.cancelActive(ctx); cerr != nil {
		g.logger.Debug("cancel invisible guard order failed", zap.Error(cerr))
	}
	o, err = g.submit(ctx, side, price, qty)
	if err != nil {
		return err
	}
	g.active = o
	return nil
}

func (g *Guard) submit(ctx context.Context, side gateway.Side, price, qty decimal.Decimal) (*Order, error) {
	id := newClientOrderID(g.cfg.Symbol)
	p := price
	env, err := g.ex.PlaceOrder(ctx, gateway.NewOrderRequest{
		Symbol:        g.cfg.Symbol,
		Side:          side,
		Type:          gateway.OrderTypeLimit,
		Qty:           qty,
		TimeInForce:   gateway.TimeInForceGTC,
		ReduceOnly:    true,
		Price:         &p,
		ClientOrderID: id,
	})
	if err == nil {
		err = env.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("place guard order: %w", err)
	}
	g.monitor.RecordGuardOrder(g.cfg.Symbol)
	g.logger.LogOrder("guard_placed", id, map[string]interface{}{
		"symbol": g.cfg.Symbol,
		"side":   string(side),
		"price":  price.String(),
		"qty":    qty.String(),
		"mark":   g.mark.String(),
	})
	return &Order{ClientOrderID: id, OrderID: env.OrderID, Side: side, Price: price, Qty: qty}, nil
}

func (g *Guard) visible(ctx context.Context, clOrdID string) (bool, error) {
	open, err := g.ex.QueryOpenOrders(ctx, g.cfg.Symbol)
	if err != nil {
		return false, err
	}
	for _, o := range open {
		if o.ClientOrderID == clOrdID {
			if g.active != nil && g.active.ClientOrderID == clOrdID && o.OrderID != 0 {
				g.active.OrderID = o.OrderID
			}
			return true, nil
		}
	}
	return false, nil
}

func (g *Guard) cancelActive(ctx context.Context) error {
	a := g.active
	if a == nil {
		return nil
	}
	g.active = nil
	env, err := g.ex.CancelOrder(ctx, gateway.CancelOrderRequest{
		Symbol:        g.cfg.Symbol,
		OrderID:       a.OrderID,
		ClientOrderID: a.ClientOrderID,
	})
	if err == nil {
		err = env.Err()
	}
	if err != nil {
		return fmt.Errorf("cancel guard order %s: %w", a.ClientOrderID, err)
	}
	return nil
}

func (g *Guard) forceClose(ctx context.Context, now time.Time) error {
	side := g.exitSide()
	qty := g.cfg.Constraints.AlignQty(g.position.Abs())
	cancelErr := g.cancelActive(ctx)
	g.cooldownUntil = now.Add(g.cfg.Cooldown)
	if qty.IsZero() {
		return cancelErr
	}
	env, err := g.ex.PlaceOrder(ctx, gateway.NewOrderRequest{
		Symbol:        g.cfg.Symbol,
		Side:          side,
		Type:          gateway.OrderTypeMarket,
		Qty:           qty,
		ReduceOnly:    true,
		ClientOrderID: newClientOrderID(g.cfg.Symbol),
	})
	if err == nil {
		err = env.Err()
	}
	if err != nil {
		return errors.Join(cancelErr, fmt.Errorf("force close: %w", err))
	}
	g.monitor.RecordGuardForceClose(g.cfg.Symbol)
	fields := map[string]interface{}{
		"symbol": g.cfg.Symbol,
		"side":   string(side),
		"qty":    qty.String(),
		"mark":   g.mark.String(),
	}
	g.logger.LogRisk("guard_force_close", fields)
	if g.cfg.Alerts != nil {
		if aerr := g.cfg.Alerts.SendWarning("guard force close", fields); aerr != nil {
			g.logger.Warn("send alert failed", zap.Error(aerr))
		}
	}
	return cancelErr
}

func newClientOrderID(symbol string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s%s-%s", ClientOrderPrefix, strings.ToLower(symbol), id[:16])
}
