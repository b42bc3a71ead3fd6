package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"perp-maker-go/gateway"
	"perp-maker-go/infrastructure/logger"
	"perp-maker-go/infrastructure/monitor"
	"perp-maker-go/market"
	"perp-maker-go/order"
	"perp-maker-go/risk"
)

var (
	ErrNoReferencePrice = errors.New("no reference price")
	ErrStalePrice       = errors.New("reference price stale")
)

// 对账发现挂单消失时回查的历史订单
const (
	historyStatus = "filled"
	historyLimit  = 100
)

var sides = []gateway.Side{gateway.SideBuy, gateway.SideSell}

// Executor 下单/撤单能力；生产实现为 gateway.Client，测试使用内存实现。
type Executor interface {
	PlaceOrder(ctx context.Context, req gateway.NewOrderRequest) (gateway.Envelope, error)
	CancelOrder(ctx context.Context, req gateway.CancelOrderRequest) (gateway.Envelope, error)
}

// OrderQuerier 对账快照来源
type OrderQuerier interface {
	QueryOpenOrders(ctx context.Context, symbol string) ([]order.ExchangeOrder, error)
}

// OrderHistory 按状态查询历史订单
type OrderHistory interface {
	QueryOrders(ctx context.Context, symbol, status string, limit int) ([]order.ExchangeOrder, error)
}

// PositionQuerier 交易所仓位查询
type PositionQuerier interface {
	QueryPositions(ctx context.Context, symbol string) ([]market.PositionUpdate, error)
}

// Deps 策略依赖；History 与 Positions 为 nil 时对账只标记丢失订单。
type Deps struct {
	Executor    Executor
	Orders      OrderQuerier
	History     OrderHistory
	Positions   PositionQuerier
	Constraints order.SymbolConstraints
	Logger      *logger.Logger
	Monitor     *monitor.Monitor
}

// Feeds Run 消费的输入；除 Prices 外均可为 nil。
type Feeds struct {
	Prices       *market.PriceReceiver
	Depth        *market.Receiver[market.DepthBook]
	OrderUpdates <-chan order.ExchangeOrder
	RiskUpdates  <-chan risk.Config
}

// Strategy 单交易对阶梯做市。
// 状态只归属一个任务，由 Run 所在的 goroutine 独占驱动，不加锁。
type Strategy struct {
	cfg     Config
	cons    order.SymbolConstraints
	exec      Executor
	orders    OrderQuerier
	history   OrderHistory
	positions PositionQuerier
	logger    *logger.Logger
	monitor *monitor.Monitor

	tracker *order.Tracker
	risk    *risk.Manager
	uptime  *UptimeTracker

	inventory     decimal.Decimal
	backoffUntil  map[gateway.Side]time.Time
	mode          Mode
	survivalUntil time.Time
	bootstrapSide gateway.Side // 为空表示双边报价
	filledOnce    bool
	quotes        map[Slot]*LiveQuote

	reconcileLimiter *rate.Limiter
	reconcileDue     bool
	lastVerdict      risk.Level
	lastRef          decimal.Decimal
	priceStale       bool
}

// New 创建策略；initialInventory 非零时只在减仓方向报价，直到第一次成交。
func New(cfg Config, deps Deps, initialInventory decimal.Decimal, now time.Time) (*Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Executor == nil {
		return nil, errors.New("executor required")
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	s := &Strategy{
		cfg:              cfg,
		cons:             deps.Constraints,
		exec:             deps.Executor,
		orders:           deps.Orders,
		history:          deps.History,
		positions:        deps.Positions,
		logger:           log.With(zap.String("symbol", cfg.Symbol), zap.String("component", "strategy")),
		monitor:          deps.Monitor,
		tracker:          order.NewTracker(cfg.SendTimeout),
		risk:             risk.NewManager(cfg.Risk),
		uptime:           NewUptimeTracker(now),
		inventory:        initialInventory,
		backoffUntil:     make(map[gateway.Side]time.Time),
		mode:             AggressiveMode(),
		quotes:           make(map[Slot]*LiveQuote),
		reconcileLimiter: rate.NewLimiter(rate.Every(cfg.ReconcileMinGap), 1),
	}
	switch {
	case initialInventory.IsPositive():
		s.bootstrapSide = gateway.SideSell
	case initialInventory.IsNegative():
		s.bootstrapSide = gateway.SideBuy
	}
	return s, nil
}

// Inventory 当前库存（正为多头）
func (s *Strategy) Inventory() decimal.Decimal { return s.inventory }

// Mode 当前模式
func (s *Strategy) Mode() Mode { return s.mode }

// SurvivalUntil Survival 模式到期时间
func (s *Strategy) SurvivalUntil() time.Time { return s.survivalUntil }

// InBackoff 该方向是否处于成交后退避窗口
func (s *Strategy) InBackoff(side gateway.Side, now time.Time) bool {
	until, ok := s.backoffUntil[side]
	return ok && now.Before(until)
}

// BootstrapSide 启动持仓未释放时唯一允许的方向
func (s *Strategy) BootstrapSide() gateway.Side { return s.bootstrapSide }

// Tracker 订单跟踪器
func (s *Strategy) Tracker() *order.Tracker { return s.tracker }

// Uptime 挂单时长统计
func (s *Strategy) Uptime() *UptimeTracker { return s.uptime }

// Quotes 按槽位排序的在挂报价副本
func (s *Strategy) Quotes() []LiveQuote {
	out := make([]LiveQuote, 0, len(s.quotes))
	for _, q := range s.quotes {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot.Tier != out[j].Slot.Tier {
			return out[i].Slot.Tier < out[j].Slot.Tier
		}
		return out[i].Slot.Side < out[j].Slot.Side
	})
	return out
}

// UpdateRiskConfig 热更新风控阈值
func (s *Strategy) UpdateRiskConfig(cfg risk.Config) {
	s.risk.UpdateConfig(cfg)
	s.logger.Info("risk config updated",
		zap.Float64("max_velocity_bps", cfg.MaxVelocityBpsPerSec),
		zap.Float64("max_spread_bps", cfg.MaxSpreadBps),
		zap.Int("max_fills_per_minute", cfg.MaxFillsPerMinute))
}

// HandleOrderUpdate 应用私有流推送的订单更新
func (s *Strategy) HandleOrderUpdate(u order.ExchangeOrder, now time.Time) {
	if err := s.tracker.HandleUpdate(u, now); err != nil {
		if errors.Is(err, order.ErrUnknownOrderID) {
			s.logger.Debug("update for untracked order", zap.Int64("order_id", u.OrderID))
			return
		}
		s.logger.Warn("order update rejected", zap.Int64("order_id", u.OrderID), zap.Error(err))
	}
}

// Refresh 一个刷新周期：到期窗口 -> 成交处理 -> 风控 -> 阶梯刷新。
// 单个槽位失败不会中断本轮，错误合并后返回。
func (s *Strategy) Refresh(ctx context.Context, now time.Time, snap market.PriceSnapshot, depth *market.DepthBook) error {
	s.expireWindows(now)
	s.processFills(now)
	for _, id := range s.tracker.CheckTimeouts(now) {
		s.monitor.RecordOrderFailed(s.cfg.Symbol, order.ReasonSendTimeout)
		s.logger.Warn("order send timeout", zap.String("client_order_id", id))
	}

	ref, perr := s.referencePrice(now, snap)
	if perr != nil {
		return s.pause(ctx, now, perr)
	}
	s.lastRef = ref

	s.risk.RecordPrice(now, ref.InexactFloat64())
	verdict := s.risk.Assess(now, s.riskInputs(snap, depth, ref))
	s.monitor.UpdateRiskVerdict(s.cfg.Symbol, int(verdict.Level))
	if verdict.Level != s.lastVerdict {
		s.logger.LogRisk("risk_verdict_changed", map[string]interface{}{
			"symbol":  s.cfg.Symbol,
			"from":    s.lastVerdict.String(),
			"to":      verdict.Level.String(),
			"reasons": verdict.Reasons,
		})
		s.lastVerdict = verdict.Level
	}

	var err error
	if verdict.IsSafe() {
		err = s.refreshLadder(ctx, now, ref)
	} else {
		err = s.cancelAll(ctx, now)
	}
	if s.reconcileDue {
		err = errors.Join(err, s.Reconcile(ctx, now))
	}
	s.uptime.Update(now, verdict.IsSafe() && s.fullLadderResting())
	s.monitor.UpdateUptimeRatio(s.cfg.Symbol, s.uptime.Ratio())
	s.monitor.UpdateStrategyMode(s.cfg.Symbol, int(s.mode.Kind))
	return err
}

// referencePrice 超过 MaxPriceAge 的快照视为没有价格
func (s *Strategy) referencePrice(now time.Time, snap market.PriceSnapshot) (decimal.Decimal, error) {
	ref, ok := snap.ReferencePrice()
	if !ok {
		return decimal.Zero, ErrNoReferencePrice
	}
	age := now.Sub(snap.At)
	if s.cfg.MaxPriceAge > 0 && (snap.At.IsZero() || age > s.cfg.MaxPriceAge) {
		if !s.priceStale {
			s.priceStale = true
			s.logger.Warn("reference price stale, quoting paused",
				zap.Duration("age", age),
				zap.Duration("max_age", s.cfg.MaxPriceAge))
		}
		return decimal.Zero, ErrStalePrice
	}
	if s.priceStale {
		s.priceStale = false
		s.logger.Info("reference price fresh again, quoting resumed")
	}
	return ref, nil
}

// pause 没有可用价格时撤掉全部报价并记为不在线；返回值总是包含 cause。
func (s *Strategy) pause(ctx context.Context, now time.Time, cause error) error {
	err := s.cancelAll(ctx, now)
	if s.reconcileDue {
		err = errors.Join(err, s.Reconcile(ctx, now))
	}
	s.uptime.Update(now, false)
	s.monitor.UpdateUptimeRatio(s.cfg.Symbol, s.uptime.Ratio())
	if err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Reconcile 用交易所挂单快照对账，并撤掉不属于任何槽位的本策略挂单。
func (s *Strategy) Reconcile(ctx context.Context, now time.Time) error {
	s.reconcileDue = false
	if s.orders == nil {
		return nil
	}
	open, err := s.orders.QueryOpenOrders(ctx, s.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("query open orders: %w", err)
	}
	mine := open[:0:0]
	for _, o := range open {
		if strings.HasPrefix(o.ClientOrderID, ClientOrderPrefix) {
			mine = append(mine, o)
		}
	}
	res, err := s.tracker.ReconcileWithExchange(mine, now)
	s.monitor.RecordReconcile(s.cfg.Symbol)
	s.logger.Info("reconciled with exchange",
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("missing_failed", res.MissingFailed))
	if res.MissingFailed > 0 {
		if rerr := s.resyncMissing(ctx, now); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}

	owned := make(map[string]struct{}, len(s.quotes))
	for _, q := range s.quotes {
		owned[q.ClientOrderID] = struct{}{}
	}
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, o := range mine {
		if _, ok := owned[o.ClientOrderID]; ok {
			continue
		}
		env, cerr := s.exec.CancelOrder(ctx, gateway.CancelOrderRequest{
			Symbol:        s.cfg.Symbol,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
		})
		if cerr == nil {
			cerr = env.Err()
		}
		if cerr != nil {
			errs = append(errs, fmt.Errorf("cancel orphan %s: %w", o.ClientOrderID, cerr))
			continue
		}
		s.logger.Info("orphan order cancelled", zap.String("client_order_id", o.ClientOrderID))
	}
	return errors.Join(errs...)
}

// resyncMissing 挂单从快照中消失：先用历史订单找回成交，再用交易所仓位校正库存。
// 仓位与库存的差额无法归属到具体报价时，按该方向成交处理。
func (s *Strategy) resyncMissing(ctx context.Context, now time.Time) error {
	var errs []error
	if s.history != nil {
		hist, err := s.history.QueryOrders(ctx, s.cfg.Symbol, historyStatus, historyLimit)
		if err != nil {
			errs = append(errs, fmt.Errorf("query order history: %w", err))
		}
		resolved := 0
		for _, o := range hist {
			if !strings.HasPrefix(o.ClientOrderID, ClientOrderPrefix) {
				continue
			}
			ok, rerr := s.tracker.ResolveMissing(o, now)
			if rerr != nil {
				if !errors.Is(rerr, order.ErrUnknownClientOrderID) {
					errs = append(errs, rerr)
				}
				continue
			}
			if ok {
				resolved++
			}
		}
		if resolved > 0 {
			s.logger.Info("missing orders resolved from history", zap.Int("resolved", resolved))
		}
	}
	s.processFills(now)

	if s.positions == nil {
		return errors.Join(errs...)
	}
	positions, err := s.positions.QueryPositions(ctx, s.cfg.Symbol)
	if err != nil {
		errs = append(errs, fmt.Errorf("query positions: %w", err))
		return errors.Join(errs...)
	}
	net := decimal.Zero
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, s.cfg.Symbol) {
			net = net.Add(p.Qty)
		}
	}
	delta := net.Sub(s.inventory)
	if delta.IsZero() {
		return errors.Join(errs...)
	}
	side := gateway.SideBuy
	if delta.IsNegative() {
		side = gateway.SideSell
	}
	s.inventory = net
	s.monitor.UpdateInventory(s.cfg.Symbol, s.inventory.InexactFloat64())
	s.markFilled(now, side)
	s.logger.LogTrade("inventory_resynced", map[string]interface{}{
		"symbol":    s.cfg.Symbol,
		"side":      string(side),
		"delta":     delta.String(),
		"inventory": s.inventory.String(),
	})
	return errors.Join(errs...)
}

// Shutdown 撤销所有在挂报价（尽力而为）
func (s *Strategy) Shutdown(ctx context.Context, now time.Time) error {
	var errs []error
	for _, slot := range s.sortedSlots() {
		lq := s.quotes[slot]
		tr, ok := s.tracker.Get(lq.ClientOrderID)
		if !ok || tr.State.IsTerminal() {
			continue
		}
		var err error
		if lq.Cancel == nil {
			err = s.cancelQuote(ctx, now, lq, nil)
		} else {
			err = s.sendCancel(ctx, now, lq)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	s.uptime.Update(now, false)
	active, inactive := s.uptime.Totals()
	s.logger.Info("strategy stopped",
		zap.Duration("active", active),
		zap.Duration("inactive", inactive),
		zap.Float64("uptime_ratio", s.uptime.Ratio()),
		zap.String("inventory", s.inventory.String()))
	return errors.Join(errs...)
}

// Run 刷新循环：周期刷新、参考价变动刷新、订单推送、周期对账，ctx 结束时撤单返回。
func (s *Strategy) Run(ctx context.Context, feeds Feeds) error {
	if feeds.Prices == nil {
		return errors.New("price feed required")
	}
	refresh := time.NewTicker(s.cfg.RefreshInterval)
	defer refresh.Stop()
	reconcile := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcile.Stop()

	s.logger.Info("strategy started",
		zap.Float64("budget_usd", s.cfg.BudgetUSD),
		zap.String("risk_level", string(s.cfg.RiskLevel)),
		zap.Int("tiers", len(s.cfg.ActiveTiers())),
		zap.String("inventory", s.inventory.String()))

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.Shutdown(shutdownCtx, time.Now())
			cancel()
			if err != nil {
				s.logger.Warn("cancel quotes on shutdown failed", zap.Error(err))
			}
			return nil
		case u, ok := <-feeds.OrderUpdates:
			if !ok {
				feeds.OrderUpdates = nil
				continue
			}
			s.HandleOrderUpdate(u, time.Now())
		case cfg := <-feeds.RiskUpdates:
			s.UpdateRiskConfig(cfg)
		case <-feeds.Prices.Notify():
			if s.priceMoved(feeds.Prices.Borrow()) {
				s.runRefresh(ctx, feeds)
			}
		case <-refresh.C:
			s.runRefresh(ctx, feeds)
		case <-reconcile.C:
			if err := s.Reconcile(ctx, time.Now()); err != nil {
				s.logger.Warn("periodic reconcile failed", zap.Error(err))
			}
		}
	}
}

func (s *Strategy) runRefresh(ctx context.Context, feeds Feeds) {
	snap := feeds.Prices.Borrow()
	var depth *market.DepthBook
	if feeds.Depth != nil {
		if d := feeds.Depth.Borrow(); !d.IsZero() {
			depth = &d
		}
	}
	err := s.Refresh(ctx, time.Now(), snap, depth)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoReferencePrice):
		s.logger.Debug("waiting for first price")
	case err == ErrStalePrice:
		s.logger.Debug("quoting paused on stale price")
	default:
		s.logger.Warn("refresh cycle had errors", zap.Error(err))
	}
}

func (s *Strategy) priceMoved(snap market.PriceSnapshot) bool {
	if s.cfg.RepriceBps <= 0 {
		return false
	}
	ref, ok := snap.ReferencePrice()
	if !ok {
		return false
	}
	if !s.lastRef.IsPositive() {
		return true
	}
	return DistanceBps(s.lastRef, ref) >= s.cfg.RepriceBps
}

func (s *Strategy) expireWindows(now time.Time) {
	if s.mode.Kind == ModeSurvival && !now.Before(s.survivalUntil) {
		s.mode = AggressiveMode()
		s.logger.Info("survival mode expired")
	}
	for side, until := range s.backoffUntil {
		if !now.Before(until) {
			delete(s.backoffUntil, side)
		}
	}
}

// processFills 把新增成交计入库存；完全成交触发退避与 Survival。
func (s *Strategy) processFills(now time.Time) {
	for _, slot := range s.sortedSlots() {
		lq := s.quotes[slot]
		tr, ok := s.tracker.Get(lq.ClientOrderID)
		if !ok {
			continue
		}
		filled := tr.FilledQty
		if tr.State.Kind == order.StateFilled && filled.LessThan(tr.TotalQty) {
			filled = tr.TotalQty
		}
		if delta := filled.Sub(lq.AccountedQty); delta.IsPositive() {
			s.applyFill(slot.Side, delta)
			lq.AccountedQty = filled
		}
		if tr.State.Kind == order.StateFilled {
			s.onFilled(now, lq, filled)
			delete(s.quotes, slot)
		}
	}
}

func (s *Strategy) applyFill(side gateway.Side, qty decimal.Decimal) {
	if side == gateway.SideBuy {
		s.inventory = s.inventory.Add(qty)
	} else {
		s.inventory = s.inventory.Sub(qty)
	}
	s.monitor.UpdateInventory(s.cfg.Symbol, s.inventory.InexactFloat64())
}

func (s *Strategy) onFilled(now time.Time, lq *LiveQuote, qty decimal.Decimal) {
	s.markFilled(now, lq.Slot.Side)
	s.logger.LogTrade("quote_filled", map[string]interface{}{
		"symbol":          s.cfg.Symbol,
		"client_order_id": lq.ClientOrderID,
		"slot":            lq.Slot.String(),
		"price":           lq.Price.String(),
		"qty":             qty.String(),
		"inventory":       s.inventory.String(),
	})
}

// markFilled 成交后的状态切换：释放启动单边、该方向退避、进入或续期 Survival。
func (s *Strategy) markFilled(now time.Time, side gateway.Side) {
	if !s.filledOnce {
		s.filledOnce = true
		if s.bootstrapSide != "" {
			s.logger.Info("first fill, releasing both sides", zap.String("bootstrap_side", string(s.bootstrapSide)))
			s.bootstrapSide = ""
		}
	}
	s.backoffUntil[side] = now.Add(s.cfg.BackoffDuration)
	if s.mode.Kind != ModeSurvival {
		s.mode = SurvivalMode()
	}
	s.survivalUntil = now.Add(s.cfg.SurvivalDuration)
	s.risk.RecordFill(now)
	s.monitor.RecordFill(s.cfg.Symbol, string(side))
}

func (s *Strategy) riskInputs(snap market.PriceSnapshot, depth *market.DepthBook, ref decimal.Decimal) risk.Inputs {
	in := risk.Inputs{
		BestBid:          snap.Bid.InexactFloat64(),
		BestAsk:          snap.Ask.InexactFloat64(),
		PositionNotional: s.inventory.Mul(ref).InexactFloat64(),
	}
	if depth != nil {
		d := &risk.Depth{}
		for _, l := range depth.Bids {
			d.Bids = append(d.Bids, risk.BookLevel{Price: l.Price.InexactFloat64(), Qty: l.Qty.InexactFloat64()})
		}
		for _, l := range depth.Asks {
			d.Asks = append(d.Asks, risk.BookLevel{Price: l.Price.InexactFloat64(), Qty: l.Qty.InexactFloat64()})
		}
		in.Depth = d
	}
	return in
}

// increases 该方向成交是否会扩大库存绝对值
func (s *Strategy) increases(side gateway.Side) bool {
	if side == gateway.SideBuy {
		return !s.inventory.IsNegative()
	}
	return !s.inventory.IsPositive()
}

func (s *Strategy) sideEnabled(side gateway.Side) bool {
	return s.bootstrapSide == "" || s.bootstrapSide == side
}

func (s *Strategy) refreshLadder(ctx context.Context, now time.Time, ref decimal.Decimal) error {
	tiers := s.cfg.ActiveTiers()
	totalWeight := decimal.Zero
	for _, t := range tiers {
		totalWeight = totalWeight.Add(decimal.NewFromFloat(t.Weight))
	}
	if !totalWeight.IsPositive() {
		return errors.New("tiers carry no weight")
	}
	budget := decimal.NewFromFloat(s.cfg.BudgetUSD)
	base := budget.Div(decimal.NewFromInt(2)).Div(ref).Div(totalWeight)
	capacity := budget.Mul(decimal.NewFromFloat(s.cfg.InventoryCapRatio)).Sub(s.inventory.Abs().Mul(ref))

	wanted := make(map[Slot]bool, len(tiers)*2)
	var errs []error
	for _, side := range sides {
		remaining := capacity
		capped := s.increases(side)
		for _, t := range tiers {
			slot := Slot{Tier: t.Index, Side: side}
			wanted[slot] = true
			d := s.desired(t, side, ref, base, now)
			if !s.sideEnabled(side) {
				d.Qty = decimal.Zero
			}
			if capped {
				d = s.capQty(d, &remaining)
			}
			if err := s.refreshSlot(ctx, now, slot, t, ref, d); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, slot := range s.sortedSlots() {
		if wanted[slot] {
			continue
		}
		if err := s.refreshSlot(ctx, now, slot, Tier{}, ref, Desired{}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Strategy) desired(t Tier, side gateway.Side, ref, base decimal.Decimal, now time.Time) Desired {
	bps := TargetBps(t, s.mode)
	mult := SizeMultiplier(bps)
	if s.InBackoff(side, now) {
		mult *= s.cfg.BackoffMultiplier
	}
	qty := base.Mul(decimal.NewFromFloat(t.Weight)).Mul(decimal.NewFromFloat(mult))
	return Desired{
		Price: s.cons.AlignPrice(PriceAtBps(ref, side, bps)),
		Qty:   s.cons.AlignQty(qty),
	}
}

// capQty 从最内档开始消耗加仓方向的剩余名义容量
func (s *Strategy) capQty(d Desired, remaining *decimal.Decimal) Desired {
	if d.Qty.IsZero() || !d.Price.IsPositive() {
		return d
	}
	if !remaining.IsPositive() {
		return Desired{Price: d.Price, Qty: decimal.Zero, Capped: true}
	}
	maxQty := s.cons.AlignQty(remaining.Div(d.Price))
	if d.Qty.GreaterThan(maxQty) {
		d.Qty = maxQty
		d.Capped = true
	}
	*remaining = remaining.Sub(d.Qty.Mul(d.Price))
	return d
}

// refreshSlot 对单个槽位执行下单/保持/替换/撤单决策；d.Qty 为 0 表示该槽位应为空。
func (s *Strategy) refreshSlot(ctx context.Context, now time.Time, slot Slot, t Tier, ref decimal.Decimal, d Desired) error {
	if lq, ok := s.quotes[slot]; ok {
		tr, tracked := s.tracker.Get(lq.ClientOrderID)
		if !tracked {
			delete(s.quotes, slot)
		} else {
			switch tr.State.Kind {
			case order.StateFilled:
				return nil
			case order.StateCancelled, order.StateFailed:
				delete(s.quotes, slot)
				if lq.Cancel != nil && lq.Cancel.Pending != nil {
					s.logger.Debug("cancel done, applying replacement", zap.String("slot", slot.String()))
				}
			default:
				if lq.Cancel != nil || tr.State.Kind == order.StateCancelling {
					return s.superviseCancel(ctx, now, lq, d)
				}
				if d.Qty.IsZero() {
					return s.cancelQuote(ctx, now, lq, nil)
				}
				resting := lq.Qty
				if tr.State.Kind == order.StatePartiallyFilled {
					resting = tr.State.RemainingQty
				}
				if reason := s.replaceReason(now, t, ref, lq, d, resting); reason != "" {
					s.logger.Debug("replacing quote",
						zap.String("slot", slot.String()),
						zap.String("reason", reason),
						zap.String("from", lq.Price.String()),
						zap.String("to", d.Price.String()))
					return s.cancelQuote(ctx, now, lq, &d)
				}
				return nil
			}
		}
	}
	if d.Qty.IsZero() {
		return nil
	}
	return s.place(ctx, now, slot, d)
}

func (s *Strategy) replaceReason(now time.Time, t Tier, ref decimal.Decimal, lq *LiveQuote, d Desired, resting decimal.Decimal) string {
	if !t.Contains(BpsFromPrice(ref, lq.Slot.Side, lq.Price)) {
		return "out_of_band"
	}
	if t.DriftBps > 0 && now.Sub(lq.PlacedAt) >= s.cfg.MinRestForDrift {
		threshold := t.DriftBps
		if threshold < s.cfg.MinDriftBps {
			threshold = s.cfg.MinDriftBps
		}
		if DistanceBps(d.Price, lq.Price) >= threshold {
			return "drift"
		}
	}
	if d.Capped && d.Qty.LessThan(resting) {
		return "inventory_cap"
	}
	return ""
}

// superviseCancel 撤单未确认时暂存替换报价；超过确认期限后请求对账并定期重发撤单。
func (s *Strategy) superviseCancel(ctx context.Context, now time.Time, lq *LiveQuote, d Desired) error {
	c := lq.Cancel
	if c == nil {
		c = &CancelInFlight{SentAt: now, AckDeadline: now.Add(s.cfg.CancelAckTimeout)}
		lq.Cancel = c
	}
	if d.Qty.IsPositive() {
		pending := d
		c.Pending = &pending
	} else {
		c.Pending = nil
	}
	if now.Before(c.AckDeadline) {
		return nil
	}
	if s.reconcileLimiter.AllowN(now, 1) {
		s.reconcileDue = true
		c.LastReconcileAt = now
		s.logger.Warn("cancel ack timeout, requesting reconcile", zap.String("client_order_id", lq.ClientOrderID))
	}
	if now.Sub(c.SentAt) >= s.cfg.CancelRetryInterval {
		return s.sendCancel(ctx, now, lq)
	}
	return nil
}

func (s *Strategy) cancelQuote(ctx context.Context, now time.Time, lq *LiveQuote, pending *Desired) error {
	if err := s.tracker.MarkCancelling(lq.ClientOrderID, now); err != nil {
		return err
	}
	lq.Cancel = &CancelInFlight{Pending: pending}
	return s.sendCancel(ctx, now, lq)
}

func (s *Strategy) sendCancel(ctx context.Context, now time.Time, lq *LiveQuote) error {
	req := gateway.CancelOrderRequest{Symbol: s.cfg.Symbol, ClientOrderID: lq.ClientOrderID}
	if tr, ok := s.tracker.Get(lq.ClientOrderID); ok && tr.HasOrderID() {
		req.OrderID = tr.OrderID
	}
	lq.Cancel.SentAt = now
	lq.Cancel.AckDeadline = now.Add(s.cfg.CancelAckTimeout)
	env, err := s.exec.CancelOrder(ctx, req)
	if err == nil {
		err = env.Err()
	}
	if err != nil {
		return fmt.Errorf("cancel %s: %w", lq.ClientOrderID, err)
	}
	s.monitor.RecordOrderCanceled(s.cfg.Symbol)
	return nil
}

func (s *Strategy) place(ctx context.Context, now time.Time, slot Slot, d Desired) error {
	id := NewClientOrderID(s.cfg.Symbol, slot.Side, slot.Tier)
	if err := s.tracker.RegisterPending(id, d.Qty, now); err != nil {
		return err
	}
	price := d.Price
	env, err := s.exec.PlaceOrder(ctx, gateway.NewOrderRequest{
		Symbol:        s.cfg.Symbol,
		Side:          slot.Side,
		Type:          gateway.OrderTypeLimit,
		Qty:           d.Qty,
		TimeInForce:   gateway.TimeInForcePostOnly,
		ReduceOnly:    false,
		Price:         &price,
		ClientOrderID: id,
	})
	if err == nil {
		err = env.Err()
	}
	if err != nil {
		reason := "transport"
		var apiErr *gateway.APIError
		if errors.As(err, &apiErr) {
			reason = order.ReasonRejected
		}
		if ferr := s.tracker.MarkFailed(id, reason); ferr != nil {
			err = errors.Join(err, ferr)
		}
		s.monitor.RecordOrderFailed(s.cfg.Symbol, reason)
		return fmt.Errorf("place %s: %w", slot, err)
	}
	if err := s.tracker.MarkSent(id, now); err != nil {
		return err
	}
	if env.OrderID != 0 {
		if err := s.tracker.Acknowledge(id, env.OrderID, now); err != nil {
			s.logger.Warn("acknowledge failed", zap.String("client_order_id", id), zap.Error(err))
		}
	}
	s.quotes[slot] = &LiveQuote{
		Slot:          slot,
		ClientOrderID: id,
		Price:         d.Price,
		Qty:           d.Qty,
		PlacedAt:      now,
	}
	s.monitor.RecordOrderPlaced(s.cfg.Symbol, string(slot.Side))
	s.logger.LogOrder("quote_placed", id, map[string]interface{}{
		"symbol": s.cfg.Symbol,
		"slot":   slot.String(),
		"price":  d.Price.String(),
		"qty":    d.Qty.String(),
	})
	return nil
}

func (s *Strategy) cancelAll(ctx context.Context, now time.Time) error {
	var errs []error
	for _, slot := range s.sortedSlots() {
		if err := s.refreshSlot(ctx, now, slot, Tier{}, decimal.Zero, Desired{}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fullLadderResting 所有启用档位双边都已确认挂出且没有撤单在途
func (s *Strategy) fullLadderResting() bool {
	for _, t := range s.cfg.ActiveTiers() {
		for _, side := range sides {
			lq, ok := s.quotes[Slot{Tier: t.Index, Side: side}]
			if !ok || lq.Cancel != nil {
				return false
			}
			tr, ok := s.tracker.Get(lq.ClientOrderID)
			if !ok {
				return false
			}
			if k := tr.State.Kind; k != order.StateAcknowledged && k != order.StatePartiallyFilled {
				return false
			}
		}
	}
	return true
}

func (s *Strategy) sortedSlots() []Slot {
	out := make([]Slot, 0, len(s.quotes))
	for slot := range s.quotes {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Side < out[j].Side
	})
	return out
}
