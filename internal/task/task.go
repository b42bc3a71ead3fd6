package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perp-maker-go/gateway"
	"perp-maker-go/infrastructure/logger"
	"perp-maker-go/infrastructure/monitor"
	"perp-maker-go/internal/guard"
	"perp-maker-go/internal/symbolcache"
	"perp-maker-go/market"
	"perp-maker-go/order"
	"perp-maker-go/risk"
	"perp-maker-go/strategy"
)

// State 任务生命周期
type State int

const (
	StateInit State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Phase 出错阶段
type Phase string

const (
	PhaseStartup Phase = "startup"
	PhaseRun     Phase = "run"
	PhaseCleanup Phase = "cleanup"
)

// Error 任务失败时返回给 Supervisor 的错误
type Error struct {
	Symbol string
	Phase  Phase
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("task %s failed during %s: %v", e.Symbol, e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var ErrNoConstraints = errors.New("symbol constraints unavailable")

const (
	cleanupTimeout = 20 * time.Second
	updateBuffer   = 256
	maxFlattenLegs = 10
)

// Exchange 任务需要的全部交易所能力，gateway.Client 实现。
type Exchange interface {
	strategy.Executor
	QueryBalance(ctx context.Context) ([]market.BalanceUpdate, error)
	QueryPositions(ctx context.Context, symbol string) ([]market.PositionUpdate, error)
	QueryOpenOrders(ctx context.Context, symbol string) ([]order.ExchangeOrder, error)
	QueryOrders(ctx context.Context, symbol, status string, limit int) ([]order.ExchangeOrder, error)
	QuerySymbolInfo(ctx context.Context, symbol string) (order.SymbolConstraints, error)
}

// Config 单个交易对任务
type Config struct {
	Strategy strategy.Config
	ExitBps  float64
}

// Deps 任务依赖；Prices 与 GuardPrices 必须是同一交易对的两个独立读端。
type Deps struct {
	Exchange    Exchange
	Cache       *symbolcache.Cache
	Prices      *market.PriceReceiver
	GuardPrices *market.PriceReceiver
	Depth       *market.Receiver[market.DepthBook]
	Stream      guard.Stream
	RiskUpdates <-chan risk.Config
	Alerts      Alerter
	Logger      *logger.Logger
	Monitor     *monitor.Monitor
}

// Alerter 任务失败与保护单强平的告警出口，可为 nil。alert.Manager 实现。
type Alerter interface {
	guard.Alerter
	SendCritical(message string, fields map[string]interface{}) error
}

// Task 单交易对的完整生命周期：启动检查 -> 策略与保护单并发运行 -> 撤单平仓。
type Task struct {
	cfg     Config
	deps    Deps
	symbol  string
	logger  *logger.Logger
	monitor *monitor.Monitor

	mu     sync.RWMutex
	state  State
	reason string
}

type startup struct {
	inventory   decimal.Decimal
	constraints order.SymbolConstraints
}

// New 创建任务
func New(cfg Config, deps Deps) *Task {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	symbol := strings.ToUpper(cfg.Strategy.Symbol)
	cfg.Strategy.Symbol = symbol
	return &Task{
		cfg:     cfg,
		deps:    deps,
		symbol:  symbol,
		logger:  log.With(zap.String("symbol", symbol), zap.String("component", "task")),
		monitor: deps.Monitor,
	}
}

// Symbol 交易对
func (t *Task) Symbol() string { return t.symbol }

// State 当前状态及失败原因
func (t *Task) State() (State, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state, t.reason
}

func (t *Task) setState(s State, reason string) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.reason = reason
	t.mu.Unlock()
	t.monitor.UpdateTaskState(t.symbol, int(s))
	fields := []zap.Field{zap.String("from", prev.String()), zap.String("to", s.String())}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	t.logger.Info("task state changed", fields...)
}

// Run 执行完整生命周期。清理总会执行，清理错误与运行错误合并返回。
func (t *Task) Run(ctx context.Context) error {
	t.setState(StateStarting, "")
	st, err := t.startup(ctx)
	if err != nil {
		return t.fail(PhaseStartup, err)
	}

	t.setState(StateRunning, "")
	runErr := t.run(ctx, st)

	t.setState(StateStopping, "")
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	cleanErr := t.cleanup(cctx, st.constraints)
	cancel()

	switch {
	case runErr != nil:
		return t.fail(PhaseRun, errors.Join(runErr, cleanErr))
	case cleanErr != nil:
		return t.fail(PhaseCleanup, cleanErr)
	}
	t.setState(StateStopped, "")
	return nil
}

func (t *Task) fail(phase Phase, err error) error {
	t.setState(StateFailed, err.Error())
	if t.deps.Alerts != nil {
		aerr := t.deps.Alerts.SendCritical("market making task failed", map[string]interface{}{
			"symbol": t.symbol,
			"phase":  string(phase),
			"error":  err.Error(),
		})
		if aerr != nil {
			t.logger.Warn("send alert failed", zap.Error(aerr))
		}
	}
	return &Error{Symbol: t.symbol, Phase: phase, Err: err}
}

// Cleanup 不启动策略，直接撤掉全部挂单并平仓，供应急工具使用。
func (t *Task) Cleanup(ctx context.Context) error {
	cons, err := t.constraints(ctx)
	if err != nil {
		return err
	}
	return t.cleanup(ctx, cons)
}

// startup 账户不存在是致命错误，其余查询失败降级为缓存或空值。
func (t *Task) startup(ctx context.Context) (startup, error) {
	ex := t.deps.Exchange
	var st startup

	balances, err := ex.QueryBalance(ctx)
	switch {
	case errors.Is(err, gateway.ErrAccountNotFound):
		return st, fmt.Errorf("query balance: %w", err)
	case err != nil:
		t.logger.Warn("query balance failed, continuing", zap.Error(err))
	default:
		for _, b := range balances {
			t.logger.Info("balance", zap.String("asset", b.Asset), zap.String("available", b.Available.String()))
		}
	}

	positions, err := ex.QueryPositions(ctx, t.symbol)
	if err != nil {
		t.logger.Warn("query positions failed, assuming flat", zap.Error(err))
	}
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, t.symbol) {
			st.inventory = st.inventory.Add(p.Qty)
		}
	}

	st.constraints, err = t.constraints(ctx)
	if err != nil {
		return st, err
	}

	if err := t.cancelOpenOrders(ctx); err != nil {
		t.logger.Warn("cancel open orders on startup", zap.Error(err))
	}
	t.logger.Info("startup complete",
		zap.String("inventory", st.inventory.String()),
		zap.Int32("price_decimals", st.constraints.PriceDecimals),
		zap.Int32("qty_decimals", st.constraints.QtyDecimals))
	return st, nil
}

func (t *Task) constraints(ctx context.Context) (order.SymbolConstraints, error) {
	c, err := t.deps.Exchange.QuerySymbolInfo(ctx, t.symbol)
	if err == nil {
		if t.deps.Cache != nil {
			if perr := t.deps.Cache.Put(t.symbol, c); perr != nil {
				t.logger.Warn("persist symbol constraints failed", zap.Error(perr))
			}
		}
		return c, nil
	}
	if t.deps.Cache != nil {
		if cached, ok := t.deps.Cache.Get(t.symbol); ok {
			t.logger.Warn("query symbol info failed, using cached constraints", zap.Error(err))
			return cached, nil
		}
	}
	return order.SymbolConstraints{}, fmt.Errorf("%w: %v", ErrNoConstraints, err)
}

// cancelOpenOrders 逐个撤单，返回第一个错误但不中断后续撤单。
func (t *Task) cancelOpenOrders(ctx context.Context) error {
	open, err := t.deps.Exchange.QueryOpenOrders(ctx, t.symbol)
	if err != nil {
		return fmt.Errorf("query open orders: %w", err)
	}
	var first error
	for _, o := range open {
		env, err := t.deps.Exchange.CancelOrder(ctx, gateway.CancelOrderRequest{
			Symbol:        t.symbol,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
		})
		if err == nil {
			err = env.Err()
		}
		if err != nil && first == nil {
			first = fmt.Errorf("cancel %d: %w", o.OrderID, err)
		}
	}
	if len(open) > 0 {
		t.logger.Info("cancelled open orders", zap.Int("count", len(open)))
	}
	return first
}

// run 策略与保护单共享一个取消信号，任一方先结束都会取消另一方。
func (t *Task) run(ctx context.Context, st startup) error {
	scfg := t.cfg.Strategy
	strat, err := strategy.New(scfg, strategy.Deps{
		Executor:    t.deps.Exchange,
		Orders:      t.deps.Exchange,
		History:     t.deps.Exchange,
		Positions:   t.deps.Exchange,
		Constraints: st.constraints,
		Logger:      t.logger,
		Monitor:     t.monitor,
	}, st.inventory, time.Now())
	if err != nil {
		return err
	}
	g := guard.New(guard.Config{
		Symbol:      t.symbol,
		ExitBps:     t.cfg.ExitBps,
		GuardBps:    scfg.RiskLevel.GuardBps(),
		Constraints: st.constraints,
		Alerts:      t.deps.Alerts,
	}, t.deps.Exchange, t.logger, t.monitor)
	g.Seed(st.inventory)

	updates := make(chan order.ExchangeOrder, updateBuffer)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		return strat.Run(gctx, strategy.Feeds{
			Prices:       t.deps.Prices,
			Depth:        t.deps.Depth,
			OrderUpdates: updates,
			RiskUpdates:  t.deps.RiskUpdates,
		})
	})
	eg.Go(func() error {
		defer cancel()
		return g.Run(gctx, guard.Feeds{
			Stream:  t.deps.Stream,
			Prices:  t.deps.GuardPrices,
			Forward: updates,
		})
	})
	return eg.Wait()
}

// cleanup 撤掉剩余挂单后市价 reduce-only 平仓，两步互不阻断。
func (t *Task) cleanup(ctx context.Context, cons order.SymbolConstraints) error {
	var errs []error
	if err := t.cancelOpenOrders(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.flatten(ctx, cons); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (t *Task) flatten(ctx context.Context, cons order.SymbolConstraints) error {
	positions, err := t.deps.Exchange.QueryPositions(ctx, t.symbol)
	if err != nil {
		return fmt.Errorf("query positions: %w", err)
	}
	net := decimal.Zero
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, t.symbol) {
			net = net.Add(p.Qty)
		}
	}
	if net.IsZero() {
		return nil
	}
	side := gateway.SideSell
	if net.IsNegative() {
		side = gateway.SideBuy
	}
	remaining := net.Abs()
	var errs []error
	for i := 0; i < maxFlattenLegs && remaining.IsPositive(); i++ {
		qty := cons.AlignQty(remaining)
		if qty.IsZero() {
			break
		}
		env, err := t.deps.Exchange.PlaceOrder(ctx, gateway.NewOrderRequest{
			Symbol:        t.symbol,
			Side:          side,
			Type:          gateway.OrderTypeMarket,
			Qty:           qty,
			ReduceOnly:    true,
			ClientOrderID: fmt.Sprintf("flat-%s-%d-%d", strings.ToLower(t.symbol), time.Now().UnixMilli(), i),
		})
		if err == nil {
			err = env.Err()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("flatten %s %s: %w", side, qty, err))
			break
		}
		remaining = remaining.Sub(qty)
	}
	t.logger.LogTrade("position_flattened", map[string]interface{}{
		"symbol":    t.symbol,
		"side":      string(side),
		"position":  net.String(),
		"remaining": remaining.String(),
	})
	return errors.Join(errs...)
}
