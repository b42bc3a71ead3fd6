package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"perp-maker-go/infrastructure/logger"
	"perp-maker-go/infrastructure/monitor"
)

var (
	ErrRetriesExhausted = errors.New("market data reconnect retries exhausted")
	ErrSenderBusy       = errors.New("market data sender already in use")
)

const feedName = "market"

// FeedConn 一条已建立的行情连接。Subscribe 只由 Hub 的 worker 调用。
type FeedConn interface {
	Subscribe(ctx context.Context, symbols []string) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer 建立行情连接
type Dialer interface {
	Dial(ctx context.Context) (FeedConn, error)
}

// HubConfig 行情中心配置
type HubConfig struct {
	MaxRetries int // 0 表示无限重试
}

// PriceReceiver 价格读端
type PriceReceiver = Receiver[PriceSnapshot]

// Hub 共享行情连接，向所有订阅者分发每个交易对的最新价格。
// 唯一的后台 worker 持有连接；新订阅排入 pending 队列，由 worker 串行处理。
type Hub struct {
	dialer  Dialer
	cfg     HubConfig
	logger  *logger.Logger
	monitor *monitor.Monitor
	sampler *LogSampler

	mu     sync.Mutex
	prices map[string]*Watch[PriceSnapshot]
	depths map[string]*Watch[DepthBook]
	// 尚未被 worker 接收的订阅，不限长度，订阅方永不阻塞
	pending []string

	state   *Watch[ConnState]
	wake    chan struct{}
	running atomic.Bool

	after func(time.Duration) <-chan time.Time
	now   func() time.Time
}

// NewHub 创建行情中心，需调用 Run 启动 worker。
func NewHub(dialer Dialer, cfg HubConfig, log *logger.Logger, mon *monitor.Monitor) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		dialer:  dialer,
		cfg:     cfg,
		logger:  log,
		monitor: mon,
		sampler: NewLogSampler(5*time.Second, 3),
		prices:  make(map[string]*Watch[PriceSnapshot]),
		depths:  make(map[string]*Watch[DepthBook]),
		state:   NewWatch(ConnState{Kind: ConnDisconnected}),
		wake:    make(chan struct{}, 1),
		after:   time.After,
		now:     time.Now,
	}
}

// SubscribePrice 返回该交易对的价格读端；首次订阅时向 worker 发送跟踪命令。
func (h *Hub) SubscribePrice(symbol string) *PriceReceiver {
	h.mu.Lock()
	w, ok := h.prices[symbol]
	if !ok {
		w = NewWatch(PriceSnapshot{Symbol: symbol})
		h.prices[symbol] = w
	}
	h.mu.Unlock()
	if !ok {
		h.track(symbol)
	}
	return w.Subscribe()
}

// SubscribeDepth 返回该交易对的深度读端
func (h *Hub) SubscribeDepth(symbol string) *Receiver[DepthBook] {
	h.mu.Lock()
	w, ok := h.depths[symbol]
	if !ok {
		w = NewWatch(DepthBook{Symbol: symbol})
		h.depths[symbol] = w
	}
	_, priced := h.prices[symbol]
	if !priced {
		h.prices[symbol] = NewWatch(PriceSnapshot{Symbol: symbol})
	}
	h.mu.Unlock()
	if !priced {
		h.track(symbol)
	}
	return w.Subscribe()
}

// State 连接状态读端
func (h *Hub) State() *Receiver[ConnState] { return h.state.Subscribe() }

// Sampler 解析失败日志的采样器
func (h *Hub) Sampler() *LogSampler { return h.sampler }

func (h *Hub) track(symbol string) {
	h.mu.Lock()
	h.pending = append(h.pending, symbol)
	h.mu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) takePending() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.pending
	h.pending = nil
	return out
}

func (h *Hub) setState(s ConnState) {
	h.state.Send(s)
	h.monitor.UpdateWSState(feedName, int(s.Kind))
}

// Run worker 主循环，阻塞直到 ctx 结束或重试次数耗尽。
// 同一时刻只允许一个 worker 持有连接。
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrSenderBusy
	}
	defer h.running.Store(false)
	defer h.setState(ConnState{Kind: ConnDisconnected})

	tracked := make(map[string]struct{})
	retries := 0
	for {
		h.drainCommands(tracked)
		if len(tracked) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-h.wake:
				continue
			}
		}

		h.setState(ConnState{Kind: ConnPaused})
		conn, err := h.connect(ctx, tracked)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			retries++
			h.setState(ConnState{Kind: ConnDisconnected, Retries: retries})
			if h.cfg.MaxRetries > 0 && retries > h.cfg.MaxRetries {
				h.logger.Error("market data give up",
					zap.Int("retries", retries), zap.Error(err))
				return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, retries, err)
			}
			delay := Backoff(retries)
			h.logger.Warn("market data connect failed",
				zap.Int("retries", retries),
				zap.Duration("backoff", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-h.after(delay):
			}
			continue
		}

		retries = 0
		h.setState(ConnState{Kind: ConnConnected})
		h.logger.Info("market data connected", zap.Strings("symbols", sortedKeys(tracked)))

		err = h.session(ctx, conn, tracked)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		h.monitor.RecordWSReconnect(feedName)
		h.setState(ConnState{Kind: ConnPaused})
		h.logger.Warn("market data stream ended, reconnecting", zap.Error(err))
	}
}

func (h *Hub) connect(ctx context.Context, tracked map[string]struct{}) (FeedConn, error) {
	conn, err := h.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := conn.Subscribe(ctx, sortedKeys(tracked)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return conn, nil
}

func (h *Hub) drainCommands(tracked map[string]struct{}) {
	for _, sym := range h.takePending() {
		tracked[sym] = struct{}{}
	}
}

// session 读取直到连接断开；期间到达的新订阅直接在当前连接上补发。
func (h *Hub) session(ctx context.Context, conn FeedConn, tracked map[string]struct{}) error {
	msgs := make(chan []byte, 64)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			raw, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- raw:
			case <-stop:
				return
			}
		}
	}()
	defer func() {
		close(stop)
		_ = conn.Close()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-h.wake:
			var fresh []string
			for _, sym := range h.takePending() {
				if _, ok := tracked[sym]; ok {
					continue
				}
				tracked[sym] = struct{}{}
				fresh = append(fresh, sym)
			}
			if len(fresh) == 0 {
				continue
			}
			if err := conn.Subscribe(ctx, fresh); err != nil {
				return fmt.Errorf("subscribe %v: %w", fresh, err)
			}
		case raw := <-msgs:
			h.dispatch(raw, tracked)
		}
	}
}

func (h *Hub) dispatch(raw []byte, tracked map[string]struct{}) {
	now := h.now()
	msg, err := Parse(raw, now)
	if err != nil {
		if ok, suppressed := h.sampler.Allow(now); ok {
			h.logger.Warn("market data parse failed",
				zap.Error(err),
				zap.Uint64("suppressed", suppressed))
		}
		return
	}
	if _, ok := tracked[msg.Symbol]; !ok {
		return
	}
	switch msg.Channel {
	case ChannelPrice:
		h.mu.Lock()
		w := h.prices[msg.Symbol]
		h.mu.Unlock()
		if w != nil {
			u := *msg.Price
			w.Update(func(old PriceSnapshot) PriceSnapshot { return old.Merge(u) })
		}
	case ChannelDepthBook:
		h.mu.Lock()
		w := h.depths[msg.Symbol]
		h.mu.Unlock()
		if w != nil {
			w.Send(*msg.Depth)
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
