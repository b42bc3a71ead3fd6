package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"perp-maker-go/infrastructure/logger"
	"perp-maker-go/infrastructure/monitor"
	"perp-maker-go/market"
)

const (
	wsReadTimeout  = 30 * time.Second
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 15 * time.Second
)

type subscribeMessage struct {
	Op       string   `json:"op"`
	ID       string   `json:"id"`
	Channels []string `json:"channels"`
	Symbols  []string `json:"symbols,omitempty"`
}

// wsConn 对 gorilla 连接的包装，写操作串行化。
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	stop chan struct{}
	once sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, stop: make(chan struct{})}
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// Subscribe 订阅公共行情频道，每条订阅消息携带请求 id。
func (c *wsConn) Subscribe(_ context.Context, symbols []string) error {
	return c.writeJSON(subscribeMessage{
		Op:       "subscribe",
		ID:       uuid.NewString(),
		Channels: []string{string(market.ChannelPrice), string(market.ChannelDepthBook)},
		Symbols:  symbols,
	})
}

func (c *wsConn) Read(_ context.Context) ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	return msg, nil
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		err = c.conn.Close()
	})
	return err
}

// FeedDialer 公共行情 WS 拨号器，实现 market.Dialer。
type FeedDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

// NewFeedDialer 使用默认 gorilla dialer
func NewFeedDialer(url string) *FeedDialer {
	return &FeedDialer{URL: url, Dialer: websocket.DefaultDialer}
}

func (d *FeedDialer) Dial(ctx context.Context) (market.FeedConn, error) {
	conn, _, err := d.Dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}

// TokenSource 获取私有频道 token
type TokenSource interface {
	WSToken(ctx context.Context) (string, error)
}

// PrivateStream 私有订单/仓位推送：bearer token 认证后显式订阅，断线按行情同样的退避重连。
type PrivateStream struct {
	URL        string
	Tokens     TokenSource
	Dialer     *websocket.Dialer
	MaxRetries int
	logger     *logger.Logger
	monitor    *monitor.Monitor
	after      func(time.Duration) <-chan time.Time
}

// NewPrivateStream 创建私有流
func NewPrivateStream(url string, tokens TokenSource, maxRetries int, log *logger.Logger, mon *monitor.Monitor) *PrivateStream {
	if log == nil {
		log = logger.NewNop()
	}
	return &PrivateStream{
		URL:        url,
		Tokens:     tokens,
		Dialer:     websocket.DefaultDialer,
		MaxRetries: maxRetries,
		logger:     log,
		monitor:    mon,
		after:      time.After,
	}
}

// Run 持续读取私有推送并回调 handler，直到 ctx 结束或重试耗尽。
func (s *PrivateStream) Run(ctx context.Context, handler func(market.Message)) error {
	retries := 0
	for {
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			retries++
			s.monitor.UpdateWSState("private", int(market.ConnDisconnected))
			if s.MaxRetries > 0 && retries > s.MaxRetries {
				return fmt.Errorf("%w: private stream after %d attempts: %v", market.ErrRetriesExhausted, retries, err)
			}
			delay := market.Backoff(retries)
			s.logger.Warn("private stream connect failed",
				zap.Int("retries", retries), zap.Duration("backoff", delay), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-s.after(delay):
			}
			continue
		}
		retries = 0
		s.monitor.UpdateWSState("private", int(market.ConnConnected))
		s.logger.Info("private stream connected")

		err = s.readLoop(ctx, conn, handler)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		s.monitor.RecordWSReconnect("private")
		s.logger.Warn("private stream ended, reconnecting", zap.Error(err))
	}
}

func (s *PrivateStream) connect(ctx context.Context) (*wsConn, error) {
	token, err := s.Tokens.WSToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("ws token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	raw, _, err := s.Dialer.DialContext(ctx, s.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn := newWSConn(raw)
	sub := subscribeMessage{
		Op:       "subscribe",
		ID:       uuid.NewString(),
		Channels: []string{string(market.ChannelOrder), string(market.ChannelPosition), string(market.ChannelBalance)},
	}
	if err := conn.writeJSON(sub); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return conn, nil
}

func (s *PrivateStream) readLoop(ctx context.Context, conn *wsConn, handler func(market.Message)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsClosed(err) {
				return fmt.Errorf("closed by server: %w", err)
			}
			return err
		}
		msg, err := market.Parse(raw, time.Now())
		if err != nil {
			s.logger.Debug("private stream parse failed", zap.Error(err))
			continue
		}
		if msg.Channel == market.ChannelOther {
			continue
		}
		handler(msg)
	}
}

// IsClosed 判断是否为正常关闭
func IsClosed(err error) bool {
	return errors.Is(err, websocket.ErrCloseSent) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
