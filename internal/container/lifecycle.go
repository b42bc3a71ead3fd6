package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"perp-maker-go/infrastructure/logger"
)

// Component 由容器托管启停与健康巡检的后台组件
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// Registry 按注册顺序启动组件，逆序停止，并定期巡检健康状态。
type Registry struct {
	mu   sync.RWMutex
	list []Component
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, c)
}

func (r *Registry) components() []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Component(nil), r.list...)
}

// StartAll 任一组件启动失败时停止已启动的组件
func (r *Registry) StartAll(ctx context.Context) error {
	list := r.components()
	for i, c := range list {
		if err := c.Start(ctx); err != nil {
			return errors.Join(fmt.Errorf("start %s failed: %w", c.Name(), err), stopReverse(list[:i]))
		}
	}
	return nil
}

func (r *Registry) StopAll() error { return stopReverse(r.components()) }

func stopReverse(list []Component) error {
	var errs []error
	for i := len(list) - 1; i >= 0; i-- {
		if err := list[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HealthFunc 巡检回调；err 为 nil 表示该组件从异常中恢复。
type HealthFunc func(name string, err error)

// WatchHealth 每 interval 巡检一次直到 ctx 结束。
func (r *Registry) WatchHealth(ctx context.Context, interval time.Duration, report HealthFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	down := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		r.sweep(down, report)
	}
}

// sweep 异常组件每轮都上报（告警侧限流），恢复只上报一次。
func (r *Registry) sweep(down map[string]bool, report HealthFunc) {
	for _, c := range r.components() {
		name := c.Name()
		if err := c.Health(); err != nil {
			down[name] = true
			report(name, err)
			continue
		}
		if down[name] {
			delete(down, name)
			report(name, nil)
		}
	}
}

// httpServerComponent 监听失败记为不健康
type httpServerComponent struct {
	name    string
	addr    string
	handler http.Handler
	logger  *logger.Logger

	mu     sync.Mutex
	srv    *http.Server
	served chan struct{}
	err    error
}

func (h *httpServerComponent) Name() string { return h.name }

func (h *httpServerComponent) Start(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", h.name, h.addr, err)
	}
	h.srv = &http.Server{Handler: h.handler, ReadHeaderTimeout: 5 * time.Second}
	h.served = make(chan struct{})
	h.err = nil
	h.logger.Info("http server listening", zap.String("component", h.name), zap.String("addr", ln.Addr().String()))
	go func(srv *http.Server, served chan struct{}) {
		defer close(served)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.LogError(err, map[string]interface{}{"component": h.name, "action": "serve"})
			h.mu.Lock()
			h.err = err
			h.mu.Unlock()
		}
	}(h.srv, h.served)
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	srv, served := h.srv, h.served
	h.srv = nil
	h.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", h.name, err)
	}
	<-served
	h.logger.Info("http server stopped", zap.String("component", h.name))
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.err != nil:
		return fmt.Errorf("%s serve: %w", h.name, h.err)
	case h.srv == nil:
		return fmt.Errorf("%s not started", h.name)
	}
	return nil
}

// backgroundComponent 把阻塞的 run(ctx) 包装成可停止的组件。
// run 提前返回即不健康；运行中的状态由可选的 health 判断。
type backgroundComponent struct {
	name   string
	logger *logger.Logger
	run    func(ctx context.Context) error
	health func() error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (b *backgroundComponent) Name() string { return b.name }

func (b *backgroundComponent) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		err := b.run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("component exited", zap.String("component", b.name), zap.Error(err))
		}
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
	}(b.done)
	return nil
}

func (b *backgroundComponent) Stop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("%s did not stop in time", b.name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = nil
	if b.err != nil && !errors.Is(b.err, context.Canceled) {
		return fmt.Errorf("%s: %w", b.name, b.err)
	}
	return nil
}

func (b *backgroundComponent) Health() error {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done == nil {
		return fmt.Errorf("%s not started", b.name)
	}
	select {
	case <-done:
		b.mu.Lock()
		runErr := b.err
		b.mu.Unlock()
		if runErr != nil {
			return fmt.Errorf("%s exited: %w", b.name, runErr)
		}
		return fmt.Errorf("%s exited", b.name)
	default:
	}
	if b.health != nil {
		return b.health()
	}
	return nil
}
