package market

import (
	"context"
	"sync"
)

// Watch 单写多读的最新值通道。
// 读者只能看到最新值，中间值可能被合并。
type Watch[T any] struct {
	mu      sync.RWMutex
	val     T
	version uint64
	changed chan struct{}
}

// NewWatch 以初始值创建
func NewWatch[T any](initial T) *Watch[T] {
	return &Watch[T]{val: initial, changed: make(chan struct{})}
}

// Send 写入新值并唤醒所有等待者
func (w *Watch[T]) Send(v T) {
	w.mu.Lock()
	w.val = v
	w.version++
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

// Update 在锁内基于旧值计算新值
func (w *Watch[T]) Update(fn func(old T) T) {
	w.mu.Lock()
	w.val = fn(w.val)
	w.version++
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

// Load 返回当前值与版本号
func (w *Watch[T]) Load() (T, uint64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.val, w.version
}

// Subscribe 创建读者，初始值视为已读。
func (w *Watch[T]) Subscribe() *Receiver[T] {
	_, v := w.Load()
	return &Receiver[T]{w: w, seen: v}
}

// Receiver Watch 的读端，每个读者独立记录已读版本。
type Receiver[T any] struct {
	w    *Watch[T]
	seen uint64
}

// Borrow 读取最新值并标记为已读
func (r *Receiver[T]) Borrow() T {
	v, ver := r.w.Load()
	r.seen = ver
	return v
}

// HasChanged 自上次 Borrow 后是否有新值
func (r *Receiver[T]) HasChanged() bool {
	_, ver := r.w.Load()
	return ver != r.seen
}

// Changed 阻塞直到出现未读的新值或 ctx 结束。
func (r *Receiver[T]) Changed(ctx context.Context) error {
	r.w.mu.RLock()
	if r.w.version != r.seen {
		r.w.mu.RUnlock()
		return nil
	}
	ch := r.w.changed
	r.w.mu.RUnlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify 返回一个在下一次写入时关闭的 channel，用于 select。
func (r *Receiver[T]) Notify() <-chan struct{} {
	r.w.mu.RLock()
	defer r.w.mu.RUnlock()
	if r.w.version != r.seen {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.w.changed
}
