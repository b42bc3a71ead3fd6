package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"perp-maker-go/infrastructure/logger"
)

// Watcher 基于 fsnotify 监听配置文件，写入停止 Settle 时长后重新加载。
// 监听所在目录而不是文件本身，编辑器的 rename 写法也能触发。
type Watcher struct {
	Path   string
	Settle time.Duration
	Logger *logger.Logger
}

// Start 阻塞直到 ctx 结束；只有通过校验的新配置才会回调 onUpdate。
func (w Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if w.Settle <= 0 {
		w.Settle = 500 * time.Millisecond
	}
	log := w.Logger
	if log == nil {
		log = logger.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	target := filepath.Clean(w.Path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.Settle)
			} else {
				timer.Reset(w.Settle)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			cfg, err := LoadWithEnvOverrides(w.Path)
			if err != nil {
				log.Warn("config reload rejected", zap.String("path", w.Path), zap.Error(err))
				continue
			}
			log.Info("config reloaded", zap.String("path", w.Path))
			if onUpdate != nil {
				onUpdate(cfg)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", zap.Error(err))
		}
	}
}
