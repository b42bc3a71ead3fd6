package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"perp-maker-go/infrastructure/logger"
)

var ErrShutdownDeadline = errors.New("task shutdown deadline exceeded")

// DefaultShutdownDeadline 收到停止信号后等待任务退出的上限
const DefaultShutdownDeadline = 30 * time.Second

// Runner Supervisor 管理的任务
type Runner interface {
	Symbol() string
	Run(ctx context.Context) error
}

// Supervisor 并发运行所有任务，停止信号后最多等待 deadline。
type Supervisor struct {
	tasks    []Runner
	deadline time.Duration
	logger   *logger.Logger
	after    func(time.Duration) <-chan time.Time
}

// NewSupervisor 创建 Supervisor
func NewSupervisor(deadline time.Duration, log *logger.Logger) *Supervisor {
	if deadline <= 0 {
		deadline = DefaultShutdownDeadline
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Supervisor{deadline: deadline, logger: log, after: time.After}
}

// Add 注册任务，必须在 Run 之前调用。
func (s *Supervisor) Add(r Runner) { s.tasks = append(s.tasks, r) }

type result struct {
	symbol string
	err    error
}

// Run 等待所有任务结束。任务失败不影响其他任务；
// ctx 取消后超过 deadline 仍未退出的任务以 ErrShutdownDeadline 报告。
func (s *Supervisor) Run(ctx context.Context) error {
	results := make(chan result, len(s.tasks))
	for _, r := range s.tasks {
		go func(r Runner) {
			results <- result{symbol: r.Symbol(), err: r.Run(ctx)}
		}(r)
	}

	running := make(map[string]int, len(s.tasks))
	for _, r := range s.tasks {
		running[r.Symbol()]++
	}
	var (
		errs     []error
		deadline <-chan time.Time
		done     = ctx.Done()
	)
	for pending := len(s.tasks); pending > 0; {
		select {
		case res := <-results:
			pending--
			running[res.symbol]--
			if res.err != nil {
				s.logger.Error("task failed", zap.String("symbol", res.symbol), zap.Error(res.err))
				errs = append(errs, res.err)
			} else {
				s.logger.Info("task stopped", zap.String("symbol", res.symbol))
			}
		case <-done:
			done = nil
			deadline = s.after(s.deadline)
			s.logger.Info("shutdown requested", zap.Int("running", pending), zap.Duration("deadline", s.deadline))
		case <-deadline:
			var stuck []string
			for sym, n := range running {
				if n > 0 {
					stuck = append(stuck, sym)
				}
			}
			sort.Strings(stuck)
			err := fmt.Errorf("%w: %d task(s) still running %v", ErrShutdownDeadline, pending, stuck)
			s.logger.Error("abandoning tasks", zap.Error(err))
			return errors.Join(append(errs, err)...)
		}
	}
	return errors.Join(errs...)
}
