package market

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LogSampler 对高频日志限流，被抑制的条数在下一次放行时一并报告。
type LogSampler struct {
	mu         sync.Mutex
	every      time.Duration
	burst      int
	limiter    *rate.Limiter
	suppressed uint64
}

// NewLogSampler 每 every 放行一条，允许 burst 条突发。
func NewLogSampler(every time.Duration, burst int) *LogSampler {
	if every <= 0 {
		every = time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	s := &LogSampler{every: every, burst: burst}
	s.Reset()
	return s
}

// Allow 是否记录本条日志；放行时返回此前被抑制的条数。
func (s *LogSampler) Allow(now time.Time) (bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.limiter.AllowN(now, 1) {
		s.suppressed++
		return false, 0
	}
	n := s.suppressed
	s.suppressed = 0
	return true, n
}

// Reset 恢复满令牌桶并清零计数
func (s *LogSampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter = rate.NewLimiter(rate.Every(s.every), s.burst)
	s.suppressed = 0
}
