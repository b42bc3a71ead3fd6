package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter 控制请求速率，避免触发交易所限流。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// NewRateLimiter 令牌桶限速，rps<=0 时默认 10/s。
func NewRateLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
