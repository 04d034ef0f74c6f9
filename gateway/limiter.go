package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter 控制请求速率，避免触发索引器限流。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// NewLimiter 返回令牌桶限流器；rps <= 0 时不限流。
func NewLimiter(rps float64, burst int) RateLimiter {
	if rps <= 0 {
		return noLimit{}
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type noLimit struct{}

func (noLimit) Wait(ctx context.Context) error { return ctx.Err() }
