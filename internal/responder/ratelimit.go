package responder

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket in front of the pipeline. Wait blocks until
// a token is available or ctx ends.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewRateLimiter returns nil when ratePerMinute is not positive; a nil
// limiter never blocks.
func NewRateLimiter(burst int, ratePerMinute float64) *RateLimiter {
	if ratePerMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		tokens:   float64(burst),
		max:      float64(burst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.tokens = min(rl.max, rl.tokens+now.Sub(rl.lastTime).Seconds()*rl.rate)
		rl.lastTime = now

		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
