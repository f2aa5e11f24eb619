package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter spaces provider calls to requestsPerMinute, allowing bursts of
// the same size.
type rateLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute),
		now:     time.Now,
	}
}

// wait blocks until a call is allowed or the context is done.
func (rl *rateLimiter) wait(ctx context.Context) error {
	if err := rl.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("rate limiter canceled: %w", ctxErr)
		}
		// The limiter refuses up front when the wait would outlast the deadline.
		return fmt.Errorf("rate limiter canceled: %w: %w", context.DeadlineExceeded, err)
	}
	return nil
}

// tryAcquire takes a token without blocking.
func (rl *rateLimiter) tryAcquire() bool {
	return rl.limiter.AllowN(rl.now(), 1)
}
