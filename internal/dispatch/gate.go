package dispatch

import (
	"context"

	"golang.org/x/time/rate"
)

// Gate is the compliance collaborator consulted before enqueue and before
// every send attempt.
type Gate interface {
	IsOptedOut(ctx context.Context, destination string) (bool, error)
}

// Limiter caps send throughput. TryAcquire must not block; a false return
// ends the current drain cycle.
type Limiter interface {
	TryAcquire() bool
}

// NewRateLimiter returns the default token-bucket Limiter.
// Burst equals the per-second rate so short spikes don't block too hard.
func NewRateLimiter(perSec int) Limiter {
	if perSec <= 0 {
		perSec = 10
	}
	return tokenLimiter{lim: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

type tokenLimiter struct{ lim *rate.Limiter }

func (t tokenLimiter) TryAcquire() bool { return t.lim.Allow() }
