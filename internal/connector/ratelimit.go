package connector

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token-free sliding window over wall-clock time: it keeps
// the timestamps of the last N requests in the trailing window and blocks new
// requests until fewer than N remain. There is no refill rate; an empty
// window permits immediate issue. Safe for concurrent use.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time

	now   func() time.Time // overridable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter builds a limiter for perMinute requests over a trailing
// 60-second window. Non-positive caps fall back to 60.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		limit:  perMinute,
		window: time.Minute,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Wait blocks until the caller may issue a request, then records it.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := rl.now()
		rl.prune(now)
		if len(rl.stamps) < rl.limit {
			rl.stamps = append(rl.stamps, now)
			rl.mu.Unlock()
			return nil
		}
		// Oldest stamp leaving the window frees a slot.
		wait := rl.stamps[0].Add(rl.window).Sub(now)
		rl.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if err := rl.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops timestamps that have aged out of the window. Caller holds mu.
func (rl *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rl.window)
	keep := 0
	for _, ts := range rl.stamps {
		if ts.After(cutoff) {
			break
		}
		keep++
	}
	if keep > 0 {
		rl.stamps = append(rl.stamps[:0], rl.stamps[keep:]...)
	}
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
