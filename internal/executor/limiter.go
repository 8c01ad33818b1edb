package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jipview/collector/internal/collect"
)

// limiterSet holds one token bucket per job. Buckets refill at
// rate_limit_per_minute/60 tokens per second with a small burst, so a quiet
// job cannot bank a minute of requests and slam the upstream.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	maxWait  time.Duration
}

type limiterEntry struct {
	lim       *rate.Limiter
	perMinute int
}

func newLimiterSet(maxWait time.Duration) *limiterSet {
	return &limiterSet{
		limiters: make(map[string]*limiterEntry),
		maxWait:  maxWait,
	}
}

func burstFor(perMinute int) int {
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return burst
}

// limiter returns the bucket for a key, retuning it when the job's rate
// setting has changed since it was created.
func (s *limiterSet) limiter(key string, perMinute int) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.limiters[key]
	if !ok {
		entry = &limiterEntry{
			lim:       rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burstFor(perMinute)),
			perMinute: perMinute,
		}
		s.limiters[key] = entry
		return entry.lim
	}
	if entry.perMinute != perMinute {
		entry.lim.SetLimit(rate.Limit(float64(perMinute) / 60.0))
		entry.lim.SetBurst(burstFor(perMinute))
		entry.perMinute = perMinute
	}
	return entry.lim
}

// wait blocks for a token, giving up after the bounded wait and returning
// ErrRateLimitExceeded so the attempt is retried later instead of queueing
// indefinitely. A non-positive perMinute means unlimited.
func (s *limiterSet) wait(ctx context.Context, key string, perMinute int) error {
	if perMinute <= 0 {
		return ctx.Err()
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.maxWait)
	defer cancel()

	if err := s.limiter(key, perMinute).Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("limiter wait: %w", ctx.Err())
		}
		return collect.ErrRateLimitExceeded
	}
	return nil
}
