package collect

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffSchedule computes the delay before a retried task becomes eligible
// again. Delays grow exponentially with jitter so retried tasks from the same
// failed burst do not stampede the upstream together.
type BackoffSchedule struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff matches the executor's default retry spacing.
func DefaultBackoff() BackoffSchedule {
	return BackoffSchedule{
		Base: 2 * time.Second,
		Max:  2 * time.Minute,
	}
}

// Delay returns the wait before attempt n (0-based) runs again.
func (b BackoffSchedule) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 2 * time.Minute
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
