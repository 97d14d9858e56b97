package kiro

import (
	"math/rand"
	"sync"
	"time"
)

// jitterPercent is the default ±jitter applied to exponential backoff, to
// avoid a thundering herd when multiple gateway instances retry at once.
const jitterPercent = 0.30

var (
	backoffRand     *rand.Rand
	backoffRandOnce sync.Once
	backoffMu       sync.Mutex
)

func initBackoffRand() {
	backoffRandOnce.Do(func() {
		backoffRand = rand.New(rand.NewSource(time.Now().UnixNano()))
	})
}

func jitterDelay(base time.Duration, percent float64) time.Duration {
	initBackoffRand()
	backoffMu.Lock()
	defer backoffMu.Unlock()

	if percent <= 0 || percent > 1 {
		percent = jitterPercent
	}
	span := float64(base) * percent
	delta := (backoffRand.Float64()*2 - 1) * span
	result := time.Duration(float64(base) + delta)
	if result < 0 {
		return 0
	}
	return result
}

// ExponentialBackoff computes the delay before retry attempt (0-indexed),
// as min(baseDelay*2^attempt, maxDelay) with ±30% jitter.
func ExponentialBackoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := baseDelay * time.Duration(uint64(1)<<uint(attempt))
	if backoff > maxDelay || backoff < 0 {
		backoff = maxDelay
	}
	return jitterDelay(backoff, jitterPercent)
}
