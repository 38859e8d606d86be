// Package retry holds the retry policies consulted by the dispatcher after a
// recoverable failure.
//
// A Policy is a pure function of its inputs. retryCount is the number of
// retries already performed for the operation (zero after the first failed
// attempt), so a policy allowing R retries answers true for 0..R-1.
package retry

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Policy decides whether an operation may be retried and how long to sleep
// first.
type Policy interface {
	AllowRetry(retryCount int, elapsed time.Duration, lastErr error) (sleep time.Duration, ok bool)
}

// Func adapts a function to Policy.
type Func func(retryCount int, elapsed time.Duration, lastErr error) (time.Duration, bool)

// AllowRetry calls f.
func (f Func) AllowRetry(retryCount int, elapsed time.Duration, lastErr error) (time.Duration, bool) {
	return f(retryCount, elapsed, lastErr)
}

// MaxExponentialRetries caps exponential policies so the shift cannot
// overflow.
const MaxExponentialRetries = 29

// NTimes allows n retries with a fixed sleep between them.
func NTimes(n int, sleep time.Duration) Policy {
	return Func(func(retryCount int, _ time.Duration, _ error) (time.Duration, bool) {
		if retryCount >= n {
			return 0, false
		}
		return sleep, true
	})
}

// OneTime allows a single retry.
func OneTime(sleep time.Duration) Policy {
	return NTimes(1, sleep)
}

// Never refuses every retry.
func Never() Policy {
	return NTimes(0, 0)
}

// Forever retries without limit.
func Forever(sleep time.Duration) Policy {
	return Func(func(int, time.Duration, error) (time.Duration, bool) {
		return sleep, true
	})
}

// UntilElapsed retries while less than maxElapsed has passed since the
// first attempt.
func UntilElapsed(maxElapsed, sleep time.Duration) Policy {
	return Func(func(_ int, elapsed time.Duration, _ error) (time.Duration, bool) {
		if elapsed >= maxElapsed {
			return 0, false
		}
		return sleep, true
	})
}

// ExponentialBackoff doubles the sleep on every retry starting at base.
func ExponentialBackoff(base time.Duration, maxRetries int) Policy {
	return BoundedExponentialBackoff(base, time.Duration(math.MaxInt64), maxRetries)
}

// BoundedExponentialBackoff is ExponentialBackoff with a ceiling on a
// single sleep.
func BoundedExponentialBackoff(base, maxSleep time.Duration, maxRetries int) Policy {
	if maxRetries > MaxExponentialRetries {
		maxRetries = MaxExponentialRetries
	}
	return Func(func(retryCount int, _ time.Duration, _ error) (time.Duration, bool) {
		if retryCount >= maxRetries {
			return 0, false
		}
		if base > maxSleep>>uint(retryCount) {
			return maxSleep, true
		}
		return base << uint(retryCount), true
	})
}

// WithMaxElapsed guards p with a total time budget. Sleeps are clamped so a
// retry never starts after the budget.
func WithMaxElapsed(p Policy, maxElapsed time.Duration) Policy {
	return Func(func(retryCount int, elapsed time.Duration, lastErr error) (time.Duration, bool) {
		if elapsed >= maxElapsed {
			return 0, false
		}
		sleep, ok := p.AllowRetry(retryCount, elapsed, lastErr)
		if !ok {
			return 0, false
		}
		if remaining := maxElapsed - elapsed; sleep > remaining {
			sleep = remaining
		}
		return sleep, true
	})
}

// WithJitter spreads p's sleeps by up to fraction in either direction. The
// spread is a hash of seed and retryCount, so equal inputs give equal
// sleeps.
func WithJitter(p Policy, fraction float64, seed uint64) Policy {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return Func(func(retryCount int, elapsed time.Duration, lastErr error) (time.Duration, bool) {
		sleep, ok := p.AllowRetry(retryCount, elapsed, lastErr)
		if !ok || sleep <= 0 {
			return sleep, ok
		}
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[:8], seed)
		binary.LittleEndian.PutUint64(buf[8:], uint64(retryCount))
		u := float64(xxhash.Sum64(buf[:])>>11) / float64(1<<53)
		scale := 1 - fraction + 2*fraction*u
		return time.Duration(float64(sleep) * scale), true
	})
}
