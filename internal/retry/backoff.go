package retry

import (
	"errors"
	"math"
	"time"
)

// Backoff is a multiplicative backoff with a retry cap, configured as data so
// it can be loaded from config files.
type Backoff struct {
	MaxRetries        int           `yaml:"max_retries"`        // Maximum number of retries (0 = no retries)
	InitialDelay      time.Duration `yaml:"initial_delay"`      // Delay before the first retry
	MaxDelay          time.Duration `yaml:"max_delay"`          // Ceiling for any single delay
	BackoffMultiplier float64       `yaml:"backoff_multiplier"` // Growth factor per retry (e.g., 2.0)
}

// DefaultPolicy returns the default backoff for coordination operations
func DefaultPolicy() Backoff {
	return Backoff{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// NetworkErrorPolicy returns a backoff for flaky networks (more retries)
func NetworkErrorPolicy() Backoff {
	return Backoff{
		MaxRetries:        5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// QuickRetryPolicy returns a backoff that retries quickly with minimal growth
func QuickRetryPolicy() Backoff {
	return Backoff{
		MaxRetries:        2,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          1 * time.Second,
		BackoffMultiplier: 1.5,
	}
}

// Delay returns the sleep before retry number retryCount (zero-based).
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return b.InitialDelay
	}

	delay := float64(b.InitialDelay) * math.Pow(b.BackoffMultiplier, float64(retryCount))

	if delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// AllowRetry implements Policy.
func (b Backoff) AllowRetry(retryCount int, _ time.Duration, _ error) (time.Duration, bool) {
	if retryCount >= b.MaxRetries {
		return 0, false
	}
	return b.Delay(retryCount), true
}

// Validate checks the backoff configuration
func (b Backoff) Validate() error {
	if b.MaxRetries < 0 {
		return errors.New("MaxRetries must be non-negative")
	}
	if b.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if b.MaxDelay <= 0 {
		return errors.New("MaxDelay must be positive")
	}
	if b.BackoffMultiplier <= 0 {
		return errors.New("BackoffMultiplier must be positive")
	}
	if b.InitialDelay > b.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	return nil
}
