package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var errTransient = errors.New("connection loss")

// decisions replays a policy for retry counts 0..n-1 at a fixed elapsed time.
func decisions(p Policy, n int, elapsed time.Duration) []time.Duration {
	var out []time.Duration
	for i := 0; i < n; i++ {
		sleep, ok := p.AllowRetry(i, elapsed, errTransient)
		if !ok {
			break
		}
		out = append(out, sleep)
	}
	return out
}

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()

	if policy.MaxRetries != 3 {
		t.Errorf("Expected MaxRetries=3, got %d", policy.MaxRetries)
	}
	if policy.InitialDelay != 1*time.Second {
		t.Errorf("Expected InitialDelay=1s, got %v", policy.InitialDelay)
	}
	if err := policy.Validate(); err != nil {
		t.Errorf("Expected default policy to validate, got %v", err)
	}
	if err := NetworkErrorPolicy().Validate(); err != nil {
		t.Errorf("Expected network policy to validate, got %v", err)
	}
	if err := QuickRetryPolicy().Validate(); err != nil {
		t.Errorf("Expected quick policy to validate, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		retryCount int
		expected   time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // Capped at MaxDelay
	}

	for _, test := range tests {
		if actual := b.Delay(test.retryCount); actual != test.expected {
			t.Errorf("retryCount=%d: Expected %v, got %v", test.retryCount, test.expected, actual)
		}
	}

	got := decisions(b, 10, 0)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AllowRetry sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestBackoffValidate(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		wantErr bool
	}{
		{"valid", Backoff{MaxRetries: 1, InitialDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 1}, false},
		{"negative retries", Backoff{MaxRetries: -1, InitialDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 1}, true},
		{"zero initial", Backoff{MaxRetries: 1, MaxDelay: time.Second, BackoffMultiplier: 1}, true},
		{"zero max", Backoff{MaxRetries: 1, InitialDelay: time.Second, BackoffMultiplier: 1}, true},
		{"zero multiplier", Backoff{MaxRetries: 1, InitialDelay: time.Second, MaxDelay: time.Second}, true},
		{"initial above max", Backoff{MaxRetries: 1, InitialDelay: 2 * time.Second, MaxDelay: time.Second, BackoffMultiplier: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.backoff.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRetryBoundIsExact(t *testing.T) {
	for _, r := range []int{0, 1, 3, 7} {
		policies := map[string]Policy{
			"ntimes":      NTimes(r, time.Millisecond),
			"exponential": ExponentialBackoff(time.Millisecond, r),
			"bounded":     BoundedExponentialBackoff(time.Millisecond, 4*time.Millisecond, r),
			"backoff":     Backoff{MaxRetries: r, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2},
		}
		for name, p := range policies {
			if got := len(decisions(p, 100, 0)); got != r {
				t.Errorf("%s with R=%d: Expected exactly %d retries, got %d", name, r, r, got)
			}
		}
	}
}

func TestOneTimeAndNever(t *testing.T) {
	if got := len(decisions(OneTime(time.Millisecond), 10, 0)); got != 1 {
		t.Errorf("Expected OneTime to allow 1 retry, got %d", got)
	}
	if _, ok := Never().AllowRetry(0, 0, errTransient); ok {
		t.Error("Expected Never to refuse the first retry")
	}
}

func TestForever(t *testing.T) {
	p := Forever(5 * time.Millisecond)
	sleep, ok := p.AllowRetry(1_000_000, time.Hour, errTransient)
	if !ok || sleep != 5*time.Millisecond {
		t.Errorf("Expected (5ms, true), got (%v, %v)", sleep, ok)
	}
}

func TestExponentialBackoff(t *testing.T) {
	got := decisions(ExponentialBackoff(10*time.Millisecond, 4), 10, 0)
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sequence mismatch (-want +got):\n%s", diff)
	}

	capped := ExponentialBackoff(time.Millisecond, 100)
	if got := len(decisions(capped, 100, 0)); got != MaxExponentialRetries {
		t.Errorf("Expected max retries capped at %d, got %d", MaxExponentialRetries, got)
	}
}

func TestBoundedExponentialBackoff(t *testing.T) {
	got := decisions(BoundedExponentialBackoff(10*time.Millisecond, 30*time.Millisecond, 4), 10, 0)
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 30 * time.Millisecond}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestUntilElapsed(t *testing.T) {
	p := UntilElapsed(time.Second, 100*time.Millisecond)

	if _, ok := p.AllowRetry(50, 999*time.Millisecond, errTransient); !ok {
		t.Error("Expected retry before the elapsed bound")
	}
	if _, ok := p.AllowRetry(0, time.Second, errTransient); ok {
		t.Error("Expected no retry at the elapsed bound")
	}
}

func TestWithMaxElapsed(t *testing.T) {
	p := WithMaxElapsed(Forever(300*time.Millisecond), time.Second)

	sleep, ok := p.AllowRetry(0, 900*time.Millisecond, errTransient)
	if !ok {
		t.Fatal("Expected retry inside the budget")
	}
	if sleep != 100*time.Millisecond {
		t.Errorf("Expected sleep clamped to 100ms, got %v", sleep)
	}
	if _, ok := p.AllowRetry(0, time.Second, errTransient); ok {
		t.Error("Expected no retry once the budget is spent")
	}

	inner := WithMaxElapsed(NTimes(1, time.Millisecond), time.Hour)
	if _, ok := inner.AllowRetry(1, 0, errTransient); ok {
		t.Error("Expected the wrapped policy's refusal to be kept")
	}
}

func TestWithJitterIsDeterministic(t *testing.T) {
	base := NTimes(20, 100*time.Millisecond)
	a := WithJitter(base, 0.5, 42)
	b := WithJitter(base, 0.5, 42)

	first := decisions(a, 20, 0)
	second := decisions(b, 20, 0)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Expected identical sleeps for identical inputs (-first +second):\n%s", diff)
	}

	varied := false
	for _, d := range first {
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Errorf("Expected jittered sleep within [50ms, 150ms], got %v", d)
		}
		if d != 100*time.Millisecond {
			varied = true
		}
	}
	if !varied {
		t.Error("Expected jitter to move at least one sleep")
	}

	if got := decisions(WithJitter(base, 0, 7), 20, 0); !cmp.Equal(got, decisions(base, 20, 0)) {
		t.Error("Expected zero jitter to leave sleeps untouched")
	}
}

func TestFuncAdapter(t *testing.T) {
	var seen error
	p := Func(func(_ int, _ time.Duration, lastErr error) (time.Duration, bool) {
		seen = lastErr
		return 0, false
	})
	p.AllowRetry(0, 0, errTransient)
	if !errors.Is(seen, errTransient) {
		t.Errorf("Expected last error to reach the policy, got %v", seen)
	}
}
