package broker

import (
	"testing"
	"time"
)

func TestReconnectPolicy_Failures(t *testing.T) {
	var policy ReconnectPolicy
	if policy.Delay() != time.Second {
		t.Fatalf("initial Delay() = %v, want 1s", policy.Delay())
	}

	for n := 1; n <= 20; n++ {
		delay := policy.Failure()
		exp := n
		if exp > MaxAttempts {
			exp = MaxAttempts
		}
		want := time.Duration(1<<exp) * time.Second
		if delay != want {
			t.Errorf("after %d failures Delay() = %v, want %v", n, delay, want)
		}
		if policy.Attempts() > MaxAttempts {
			t.Errorf("Attempts() = %d exceeds %d", policy.Attempts(), MaxAttempts)
		}
	}
	if policy.Delay() != 4096*time.Second {
		t.Errorf("capped Delay() = %v, want 4096s", policy.Delay())
	}

	policy.Reset()
	if policy.Attempts() != 0 || policy.Delay() != time.Second {
		t.Errorf("after Reset() attempts=%d delay=%v", policy.Attempts(), policy.Delay())
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{3, 8 * time.Second},
		{12, 4096 * time.Second},
		{40, 4096 * time.Second},
	}
	for _, tt := range tests {
		if got := BackoffDelay(tt.attempts); got != tt.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestCappedBackoff(t *testing.T) {
	backoff := CappedBackoff(300 * time.Second)
	tests := map[int]time.Duration{
		0:  time.Second,
		8:  256 * time.Second,
		9:  300 * time.Second,
		12: 300 * time.Second,
	}
	for attempts, want := range tests {
		if got := backoff(attempts); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
	if got := CappedBackoff(0)(12); got != 4096*time.Second {
		t.Errorf("uncapped backoff(12) = %v", got)
	}
}
