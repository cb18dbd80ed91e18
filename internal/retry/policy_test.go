package retry

import (
	"testing"
	"time"
)

func TestBackoffDoubles(t *testing.T) {
	policy := NewPolicy(time.Second, 300*time.Second, 5, false)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
	}

	for _, tc := range cases {
		if got := policy.Backoff(tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	policy := NewPolicy(time.Second, 10*time.Second, 20, false)

	if got := policy.Backoff(10); got != 10*time.Second {
		t.Errorf("expected delay capped at 10s, got %v", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	policy := NewPolicy(time.Second, 300*time.Second, 5, true)

	base := 4 * time.Second
	for i := 0; i < 100; i++ {
		got := policy.Backoff(2)
		if got < base {
			t.Fatalf("jitter must be additive, got %v below %v", got, base)
		}
		if got > base+base/4 {
			t.Fatalf("jitter must not exceed 25%%, got %v", got)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	policy := NewPolicy(time.Second, 300*time.Second, 3, false)

	for attempt := 0; attempt < 3; attempt++ {
		if !policy.ShouldRetry(attempt) {
			t.Errorf("attempt %d should allow a retry", attempt)
		}
	}
	if policy.ShouldRetry(3) {
		t.Error("attempt 3 should exhaust a 3-retry policy")
	}
}
