package dispatch

import (
	"testing"
	"time"
)

func TestBackoffMonotoneAndCapped(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxAttempts: 5, Base: 30 * time.Second, Cap: 15 * time.Minute}

	prev := time.Duration(0)
	for n := 0; n <= 20; n++ {
		d := p.Backoff(n)
		if d < prev {
			t.Fatalf("backoff(%d)=%v < backoff(%d)=%v, want monotone", n, d, n-1, prev)
		}
		if d > p.Cap {
			t.Fatalf("backoff(%d)=%v exceeds cap %v", n, d, p.Cap)
		}
		prev = d
	}
	if got := p.Backoff(0); got != 30*time.Second {
		t.Fatalf("backoff(0) = %v, want base", got)
	}
	if got := p.Backoff(1); got != time.Minute {
		t.Fatalf("backoff(1) = %v, want 1m", got)
	}
	if got := p.Backoff(100); got != 15*time.Minute {
		t.Fatalf("backoff(100) = %v, want cap", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	t.Parallel()
	var p RetryPolicy
	if got := p.Backoff(0); got != 30*time.Second {
		t.Fatalf("zero-value backoff(0) = %v, want 30s", got)
	}
	if got := p.Backoff(50); got != 15*time.Minute {
		t.Fatalf("zero-value backoff(50) = %v, want 15m", got)
	}
}
