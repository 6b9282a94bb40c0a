package ratelimit

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestAllowWithinWindow(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	l := NewWithClock(10, 60*time.Second, mock)

	for i := range 10 {
		if !l.Allow("register|198.51.100.1") {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
	}
	// The 11th request within the window is rejected.
	if l.Allow("register|198.51.100.1") {
		t.Fatal("expected 11th request to be rejected")
	}
	if l.Window() != 60*time.Second {
		t.Fatalf("unexpected window %v", l.Window())
	}

	// A different IP in the same window is unaffected.
	if !l.Allow("register|198.51.100.2") {
		t.Fatal("expected different key to be allowed")
	}
}

func TestWindowRollover(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	l := NewWithClock(2, time.Minute, mock)

	l.Allow("k")
	l.Allow("k")
	if l.Allow("k") {
		t.Fatal("expected rejection at limit")
	}

	mock.Add(time.Minute)
	if !l.Allow("k") {
		t.Fatal("expected allowance after window rollover")
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	l := NewWithClock(1, time.Minute, mock)

	if got := l.RetryAfter("k"); got != 0 {
		t.Fatalf("expected zero retry-after for unknown key, got %v", got)
	}
	l.Allow("k")
	mock.Add(15 * time.Second)
	if got := l.RetryAfter("k"); got != 45*time.Second {
		t.Fatalf("expected 45s, got %v", got)
	}
}

func TestCleanupEvictsStaleWindows(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	l := NewWithClock(5, time.Minute, mock)

	l.Allow("stale-key")
	mock.Add(3 * time.Minute)
	l.Cleanup()

	s := l.shard("stale-key")
	s.mu.Lock()
	_, ok := s.windows["stale-key"]
	s.mu.Unlock()
	if ok {
		t.Fatal("expected stale window to be evicted")
	}
}

func TestShardIsolation(t *testing.T) {
	t.Parallel()

	l := New(1, time.Minute)
	l.Allow("a")
	if !l.Allow("b") {
		t.Fatal("expected independent keys to have independent budgets")
	}
}
