// Package ratelimit bounds registration and claim-redemption traffic on the
// HTTP surface with a fixed-window counter per caller key.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// shardCount controls how many independent shards the limiter uses.  Each
// shard has its own mutex, which reduces lock contention under concurrent
// requests from distinct keys.
const shardCount = 16

type window struct {
	start time.Time
	count int
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Limiter is a sharded fixed-window rate limiter.  A key is typically
// "endpoint|client-ip".  Keys are mapped to shards via FNV hashing.
type Limiter struct {
	limit    int
	interval time.Duration
	clk      clock.Clock
	shards   [shardCount]shard
}

// New returns a limiter allowing limit requests per key per interval.
func New(limit int, interval time.Duration) *Limiter {
	return NewWithClock(limit, interval, clock.New())
}

// NewWithClock is [New] with an injected clock.
func NewWithClock(limit int, interval time.Duration, clk clock.Clock) *Limiter {
	l := &Limiter{limit: limit, interval: interval, clk: clk}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*window)
	}
	return l
}

// Allow reports whether another request for key fits in the current window.
func (l *Limiter) Allow(key string) bool {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.clk.Now()
	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= l.interval {
		w = &window{start: now}
		s.windows[key] = w
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Window returns the configured window length, so callers can compute a
// Retry-After value for rejected requests.
func (l *Limiter) Window() time.Duration {
	return l.interval
}

// RetryAfter returns how long the caller behind key should wait before the
// current window rolls over.  For an unknown key it returns zero.
func (l *Limiter) RetryAfter(key string) time.Duration {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return 0
	}
	remaining := l.interval - l.clk.Now().Sub(w.start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Cleanup evicts windows that expired more than one interval ago.  Called
// periodically by the janitor so the hot Allow path never iterates maps.
func (l *Limiter) Cleanup() {
	now := l.clk.Now()
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, w := range s.windows {
			if now.Sub(w.start) >= 2*l.interval {
				delete(s.windows, k)
			}
		}
		s.mu.Unlock()
	}
}

func (l *Limiter) shard(key string) *shard {
	return &l.shards[shardIndex(key)]
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(shardCount))
}
