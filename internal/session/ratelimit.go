package session

import (
	"sync"
	"time"
)

// rateLimiter enforces a minimum interval between location publishes per
// ride. This is broadcast-storm control, not correctness: callers drop the
// update when Allow says no, they never wait.
type rateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

func (l *rateLimiter) Allow(id string) bool {
	if l.interval <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if t, ok := l.last[id]; ok && now.Sub(t) < l.interval {
		return false
	}
	l.last[id] = now
	if len(l.last) > 4096 {
		l.prune(now)
	}
	return true
}

// Forget drops the ride's throttle entry once the ride is done.
func (l *rateLimiter) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.last, id)
}

func (l *rateLimiter) prune(now time.Time) {
	cutoff := now.Add(-10 * l.interval)
	for id, t := range l.last {
		if t.Before(cutoff) {
			delete(l.last, id)
		}
	}
}
