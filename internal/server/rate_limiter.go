package server

import (
	"sync"
	"time"
)

// fixedWindowLimiter throttles job trigger callers per client IP. Triggers
// are scheduler-driven and rare, so a coarse fixed window is enough; there is
// no need for smoothing.
type fixedWindowLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	byKey  map[string]*callerWindow
}

type callerWindow struct {
	startedAt time.Time
	count     int
}

func newFixedWindowLimiter(limit int, window time.Duration) *fixedWindowLimiter {
	return &fixedWindowLimiter{
		limit:  limit,
		window: window,
		byKey:  make(map[string]*callerWindow),
	}
}

// Allow records one request for key and reports whether it fits in the
// current window. An empty key is always refused.
func (l *fixedWindowLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}

	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.byKey[key]
	if w == nil || now.Sub(w.startedAt) > l.window {
		w = &callerWindow{startedAt: now}
		l.byKey[key] = w
	}

	if w.count >= l.limit {
		return false
	}

	w.count++
	return true
}
