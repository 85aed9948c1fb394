package handlers

import (
	"strings"
	"sync"
	"time"
)

// rateLimiter gates hook intake per partner so one integration cannot queue
// fill runs faster than the dispatcher drains them.
type rateLimiter interface {
	Allow(key string) bool
}

// simpleRateLimiter counts requests per key inside fixed windows. State is
// in-process only; with several API replicas each replica enforces its own
// share of the budget, which is acceptable for hook traffic.
type simpleRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu   sync.Mutex
	seen map[string]windowCount
}

type windowCount struct {
	count   int
	resetAt time.Time
}

func newSimpleRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &simpleRateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		seen:   make(map[string]windowCount),
	}
}

func (l *simpleRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}

	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.seen[key]
	if !ok || now.After(entry.resetAt) {
		l.seen[key] = windowCount{count: 1, resetAt: now.Add(l.window)}
		l.dropStaleLocked(now)
		return true
	}
	if entry.count >= l.limit {
		return false
	}
	entry.count++
	l.seen[key] = entry
	return true
}

// dropStaleLocked runs on window rollover so the map tracks only partners
// seen within the current windows.
func (l *simpleRateLimiter) dropStaleLocked(now time.Time) {
	for key, entry := range l.seen {
		if now.After(entry.resetAt) {
			delete(l.seen, key)
		}
	}
}
