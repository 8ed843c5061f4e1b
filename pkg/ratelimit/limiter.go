// Package ratelimit is a fixed-window limiter keyed by endpoint class and
// client address, backed by Redis with an in-process fallback.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Rate struct {
	Limit  int
	Window time.Duration
}

func PerMinute(n int) Rate { return Rate{Limit: n, Window: time.Minute} }

// ParseRate accepts "20/min", "20/minute", "100/hour", "5/s" or "20 per minute".
func ParseRate(raw string) (Rate, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	n, unit, ok := strings.Cut(raw, "/")
	if !ok {
		n, unit, ok = strings.Cut(raw, " per ")
	}
	if !ok {
		return Rate{}, fmt.Errorf("invalid rate %q", raw)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(n))
	if err != nil || limit <= 0 {
		return Rate{}, fmt.Errorf("invalid rate limit %q", n)
	}
	var window time.Duration
	switch strings.TrimSpace(unit) {
	case "s", "sec", "second":
		window = time.Second
	case "m", "min", "minute":
		window = time.Minute
	case "h", "hour":
		window = time.Hour
	default:
		return Rate{}, fmt.Errorf("invalid rate unit %q", unit)
	}
	return Rate{Limit: limit, Window: window}, nil
}

func (r Rate) normalize() Rate {
	if r.Limit <= 0 {
		r.Limit = 1
	}
	if r.Window <= 0 {
		r.Window = time.Minute
	}
	return r
}

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole seconds until the window resets, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Round(time.Second) / time.Second)
	return max(secs, 1)
}

func decide(count int, r Rate, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= r.Limit,
		Count:     count,
		Limit:     r.Limit,
		Remaining: max(r.Limit-count, 0),
		ResetAt:   resetAt,
	}
}

type Limiter interface {
	Allow(ctx context.Context, key string, r Rate) Decision
}

type InMemoryLimiter struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{items: make(map[string]entry), now: time.Now}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, r Rate) Decision {
	r = r.normalize()
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{resetAt: now.Add(r.Window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, r, curr.resetAt)
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}
