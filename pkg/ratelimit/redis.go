package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares counters across replicas. Any Redis failure falls
// back to the in-process limiter so limits keep applying per instance.
type RedisLimiter struct {
	Client   *redis.Client
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{Client: client, Prefix: "rl:", Fallback: NewInMemory()}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, r Rate) Decision {
	r = r.normalize()
	if l.Client == nil {
		return l.fallback(ctx, key, r)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, r.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) < 2 {
		return l.fallback(ctx, key, r)
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = r.Window
	}
	return decide(int(res[0]), r, time.Now().UTC().Add(ttl))
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, r Rate) Decision {
	if l.Fallback == nil {
		return Decision{Allowed: true, Limit: r.Limit, Remaining: r.Limit, ResetAt: time.Now().UTC().Add(r.Window)}
	}
	return l.Fallback.Allow(ctx, key, r)
}
