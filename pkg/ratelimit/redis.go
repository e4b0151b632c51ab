package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ExecutePrefix namespaces the shared counters so a limiter for another
// endpoint can coexist in the same redis.
const ExecutePrefix = "rl:execute:"

// INCR + PEXPIRE must be atomic or two instances racing on a fresh key
// could leave it without a TTL.
var windowScript = redis.NewScript(`
local used = redis.call("INCR", KEYS[1])
if used == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {used, redis.call("PTTL", KEYS[1])}
`)

// RedisLimiter shares fixed-window counters across instances. Any redis
// failure degrades to the in-memory fallback rather than blocking or
// waving traffic through uncounted.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback Limiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   ExecutePrefix,
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit < 1 {
		limit = 1
	}
	d, err := l.shared(key, limit)
	if err != nil {
		return l.degraded(key, limit)
	}
	return d
}

func (l *RedisLimiter) shared(key string, limit int) (Decision, error) {
	if l.Client == nil {
		return Decision{}, errors.New("no redis client")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := windowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(reply) < 2 {
		return Decision{}, errors.New("unexpected script reply")
	}
	used := int(reply[0])
	ttl := time.Duration(reply[1]) * time.Millisecond
	if ttl < 0 {
		ttl = l.Window
	}
	return verdict(used, limit, time.Now().UTC().Add(ttl)), nil
}

func (l *RedisLimiter) degraded(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}
