package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// incrWindow bumps the counter and starts its window on first use. It
// returns the count and the remaining TTL in milliseconds.
var incrWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

type redisRateLimiter struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
	owned   bool
}

// NewRedisRateLimiter connects to addr and returns a Redis backed limiter
// shared by every API replica.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	rl := NewRedisRateLimiterFromClient(client, logger).(*redisRateLimiter)
	rl.owned = true
	return rl, nil
}

// NewRedisRateLimiterFromClient reuses an existing connection.
func NewRedisRateLimiterFromClient(client redis.UniversalClient, logger *slog.Logger) RateLimiter {
	return &redisRateLimiter{
		client:  client,
		logger:  logger,
		prefix:  "deployx:ratelimit:",
		timeout: 250 * time.Millisecond,
	}
}

// Allow fails open when Redis is unreachable.
func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	res, err := incrWindow.Run(ctx, rl.client, []string{rl.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		rl.logRedisError("incr", err)
		return rateDecision{allowed: true}
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl <= 0 {
		ttl = window
	}
	return rateDecision{
		allowed:   count <= limit,
		count:     count,
		windowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.owned && rl.client != nil {
		_ = rl.client.Close()
	}
}

func (rl *redisRateLimiter) logRedisError(op string, err error) {
	if rl.logger == nil || err == nil {
		return
	}
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}
