package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gengirish/training-feedback/internal/xerrors"
)

const defaultRedisPrefix = "training:rl:"

// INCR counts every attempt, PEXPIRE only on the first so the window is fixed
// from the first hit rather than sliding with each one.
var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisWindow is the fixed-window limiter backed by Redis, for deployments
// with more than one instance. Expiry is handled by Redis key TTLs so there
// is nothing to sweep.
type RedisWindow struct {
	client redis.Scripter
	prefix string
}

// NewRedisWindow returns a RedisWindow storing counters under prefix.
func NewRedisWindow(client redis.Scripter, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisWindow{client: client, prefix: prefix}
}

// Allow implements Backend.
func (r *RedisWindow) Allow(ctx context.Context, key string, maxRequests, windowSeconds int) (Result, error) {
	if !validArgs(key, maxRequests, windowSeconds) {
		return Result{}, ErrInvalidArgument
	}
	windowMS := (time.Duration(windowSeconds) * time.Second).Milliseconds()

	vals, err := windowScript.Run(ctx, r.client, []string{r.prefix + key}, windowMS).Int64Slice()
	if err != nil {
		return Result{}, xerrors.Wrapf(err, "redis window %s", key)
	}
	if len(vals) != 2 {
		return Result{}, xerrors.Newf("redis window %s: unexpected reply length %d", key, len(vals))
	}

	count, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	res := Result{
		Allowed:        count <= maxRequests,
		Limit:          maxRequests,
		ResetInSeconds: ceilSeconds(ttl),
	}
	if count == 1 {
		res.ResetInSeconds = windowSeconds
	}
	if res.Allowed {
		res.Remaining = maxRequests - count
	}
	return res, nil
}
