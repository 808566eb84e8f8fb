package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "billing"

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// Deletes the lease only while it is still held by the caller's token.
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func normalizePrefix(prefix string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		return defaultRedisPrefix
	}
	return trimmed
}

// RedisRateLimiter is a fixed-window counter shared by every API replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: normalizePrefix(prefix) + ":rate_limit"}
}

// Consume counts one hit for subject in scope and returns the count in the current window and
// the seconds until it resets. A nil limiter or a non-positive limit disables limiting.
func (r *RedisRateLimiter) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := rateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	current, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(current), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(current), retryAfter, nil
}

// ErrLeaseHeld is returned when another replica holds the job lease.
var ErrLeaseHeld = errors.New("job lease held by another worker")

// JobLease keeps a scheduled job from running on more than one replica at a time.
type JobLease interface {
	Acquire(ctx context.Context, job string, ttl time.Duration) (release func(), err error)
}

// RedisJobLease implements JobLease with SET NX PX and a token-checked release.
type RedisJobLease struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisJobLease(client redis.UniversalClient, prefix string) *RedisJobLease {
	return &RedisJobLease{client: client, prefix: normalizePrefix(prefix) + ":job_lease"}
}

func (l *RedisJobLease) Acquire(ctx context.Context, job string, ttl time.Duration) (func(), error) {
	key := l.prefix + ":" + job
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", job, err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseLeaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}, nil
}

// LocalJobLease is used when Redis is not configured; it never blocks a run.
type LocalJobLease struct{}

func (LocalJobLease) Acquire(ctx context.Context, job string, ttl time.Duration) (func(), error) {
	return func() {}, nil
}
