package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// windowCounterScript counts one hit and pins the key's expiry to the end of
// its window on first use.
var windowCounterScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIREAT", KEYS[1], ARGV[1])
end
return current
`)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRateLimiter counts decision submissions in epoch-aligned fixed
// windows and provides short-lived exclusive locks on Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "clearcause:refunds"
	}
	return &RedisRateLimiter{client: client, prefix: trimmedPrefix, now: time.Now}
}

// ConsumeRateLimit records one submission by subject in the current window
// and returns the window's count and the seconds until it rolls over.
func (r *RedisRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return 0, 0, nil
	}

	now := r.now()
	start, end := fixedWindow(now, window)
	key := r.windowKey(scope, subject, start)
	hits, err := windowCounterScript.Run(ctx, r.client, []string{key}, end.UnixMilli()).Int64()
	if err != nil {
		return 0, 0, fmt.Errorf("count submissions for %s: %w", subject, err)
	}
	return int(hits), secondsUntil(now, end), nil
}

// windowKey lays keys out as <prefix>:<scope>:<subject>:<window start unix>,
// so each window is a separate counter and stale ones simply expire.
func (r *RedisRateLimiter) windowKey(scope, subject string, start time.Time) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = decisionSubmitScope
	}
	return fmt.Sprintf("%s:%s:%s:%d", r.prefix, scope, subject, start.Unix())
}

func fixedWindow(now time.Time, window time.Duration) (time.Time, time.Time) {
	if window < time.Second {
		window = time.Second
	}
	start := now.Truncate(window)
	return start, start.Add(window)
}

func secondsUntil(now, end time.Time) int {
	seconds := int(math.Ceil(end.Sub(now).Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// Acquire takes the named lock for ttl. The returned release only deletes
// the key while it still holds this holder's token.
func (r *RedisRateLimiter) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	noop := func() {}
	if r == nil || r.client == nil {
		return noop, true, nil
	}

	key := fmt.Sprintf("%s:lock:%s", r.prefix, strings.TrimSpace(name))
	token := uuid.NewString()
	acquired, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return noop, false, err
	}
	if !acquired {
		return noop, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseLockScript.Run(releaseCtx, r.client, []string{key}, token).Err()
	}
	return release, true, nil
}
