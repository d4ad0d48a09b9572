package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted set per wallet and user, scored by attempt time in
// milliseconds. Entries older than the window are dropped before counting. A refused
// attempt is not recorded, so hammering a closed window does not push it further out.
//
// KEYS[1] attempt log. ARGV: now ms, window ms, limit, member.
// Returns {allowed, attempts in window, ms until the oldest attempt leaves the window}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
local allowed = 0
if count < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call("PEXPIRE", KEYS[1], window)

local retry = 0
if allowed == 0 then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
end
return {allowed, count, retry}
`)

// RateDecision is the outcome of one limiter check.
type RateDecision struct {
	Allowed    bool
	Attempts   int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one.
func (d RateDecision) RetryAfterSeconds() int {
	seconds := int((d.RetryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// RedisRateLimiter is a sliding-window attempt log shared by every replica of the service.
// Budgets are tracked per group wallet and user.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "trustgroup:pin_attempts"
	}
	return &RedisRateLimiter{client: client, prefix: trimmedPrefix, now: time.Now}
}

// key wraps the group in a hash tag so every user's log for one wallet lands on the same
// cluster slot.
func (r *RedisRateLimiter) key(groupID uuid.UUID, userID string) string {
	return fmt.Sprintf("%s:{%s}:%s", r.prefix, groupID, userID)
}

// AllowPINAttempt records one PIN attempt for the wallet and user unless limit attempts
// already fall inside the trailing window.
func (r *RedisRateLimiter) AllowPINAttempt(ctx context.Context, groupID uuid.UUID, userID string, limit int, window time.Duration) (RateDecision, error) {
	userID = strings.TrimSpace(userID)
	if r == nil || r.client == nil || limit <= 0 || window <= 0 || userID == "" {
		return RateDecision{Allowed: true}, nil
	}

	windowMs := max(window.Milliseconds(), 1000)
	nowMs := r.now().UnixMilli()
	member := fmt.Sprintf("%d:%s", nowMs, uuid.NewString())

	raw, err := slidingWindowScript.Run(ctx, r.client, []string{r.key(groupID, userID)}, nowMs, windowMs, limit, member).Result()
	if err != nil {
		return RateDecision{}, err
	}
	return parseWindowResult(raw)
}

func parseWindowResult(raw interface{}) (RateDecision, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return RateDecision{}, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}

	var fields [3]int64
	for i, value := range values {
		n, ok := value.(int64)
		if !ok {
			return RateDecision{}, fmt.Errorf("unexpected redis limiter field %d type: %T", i, value)
		}
		fields[i] = n
	}

	decision := RateDecision{Allowed: fields[0] == 1, Attempts: int(fields[1])}
	if !decision.Allowed && fields[2] > 0 {
		decision.RetryAfter = time.Duration(fields[2]) * time.Millisecond
	}
	return decision, nil
}
