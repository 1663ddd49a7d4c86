package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var lineAcquireScript = redis.NewScript(`
-- KEYS[1] = counter key
-- ARGV[1] = limit (int)
-- ARGV[2] = ttl_ms (int)
--
-- Returns 1 if acquired, 0 if the limit is reached.
local current = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var lineReleaseScript = redis.NewScript(`
-- KEYS[1] = counter key
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// RedisLimiter shares one line ceiling across every dialer instance.
//
// The counter carries a TTL so slots leaked by a crashed instance expire; the TTL
// must exceed the longest expected call and is refreshed on every acquire.
type RedisLimiter struct {
	rdb   redis.UniversalClient
	key   string
	limit int
	ttl   time.Duration
}

func NewRedisLimiter(rdb redis.UniversalClient, key string, limit int, ttl time.Duration) (*RedisLimiter, error) {
	if rdb == nil {
		return nil, errors.New("dispatch: redis client is nil")
	}
	if key == "" {
		return nil, errors.New("dispatch: limiter key is required")
	}
	if limit <= 0 {
		return nil, errors.New("dispatch: limit must be > 0")
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLimiter{rdb: rdb, key: key, limit: limit, ttl: ttl}, nil
}

func (l *RedisLimiter) Acquire(ctx context.Context) (bool, error) {
	res, err := lineAcquireScript.Run(ctx, l.rdb, []string{l.key}, l.limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("dispatch: acquire line: %w", err)
	}
	return res == 1, nil
}

func (l *RedisLimiter) Release(ctx context.Context) error {
	if err := lineReleaseScript.Run(ctx, l.rdb, []string{l.key}).Err(); err != nil {
		return fmt.Errorf("dispatch: release line: %w", err)
	}
	return nil
}

// Restore only seeds an expired counter. A live counter already accounts for
// this instance's calls and those of its peers.
func (l *RedisLimiter) Restore(ctx context.Context, inUse int) error {
	if inUse <= 0 {
		return nil
	}
	if err := l.rdb.SetNX(ctx, l.key, inUse, l.ttl).Err(); err != nil {
		return fmt.Errorf("dispatch: restore lines: %w", err)
	}
	return nil
}

func (l *RedisLimiter) InUse(ctx context.Context) (int, error) {
	n, err := l.rdb.Get(ctx, l.key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("dispatch: lines in use: %w", err)
	}
	return n, nil
}

func (l *RedisLimiter) Limit() int { return l.limit }
