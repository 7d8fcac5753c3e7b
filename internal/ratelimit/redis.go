package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
)

// slidingWindowScript prunes, counts and conditionally records in one
// server-side step. Returning the count on denial lets the error carry the
// observed pressure without a second round trip.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	return {0, count}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, count + 1}
`)

// RedisLimiter is the shared fast path: one sorted set per agent, scored
// by write time in milliseconds.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg.withDefaults(), now: time.Now}
}

func (l *RedisLimiter) key(agentID string) string {
	return "ratelimit:discoveries:" + agentID
}

func (l *RedisLimiter) Allow(ctx context.Context, agentID string) error {
	now := l.now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.key(agentID)},
		now, l.cfg.Window.Milliseconds(), l.cfg.Limit, uuid.NewString(),
	).Slice()
	if err != nil {
		return fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	if allowed == 0 {
		return &discovery.RateLimitError{
			AgentID: agentID,
			Count:   int(count),
			Limit:   l.cfg.Limit,
			Window:  l.cfg.Window,
		}
	}
	return nil
}
