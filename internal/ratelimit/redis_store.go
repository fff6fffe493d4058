package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript increments the window counter and manages the block key in
// one round trip so concurrent callers never race on read-modify-write.
//
// KEYS[1] counter, KEYS[2] block
// ARGV[1] points, ARGV[2] window ms, ARGV[3] limit, ARGV[4] block ms
// Returns {consumed, ms until reset, blocked}
var consumeScript = redis.NewScript(`
local blockTTL = redis.call('PTTL', KEYS[2])
if blockTTL > 0 then
  return {0, blockTTL, 1}
end

local consumed = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end

local blockMs = tonumber(ARGV[4])
if consumed > tonumber(ARGV[3]) and blockMs > 0 then
  redis.call('SET', KEYS[2], '1', 'PX', blockMs)
  return {consumed, blockMs, 1}
end

return {consumed, ttl, 0}
`)

// RedisStore keeps counters in Redis so every instance shares one budget
type RedisStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit"}
}

// Consume implements Store
func (s *RedisStore) Consume(ctx context.Context, key string, points int, p Policy) (Usage, error) {
	// Hash tag keeps both keys in one cluster slot
	counterKey := fmt.Sprintf("%s:{%s}", s.prefix, key)
	blockKey := fmt.Sprintf("%s:block:{%s}", s.prefix, key)

	vals, err := consumeScript.Run(ctx, s.client,
		[]string{counterKey, blockKey},
		points, p.Duration.Milliseconds(), p.Points, p.BlockDuration.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to consume rate limit points: %w", err)
	}
	if len(vals) != 3 {
		return Usage{}, fmt.Errorf("unexpected rate limit script reply: %v", vals)
	}

	return Usage{
		Consumed: int(vals[0]),
		ResetIn:  time.Duration(vals[1]) * time.Millisecond,
		Blocked:  vals[2] == 1,
	}, nil
}
