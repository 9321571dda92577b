package gate

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// acquireScript increments the counter, refreshes its TTL and rolls back
// when the new value exceeds the maximum.
var acquireScript = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
if n > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

// releaseScript decrements the counter but never below zero.
var releaseScript = goredis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisGate is a Gate shared by every worker process through Redis.
type RedisGate struct {
	rdb goredis.UniversalClient
	log *zap.Logger
}

var _ Gate = (*RedisGate)(nil)

// NewRedisGate creates a gate on an existing client.
func NewRedisGate(rdb goredis.UniversalClient, log *zap.Logger) *RedisGate {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisGate{rdb: rdb, log: log.With(zap.String("component", "gate"))}
}

// Dial connects to Redis and verifies the connection with a ping.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return rdb, nil
}

// Acquire takes a slot if fewer than max are held.
func (g *RedisGate) Acquire(ctx context.Context, workspaceID, source string, max int, ttl time.Duration) (bool, error) {
	key := Key(workspaceID, source)
	ok, err := acquireScript.Run(ctx, g.rdb, []string{key}, max, ttlSeconds(ttl)).Int()
	if err != nil {
		return false, errors.Wrapf(err, "acquire %s", key)
	}
	if ok == 0 {
		g.log.Debug("gate full",
			zap.String("workspace_id", workspaceID),
			zap.String("source", source),
			zap.Int("max", max))
	}
	return ok == 1, nil
}

// Release returns a slot.
func (g *RedisGate) Release(ctx context.Context, workspaceID, source string) error {
	key := Key(workspaceID, source)
	if err := releaseScript.Run(ctx, g.rdb, []string{key}).Err(); err != nil {
		return errors.Wrapf(err, "release %s", key)
	}
	return nil
}

// Refresh extends the counter's TTL. EXPIRE leaves a missing key missing.
func (g *RedisGate) Refresh(ctx context.Context, workspaceID, source string, ttl time.Duration) error {
	key := Key(workspaceID, source)
	if err := g.rdb.Expire(ctx, key, time.Duration(ttlSeconds(ttl))*time.Second).Err(); err != nil {
		return errors.Wrapf(err, "refresh %s", key)
	}
	return nil
}

func ttlSeconds(ttl time.Duration) int {
	s := int(math.Ceil(ttl.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
