package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Multi-step operations run as Lua scripts so each one executes atomically on
// the server. Counter keys in a single IncrWithinLimits call must live on the
// same node when running against a cluster.
var (
	casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '0' then
  if cur then return 0 end
elseif (not cur) or cur ~= ARGV[2] then
  return 0
end
if ARGV[3] == '0' then
  redis.call('DEL', KEYS[1])
  return 1
end
local ttl = tonumber(ARGV[5])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[4], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[4])
end
return 1
`)

	incrWithinLimitsScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
  local limit = tonumber(ARGV[(i - 1) * 2 + 1])
  if limit > 0 then
    local cur = tonumber(redis.call('GET', key) or '0')
    if cur >= limit then return i - 1 end
  end
end
for i, key in ipairs(KEYS) do
  local ttl = tonumber(ARGV[(i - 1) * 2 + 2])
  local n = redis.call('INCR', key)
  if n == 1 and ttl > 0 then redis.call('PEXPIRE', key, ttl) end
end
return -1
`)

	zpopByScoreScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #members > 0 then redis.call('ZREM', KEYS[1], unpack(members)) end
return members
`)
)

// RedisStore is a Store backed by a go-redis client.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

var _ Store = (*RedisStore)(nil)

// ConnectRedis parses url, then pings the server with exponential backoff until
// it answers or maxElapsed passes.
func ConnectRedis(ctx context.Context, url string, maxElapsed time.Duration, logger *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not ready", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return rdb, nil
}

func (r *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	expectPresent, deleteAfter := "1", "1"
	if old == nil {
		expectPresent = "0"
	}
	if next == nil {
		deleteAfter = "0"
	}
	n, err := casScript.Run(ctx, r.rdb, []string{key},
		expectPresent, old, deleteAfter, next, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cas %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *RedisStore) IncrWithinLimits(ctx context.Context, counters []Counter) (bool, int, error) {
	if len(counters) == 0 {
		return true, -1, nil
	}
	keys := make([]string, len(counters))
	args := make([]any, 0, len(counters)*2)
	for i, c := range counters {
		keys[i] = c.Key
		args = append(args, c.Limit, c.TTL.Milliseconds())
	}
	blocked, err := incrWithinLimitsScript.Run(ctx, r.rdb, keys, args...).Int64()
	if err != nil {
		return false, -1, fmt.Errorf("redis incr within limits: %w", err)
	}
	if blocked >= 0 {
		return false, int(blocked), nil
	}
	return true, -1, nil
}

func (r *RedisStore) Counts(ctx context.Context, keys ...string) ([]int64, error) {
	out := make([]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis counter %s: %w", keys[i], err)
		}
		out[i] = n
	}
	return out, nil
}

func (r *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := r.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := r.rdb.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("redis zrem %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisStore) ZPopByScore(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	members, err := zpopByScoreScript.Run(ctx, r.rdb, []string{key},
		strconv.FormatFloat(max, 'f', -1, 64), limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis zpop %s: %w", key, err)
	}
	return members, nil
}

func (r *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisStore) ZHead(ctx context.Context, key string) (string, float64, bool, error) {
	zs, err := r.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("redis zrange %s: %w", key, err)
	}
	if len(zs) == 0 {
		return "", 0, false, nil
	}
	member, _ := zs[0].Member.(string)
	return member, zs[0].Score, true, nil
}

func (r *RedisStore) SAdd(ctx context.Context, key, member string) error {
	if err := r.rdb.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) SRem(ctx context.Context, key, member string) error {
	if err := r.rdb.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis srem %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", key, err)
	}
	return members, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
