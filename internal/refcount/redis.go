package refcount

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

// Redis keeps each row in a hash and indexes zero counts in a sorted set
// scored by update time. Every mutation is a Lua script, which redis runs
// atomically. Cluster mode is not supported because a script touches both the
// row and the shared index.
type Redis struct {
	rdb     redis.UniversalClient
	prefix  string
	zeroKey string
	now     func() time.Time
}

// NewRedis returns a store using rdb with keys under prefix.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "artifactstore"
	}
	return &Redis{
		rdb:     rdb,
		prefix:  prefix,
		zeroKey: prefix + ":ref:zero",
		now:     time.Now,
	}
}

var (
	redisIncrement = redis.NewScript(`
local c = redis.call('HINCRBY', KEYS[1], 'count', ARGV[1])
redis.call('HSET', KEYS[1], 'updated', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
return c`)

	redisDecrement = redis.NewScript(`
local c = tonumber(redis.call('HGET', KEYS[1], 'count'))
if c == nil or c <= 0 then return 0 end
c = redis.call('HINCRBY', KEYS[1], 'count', -1)
redis.call('HSET', KEYS[1], 'updated', ARGV[1])
if c == 0 then redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2]) end
return 1`)

	redisDeleteIfZero = redis.NewScript(`
local c = tonumber(redis.call('HGET', KEYS[1], 'count'))
if c == nil or c ~= 0 then return 0 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1`)

	redisReset = redis.NewScript(`
redis.call('HSET', KEYS[1], 'count', ARGV[1], 'updated', ARGV[2])
if tonumber(ARGV[1]) == 0 then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
else
	redis.call('ZREM', KEYS[2], ARGV[3])
end
return 1`)
)

func (r *Redis) rowKey(sha256, credKey string) string {
	return r.prefix + ":ref:" + sha256 + ":" + credKey
}

// member encodes a row in the zero index. The digest has a fixed length, so
// the credential is everything after it.
func member(sha256, credKey string) string { return sha256 + ":" + credKey }

func parseMember(m string) (string, string, bool) {
	if len(m) < storage.DigestLength+1 || m[storage.DigestLength] != ':' {
		return "", "", false
	}
	return m[:storage.DigestLength], m[storage.DigestLength+1:], true
}

func (r *Redis) stamp() int64 { return r.now().UnixMilli() }

func (r *Redis) Increment(ctx context.Context, sha256, credKey string, by int64) (bool, error) {
	if by < 1 {
		return false, ErrInvalidDelta
	}
	keys := []string{r.rowKey(sha256, credKey), r.zeroKey}
	if err := redisIncrement.Run(ctx, r.rdb, keys, by, r.stamp(), member(sha256, credKey)).Err(); err != nil {
		return false, fmt.Errorf("increment %s: %w", sha256, err)
	}
	return true, nil
}

func (r *Redis) Decrement(ctx context.Context, sha256, credKey string) (bool, error) {
	keys := []string{r.rowKey(sha256, credKey), r.zeroKey}
	n, err := redisDecrement.Run(ctx, r.rdb, keys, r.stamp(), member(sha256, credKey)).Int64()
	if err != nil {
		return false, fmt.Errorf("decrement %s: %w", sha256, err)
	}
	return n == 1, nil
}

func (r *Redis) Count(ctx context.Context, sha256, credKey string) (int64, error) {
	n, err := r.rdb.HGet(ctx, r.rowKey(sha256, credKey), "count").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", sha256, err)
	}
	return n, nil
}

func (r *Redis) Exists(ctx context.Context, sha256, credKey string) (bool, error) {
	n, err := r.Count(ctx, sha256, credKey)
	return n > 0, err
}

func (r *Redis) Zeroed(ctx context.Context, before time.Time, limit int) ([]Reference, error) {
	if limit <= 0 {
		limit = 1000
	}
	entries, err := r.rdb.ZRangeByScoreWithScores(ctx, r.zeroKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query zeroed references: %w", err)
	}
	out := make([]Reference, 0, len(entries))
	for _, z := range entries {
		m, ok := z.Member.(string)
		if !ok {
			continue
		}
		sha, cred, ok := parseMember(m)
		if !ok {
			continue
		}
		out = append(out, Reference{
			SHA256:     sha,
			Credential: cred,
			UpdatedAt:  time.UnixMilli(int64(z.Score)),
		})
	}
	return out, nil
}

func (r *Redis) DeleteIfZero(ctx context.Context, sha256, credKey string) (bool, error) {
	keys := []string{r.rowKey(sha256, credKey), r.zeroKey}
	n, err := redisDeleteIfZero.Run(ctx, r.rdb, keys, member(sha256, credKey)).Int64()
	if err != nil {
		return false, fmt.Errorf("delete reference %s: %w", sha256, err)
	}
	return n == 1, nil
}

func (r *Redis) Reset(ctx context.Context, sha256, credKey string, count int64) error {
	if count < 0 {
		return ErrInvalidDelta
	}
	keys := []string{r.rowKey(sha256, credKey), r.zeroKey}
	if err := redisReset.Run(ctx, r.rdb, keys, count, r.stamp(), member(sha256, credKey)).Err(); err != nil {
		return fmt.Errorf("reset reference %s: %w", sha256, err)
	}
	return nil
}
