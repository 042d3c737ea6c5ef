package coord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis-backed client.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	// KeyPrefix namespaces every key written by this client.
	KeyPrefix string
}

// Redis implements Client on top of go-redis. Operations that touch more than
// one key, or read before they write, run as Lua scripts so Redis executes
// them atomically.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ Client = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		PoolTimeout:  5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", unavailable("ping", err))
	}

	return &Redis{rdb: rdb, prefix: opts.KeyPrefix}, nil
}

// NewRedisFromClient wraps an existing go-redis client.
func NewRedisFromClient(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) k(key string) string {
	return r.prefix + key
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return r.IncrBy(ctx, key, 1, ttl)
}

func (r *Redis) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	v, err := incrScript.Run(ctx, r.rdb, []string{r.k(key)}, n, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return v, nil
}

func (r *Redis) GetInt(ctx context.Context, key string) (int64, error) {
	s, err := r.rdb.Get(ctx, r.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("get", err)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, r.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return b, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, r.k(key), value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = r.k(key)
	}
	if err := r.rdb.Del(ctx, prefixed...).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.k(key)).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.rdb.PTTL(ctx, r.k(key)).Result()
	if err != nil {
		return 0, unavailable("pttl", err)
	}
	// Negative values mean missing key or no expiry
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.rdb.PExpire(ctx, r.k(key), ttl).Err(); err != nil {
		return unavailable("pexpire", err)
	}
	return nil
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	if err := r.rdb.HSet(ctx, r.k(key), args...).Err(); err != nil {
		return unavailable("hset", err)
	}
	return nil
}

func (r *Redis) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ok, err := r.rdb.HSetNX(ctx, r.k(key), field, value).Result()
	if err != nil {
		return false, unavailable("hsetnx", err)
	}
	return ok, nil
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	v, err := r.rdb.HIncrBy(ctx, r.k(key), field, n).Result()
	if err != nil {
		return 0, unavailable("hincrby", err)
	}
	return v, nil
}

func (r *Redis) HSetNXIncr(ctx context.Context, key, field, value string, counters ...string) (bool, []int64, error) {
	args := make([]interface{}, 0, len(counters)+2)
	args = append(args, field, value)
	for _, c := range counters {
		args = append(args, c)
	}
	res, err := hsetnxIncrScript.Run(ctx, r.rdb, []string{r.k(key)}, args...).Int64Slice()
	if err != nil {
		return false, nil, unavailable("hsetnx incr", err)
	}
	if len(res) == 0 || res[0] == 0 {
		return false, nil, nil
	}
	return true, res[1:], nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.rdb.HGetAll(ctx, r.k(key)).Result()
	if err != nil {
		return nil, unavailable("hgetall", err)
	}
	return m, nil
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.rdb.HDel(ctx, r.k(key), fields...).Err(); err != nil {
		return unavailable("hdel", err)
	}
	return nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.rdb.SAdd(ctx, r.k(key), toArgs(members)...).Err(); err != nil {
		return unavailable("sadd", err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.rdb.SRem(ctx, r.k(key), toArgs(members)...).Err(); err != nil {
		return unavailable("srem", err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	m, err := r.rdb.SMembers(ctx, r.k(key)).Result()
	if err != nil {
		return nil, unavailable("smembers", err)
	}
	return m, nil
}

func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := r.rdb.ZAdd(ctx, r.k(key), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return unavailable("zadd", err)
	}
	return nil
}

func (r *Redis) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := r.rdb.ZRem(ctx, r.k(key), member).Result()
	if err != nil {
		return false, unavailable("zrem", err)
	}
	return n > 0, nil
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.ZCard(ctx, r.k(key)).Result()
	if err != nil {
		return 0, unavailable("zcard", err)
	}
	return n, nil
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, min float64) ([]string, error) {
	members, err := r.rdb.ZRangeByScore(ctx, r.k(key), &redis.ZRangeBy{
		Min: formatScore(min),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, unavailable("zrangebyscore", err)
	}
	return members, nil
}

func (r *Redis) ZPopByScore(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	res, err := zpopScript.Run(ctx, r.rdb, []string{r.k(key)}, formatScore(max), normalizeLimit(limit)).StringSlice()
	if err != nil {
		return nil, unavailable("zpopbyscore", err)
	}
	return res, nil
}

func (r *Redis) Push(ctx context.Context, queue string, items ...string) error {
	if len(items) == 0 {
		return nil
	}
	if err := r.rdb.RPush(ctx, r.k(queue), toArgs(items)...).Err(); err != nil {
		return unavailable("rpush", err)
	}
	return nil
}

func (r *Redis) Claim(ctx context.Context, queue, inflight string, deadline time.Time) (string, error) {
	item, err := claimScript.Run(ctx, r.rdb, []string{r.k(queue), r.k(inflight)}, formatScore(scoreOf(deadline))).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", unavailable("claim", err)
	}
	return item, nil
}

func (r *Redis) Nack(ctx context.Context, queue, inflight, item string) (bool, error) {
	n, err := nackScript.Run(ctx, r.rdb, []string{r.k(queue), r.k(inflight)}, item).Int64()
	if err != nil {
		return false, unavailable("nack", err)
	}
	return n == 1, nil
}

func (r *Redis) RequeueExpired(ctx context.Context, queue, inflight string, now time.Time, limit int) ([]string, error) {
	res, err := requeueScript.Run(ctx, r.rdb,
		[]string{r.k(queue), r.k(inflight)},
		formatScore(scoreOf(now)), normalizeLimit(limit),
	).StringSlice()
	if err != nil {
		return nil, unavailable("requeue", err)
	}
	return res, nil
}

func (r *Redis) Len(ctx context.Context, queue string) (int64, error) {
	n, err := r.rdb.LLen(ctx, r.k(queue)).Result()
	if err != nil {
		return 0, unavailable("llen", err)
	}
	return n, nil
}

func (r *Redis) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.k(key), token, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

func (r *Redis) ExtendLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, r.rdb, []string{r.k(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, unavailable("extend lease", err)
	}
	return n == 1, nil
}

func (r *Redis) ReleaseLease(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.rdb, []string{r.k(key)}, token).Int64()
	if err != nil {
		return false, unavailable("release lease", err)
	}
	return n == 1, nil
}

func toArgs(items []string) []interface{} {
	args := make([]interface{}, len(items))
	for i, item := range items {
		args[i] = item
	}
	return args
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

// normalizeLimit maps every "no limit" value onto 0, which the scripts read
// as unbounded.
func normalizeLimit(limit int) int {
	if limit < 0 {
		return 0
	}
	return limit
}
