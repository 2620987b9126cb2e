package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	kerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/metrics"
)

const defaultRedisOpTimeout = 5 * time.Second

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisKV implements KV using a Redis backend.
type RedisKV struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOption configures a RedisKV.
type RedisOption func(*redisKVOptions)

type redisKVOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisKVOptions) {
		o.timeout = d
	}
}

// NewRedisKV returns a new RedisKV using the provided Redis client.
func NewRedisKV(client *redis.Client, opts ...RedisOption) *RedisKV {
	o := redisKVOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisKV{client: client, timeout: o.timeout}
}

// Client returns the underlying Redis client.
func (s *RedisKV) Client() *redis.Client { return s.client }

// begin checks the caller context and derives the per operation deadline.
func (s *RedisKV) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, nil, kerrors.ErrTimeout
		}
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// mapErr converts transport failures to the shared sentinels.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	metrics.StoreErrors.WithLabelValues(op).Inc()
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, kerrors.ErrTimeout)
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%s: %w", op, kerrors.ErrConnectionClosed)
	}
	if strings.Contains(err.Error(), "WRONGTYPE") {
		return fmt.Errorf("%s: %w: %v", op, kerrors.ErrWrongType, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// SetNX implements KV.SetNX.
func (s *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, mapErr("setnx", err)
	}
	return ok, nil
}

// Get implements KV.Get.
func (s *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr("get", err)
	}
	return v, true, nil
}

// Set implements KV.Set.
func (s *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr("set", s.client.Set(cctx, key, value, ttl).Err())
}

// Del implements KV.Del.
func (s *RedisKV) Del(ctx context.Context, key string) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := s.client.Del(cctx, key).Result()
	if err != nil {
		return false, mapErr("del", err)
	}
	return n == 1, nil
}

// CompareAndDelete implements KV.CompareAndDelete.
func (s *RedisKV) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := compareAndDeleteScript.Run(cctx, s.client, []string{key}, expected).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapErr("cad", err)
	}
	return n == 1, nil
}

// Expire implements KV.Expire.
func (s *RedisKV) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.Expire(cctx, key, ttl).Result()
	if err != nil {
		return false, mapErr("expire", err)
	}
	return ok, nil
}

// HGet implements KV.HGet.
func (s *RedisKV) HGet(ctx context.Context, key, field string) (string, bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.HGet(cctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr("hget", err)
	}
	return v, true, nil
}

// HSet implements KV.HSet.
func (s *RedisKV) HSet(ctx context.Context, key, field, value string) error {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr("hset", s.client.HSet(cctx, key, field, value).Err())
}

// HSetAll implements KV.HSetAll.
func (s *RedisKV) HSetAll(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr("hset", s.client.HSet(cctx, key, fields).Err())
}

// HSetAllExpire implements KV.HSetAllExpire using a transactional pipeline.
func (s *RedisKV) HSetAllExpire(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.HSet(cctx, key, fields)
	if ttl > 0 {
		pipe.Expire(cctx, key, ttl)
	}
	_, err = pipe.Exec(cctx)
	return mapErr("hset_expire", err)
}

// HDel implements KV.HDel.
func (s *RedisKV) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.HDel(cctx, key, fields...).Result()
	if err != nil {
		return 0, mapErr("hdel", err)
	}
	return n, nil
}
