package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vatsalvatsyayan/pocketllm/src/config"
	"github.com/vatsalvatsyayan/pocketllm/src/logging"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

// Store is the key-value surface shared by the cache tiers, the session
// snapshots and the admission queue.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Scan calls fn for every live key matching pattern until fn returns false.
	Scan(ctx context.Context, pattern string, fn func(key, value string) bool) error

	PushBounded(ctx context.Context, key, value string, max int) (int64, error)
	Pop(ctx context.Context, key string) (string, bool, error)
	Len(ctx context.Context, key string) (int64, error)
	Range(ctx context.Context, key string) ([]string, error)
	RemoveValue(ctx context.Context, key, value string) (bool, error)

	Available() bool
	Ping(ctx context.Context) error
	Close() error
}

// errListFull is returned by PushBounded when the list is at capacity.
var errListFull = errors.New("list is at capacity")

// IsListFull reports whether err came from a PushBounded capacity rejection.
func IsListFull(err error) bool { return errors.Is(err, errListFull) }

// admitScript checks length and pushes in one step so concurrent producers
// cannot push past max.
var admitScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then
	return -1
end
return redis.call('LPUSH', KEYS[1], ARGV[1])
`)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg *config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Connect returns a Redis-backed store, or a DegradedStore when Redis cannot
// be reached at startup.
func Connect(cfg *config.RedisConfig, logger *slog.Logger) Store {
	logger = logging.OrDefault(logger)
	store, err := NewRedisStore(cfg)
	if err != nil {
		logger.Warn("redis unavailable, running without cache and queue", "address", cfg.Address, "error", err)
		return DegradedStore{}
	}
	logger.Info("redis connected", "address", cfg.Address, "db", cfg.DB)
	return store
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Scan(ctx context.Context, pattern string, fn func(key, value string) bool) error {
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			// expired between SCAN and GET
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		if !fn(key, val) {
			return nil
		}
	}
	return iter.Err()
}

func (s *RedisStore) PushBounded(ctx context.Context, key, value string, max int) (int64, error) {
	n, err := admitScript.Run(ctx, s.client, []string{key}, value, max).Int64()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return int64(max), errListFull
	}
	return n, nil
}

func (s *RedisStore) Pop(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.RPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Len(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *RedisStore) Range(ctx context.Context, key string) ([]string, error) {
	return s.client.LRange(ctx, key, 0, -1).Result()
}

// RemoveValue removes the occurrence of value closest to the tail, which is
// the oldest one for a list filled with LPUSH.
func (s *RedisStore) RemoveValue(ctx context.Context, key, value string) (bool, error) {
	n, err := s.client.LRem(ctx, key, -1, value).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Available() bool { return true }

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// DegradedStore stands in for Redis when it is unreachable. Reads miss and
// writes are dropped, except list pushes which fail with
// models.ErrBackendUnavailable so submitted work is never silently lost.
type DegradedStore struct{}

func (DegradedStore) Get(context.Context, string) (string, bool, error) { return "", false, nil }

func (DegradedStore) Set(context.Context, string, string, time.Duration) error { return nil }

func (DegradedStore) Delete(context.Context, string) error { return nil }

func (DegradedStore) Scan(context.Context, string, func(string, string) bool) error { return nil }

func (DegradedStore) PushBounded(context.Context, string, string, int) (int64, error) {
	return 0, models.ErrBackendUnavailable
}

func (DegradedStore) Pop(context.Context, string) (string, bool, error) { return "", false, nil }

func (DegradedStore) Len(context.Context, string) (int64, error) { return 0, nil }

func (DegradedStore) Range(context.Context, string) ([]string, error) { return nil, nil }

func (DegradedStore) RemoveValue(context.Context, string, string) (bool, error) { return false, nil }

func (DegradedStore) Available() bool { return false }

func (DegradedStore) Ping(context.Context) error { return models.ErrBackendUnavailable }

func (DegradedStore) Close() error { return nil }
