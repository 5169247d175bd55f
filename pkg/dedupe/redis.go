package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
)

// RedisConfig holds configuration for the Redis filter.
type RedisConfig struct {
	Addr      string        // e.g., "localhost:6379"
	Password  string        // Leave empty if no password
	DB        int           // e.g., 0
	KeyPrefix string        // Namespaces the keys, e.g. "lorawan-bridge:dedupe:"
	TTL       time.Duration // How long a reading is remembered
}

// RedisFilter shares dedupe state between bridge instances subscribed to the
// same broker through a shared subscription.
type RedisFilter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisFilter connects to Redis and verifies the connection with a ping.
func NewRedisFilter(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisFilter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for dedupe")
	return NewRedisFilterFromClient(client, cfg.KeyPrefix, cfg.TTL, logger), nil
}

// NewRedisFilterFromClient wraps an existing client. The filter takes
// ownership and closes the client on Close.
func NewRedisFilterFromClient(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisFilter {
	return &RedisFilter{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "RedisDedupe").Logger(),
	}
}

// Seen implements Filter with SETNX, so the first writer across all
// instances wins.
func (f *RedisFilter) Seen(ctx context.Context, rec types.SensorRecord) (bool, error) {
	key := f.prefix + Key(rec)
	created, err := f.client.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	if !created {
		f.logger.Debug().Str("key", key).Msg("Duplicate reading")
	}
	return !created, nil
}

// Forget implements Filter.
func (f *RedisFilter) Forget(ctx context.Context, rec types.SensorRecord) error {
	key := f.prefix + Key(rec)
	if err := f.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (f *RedisFilter) Close() error {
	if f.client != nil {
		f.logger.Info().Msg("Closing Redis client connection...")
		return f.client.Close()
	}
	return nil
}
