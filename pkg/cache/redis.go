package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the connection settings for the Redis layer.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// CacheTTL is the expiry applied to entries written back on a miss.
	CacheTTL time.Duration
}

// LoadRedisConfigWithEnv creates a RedisConfig from environment variables,
// falling back to local defaults suitable for development.
func LoadRedisConfigWithEnv() *RedisConfig {
	cfg := &RedisConfig{
		Addr:     "localhost:6379",
		Password: os.Getenv("REDIS_PASSWORD"),
		CacheTTL: 2 * time.Hour,
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.DB = n
		}
	}
	if ttl := os.Getenv("REDIS_CACHE_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			cfg.CacheTTL = d
		}
	}
	return cfg
}

// RedisCache is a Redis-backed Fetcher layer holding JSON-encoded values. On
// a miss it consults the fallback and writes the answer back with the
// configured TTL.
type RedisCache[V any] struct {
	client   *redis.Client
	logger   zerolog.Logger
	ttl      time.Duration
	fallback Fetcher[V]
}

// NewRedisCache creates and connects a RedisCache. It pings the server
// before returning so a misconfigured address fails at startup rather than
// on the first fetch.
func NewRedisCache[V any](ctx context.Context, cfg *RedisConfig, fallback Fetcher[V], logger zerolog.Logger) (*RedisCache[V], error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisCache[V]{
		client:   client,
		logger:   logger.With().Str("component", "RedisCache").Logger(),
		ttl:      cfg.CacheTTL,
		fallback: fallback,
	}, nil
}

// Fetch checks Redis first and falls through on a miss. The write-back runs
// in the background so the caller is not held up by cache population.
func (c *RedisCache[V]) Fetch(ctx context.Context, key string) (V, error) {
	var zero V

	value, err := c.fetchFromRedis(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Error().Err(err).Str("key", key).Msg("Unexpected Redis error during fetch.")
		return zero, err
	}

	if c.fallback == nil {
		return zero, fmt.Errorf("key %q not cached and no fallback configured", key)
	}
	value, err = c.fallback.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}

	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if writeErr := c.write(writeCtx, key, value); writeErr != nil {
			c.logger.Warn().Err(writeErr).Str("key", key).Msg("Background cache write-back failed.")
		}
	}()

	return value, nil
}

func (c *RedisCache[V]) fetchFromRedis(ctx context.Context, key string) (V, error) {
	var zero V
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		// redis.Nil passes through so the caller can treat it as a miss.
		return zero, err
	}

	var value V
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return zero, fmt.Errorf("unmarshal cached entry for %q: %w", key, err)
	}
	return value, nil
}

func (c *RedisCache[V]) write(ctx context.Context, key string, value V) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal entry for %q: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set %q in redis: %w", key, err)
	}
	return nil
}

// Close releases the Redis connection and closes the chain below.
func (c *RedisCache[V]) Close() error {
	err := c.client.Close()
	if c.fallback != nil {
		if fbErr := c.fallback.Close(); err == nil {
			err = fbErr
		}
	}
	return err
}
