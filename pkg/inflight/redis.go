package inflight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis-backed registry.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long an unresolved pending request survives, so a
	// response that never arrives doesn't leak a key forever.
	TTL time.Duration
}

// RedisStore is a Store backed by Redis, letting correlation state survive
// a gateway restart and be shared across replicas consuming the same
// connection's responses.
type RedisStore[K comparable, V any] struct {
	client *redis.Client
	logger zerolog.Logger
	ttl    time.Duration
}

// NewRedisStore creates and connects a new Redis-backed pending-request
// registry, pinging the server to confirm connectivity before returning.
func NewRedisStore[K comparable, V any](ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("connected to redis pending-request registry")

	return &RedisStore[K, V]{
		client: rdb,
		logger: logger.With().Str("component", "RedisStore").Logger(),
		ttl:    cfg.TTL,
	}, nil
}

// Put registers a pending entry under key with the configured TTL.
func (s *RedisStore[K, V]) Put(ctx context.Context, key K, value V) error {
	stringKey := fmt.Sprintf("%v", key)
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal pending request: %w", err)
	}
	if err := s.client.Set(ctx, stringKey, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to register pending request in redis: %w", err)
	}
	return nil
}

// Take retrieves and atomically removes the pending entry for key via
// GETDEL, so concurrent consumers cannot both resolve the same correlation
// id.
func (s *RedisStore[K, V]) Take(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := fmt.Sprintf("%v", key)

	raw, err := s.client.GetDel(ctx, stringKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("no pending request for correlation id %v", key)
		}
		return zero, fmt.Errorf("failed to take pending request from redis: %w", err)
	}

	var value V
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return zero, fmt.Errorf("failed to unmarshal pending request: %w", err)
	}
	return value, nil
}

// Close closes the underlying Redis client connection.
func (s *RedisStore[K, V]) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
