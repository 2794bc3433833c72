package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisOptions addresses the Redis database used for the calendar cache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisStore keeps entries under a generation number. Invalidate bumps the
// generation so older entries are never read again and expire by TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisStore creates a store whose keys start with prefix.
func NewRedisStore(client *redis.Client, prefix string, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStore) genKey() string { return s.prefix + ":gen" }

func (s *RedisStore) entryKey(gen int64, key string) string {
	return fmt.Sprintf("%s:%d:%s", s.prefix, gen, key)
}

func (s *RedisStore) generation(ctx context.Context) (int64, error) {
	gen, err := s.client.Get(ctx, s.genKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Get returns the entry of the current generation. Redis errors count as a
// miss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	gen, err := s.generation(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("calendar cache generation lookup failed")
		return nil, false
	}
	val, err := s.client.Get(ctx, s.entryKey(gen, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Str("key", key).Msg("calendar cache read failed")
		}
		return nil, false
	}
	return val, true
}

// Set stores value under the current generation.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	gen, err := s.generation(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("calendar cache generation lookup failed")
		return
	}
	if err := s.client.Set(ctx, s.entryKey(gen, key), value, ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("calendar cache write failed")
	}
}

// Invalidate starts a new generation.
func (s *RedisStore) Invalidate(ctx context.Context) {
	if err := s.client.Incr(ctx, s.genKey()).Err(); err != nil {
		s.logger.Error().Err(err).Msg("calendar cache invalidation failed")
	}
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
