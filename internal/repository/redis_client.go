package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/mo"

	"kb-slackbot/internal/domain"
)

// RedisStore is a Store over Redis string keys. Expiry is enforced by Redis itself.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Store on client. prefix is prepended to every key.
func NewRedisStore(client redis.Cmdable, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}, nil
}

// NewRedisStoreFromURL parses a redis:// URL, connects and pings.
func NewRedisStoreFromURL(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("repository: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("repository: ping redis: %w", err)
	}
	return NewRedisStore(client, prefix)
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// PutIfAbsent uses SET NX with an expiry so only one concurrent writer wins.
func (s *RedisStore) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("repository: PutIfAbsent: key is required")
	}
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return fmt.Errorf("repository: PutIfAbsent: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// Get returns the value and its remaining lifetime in one round trip.
func (s *RedisStore) Get(ctx context.Context, key string) (mo.Option[domain.Record], error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, s.key(key))
	ttlCmd := pipe.PTTL(ctx, s.key(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return mo.None[domain.Record](), fmt.Errorf("repository: Get: %w", err)
	}

	value, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return mo.None[domain.Record](), nil
	}
	if err != nil {
		return mo.None[domain.Record](), fmt.Errorf("repository: Get: %w", err)
	}

	rec := domain.Record{Key: key, Value: value}
	if remaining := ttlCmd.Val(); remaining > 0 {
		rec.ExpiresAt = s.now().Add(remaining)
	}
	return mo.Some(rec), nil
}

// Put writes or replaces key with a fresh expiry.
func (s *RedisStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("repository: Put: key is required")
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

// Close releases the underlying client when it owns a connection pool.
func (s *RedisStore) Close() error {
	if c, ok := s.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
