package repository

import (
	"context"
	"errors"
	"time"

	"github.com/samber/mo"

	"kb-slackbot/internal/domain"
)

// ErrConflict is returned by PutIfAbsent when a live record already holds the key.
// It is the only error that means "already present"; anything else is a store fault.
var ErrConflict = errors.New("repository: key already exists")

// Store is a TTL-capable key-value store with an atomic insert-if-absent.
// Expired records are unreachable through every method.
type Store interface {
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (mo.Option[domain.Record], error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

// IsConflict reports whether err signals an existing key.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
