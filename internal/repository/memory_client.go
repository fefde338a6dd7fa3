package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/samber/mo"

	"kb-slackbot/internal/domain"
)

// MemoryStore is a process-local Store for single-instance runs and tests.
// It does not coordinate across processes and must not back a multi-instance deployment.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.Record),
		now:     time.Now,
	}
}

// WithClock replaces the store's time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("repository: PutIfAbsent: key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[key]; ok && !rec.Expired(now) {
		return ErrConflict
	}
	s.records[key] = domain.Record{Key: key, Value: value, ExpiresAt: expiry(now, ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (mo.Option[domain.Record], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return mo.None[domain.Record](), nil
	}
	if rec.Expired(s.now()) {
		delete(s.records, key)
		return mo.None[domain.Record](), nil
	}
	return mo.Some(rec), nil
}

func (s *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("repository: Put: key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = domain.Record{Key: key, Value: value, ExpiresAt: expiry(s.now(), ttl)}
	return nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
