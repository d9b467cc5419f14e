package store

import (
	"context"

	"github.com/patrickmn/go-cache"
)

// MemoryStore is a process-local Store. Values never expire.
type MemoryStore struct {
	cache *cache.Cache
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		cache: cache.New(cache.NoExpiration, 0),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	if x, found := s.cache.Get(key); found {
		return x.(string), true, nil
	}
	return "", false, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.cache.Set(key, value, cache.NoExpiration)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
