package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type MemoryProvider struct {
	mu    sync.Mutex
	cache *lru.Cache[string, item]
	now   func() time.Time
}

type item struct {
	value     string
	expiresAt time.Time
}

const defaultMemoryCacheSize = 10_000

func NewMemoryProvider() (*MemoryProvider, error) {
	c, err := lru.New[string, item](defaultMemoryCacheSize)
	if err != nil {
		return nil, err
	}
	return &MemoryProvider{cache: c, now: time.Now}, nil
}

func (m *MemoryProvider) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached, ok := m.live(key)
	if !ok {
		return "", ErrNotFound
	}
	return cached.value, nil
}

func (m *MemoryProvider) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Add(key, item{value: value, expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *MemoryProvider) Claim(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.cache.Add(key, item{value: value, expiresAt: m.now().Add(ttl)})
	return true, nil
}

func (m *MemoryProvider) Release(_ context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.live(key); ok && cached.value == value {
		m.cache.Remove(key)
	}
	return nil
}

func (m *MemoryProvider) Close() error {
	return nil
}

// live returns an unexpired entry, evicting it if stale. Callers hold mu.
func (m *MemoryProvider) live(key string) (item, bool) {
	cached, exists := m.cache.Get(key)
	if !exists {
		return item{}, false
	}
	if m.now().After(cached.expiresAt) {
		m.cache.Remove(key)
		return item{}, false
	}
	return cached, true
}

var ErrNotFound = errors.New("key not found")
