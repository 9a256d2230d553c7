package kvstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: map[string]entry{},
		now:     time.Now,
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(b.now()) {
		delete(b.entries, key)
		return nil, false, nil
	}
	return cloneBytes(e.Value), true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.pruneLocked(now)
	b.entries[key] = entry{Value: cloneBytes(value), ExpiresAt: expiryFor(now, ttl)}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

// Len reports the number of live entries.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return len(b.entries)
}

func (b *MemoryBackend) pruneLocked(now time.Time) {
	for key, e := range b.entries {
		if e.expired(now) {
			delete(b.entries, key)
		}
	}
}
