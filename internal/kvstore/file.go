package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileBackend keeps every entry in one JSON document. Each operation takes an
// advisory lock on a sidecar ".lock" file and re-reads the document, so several
// processes can share a state file.
type FileBackend struct {
	Path string

	mu  sync.Mutex
	now func() time.Time
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileBackend{Path: path, now: time.Now}, nil
}

func (b *FileBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrInvalidInput
	}
	var (
		value []byte
		found bool
	)
	err := b.withLock(false, func() error {
		entries, err := b.load()
		if err != nil {
			return err
		}
		e, ok := entries[key]
		if !ok || e.expired(b.now()) {
			return nil
		}
		value, found = cloneBytes(e.Value), true
		return nil
	})
	return value, found, err
}

func (b *FileBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return b.withLock(true, func() error {
		entries, err := b.load()
		if err != nil {
			return err
		}
		now := b.now()
		for k, e := range entries {
			if e.expired(now) {
				delete(entries, k)
			}
		}
		entries[key] = entry{Value: cloneBytes(value), ExpiresAt: expiryFor(now, ttl)}
		return b.save(entries)
	})
}

func (b *FileBackend) Delete(_ context.Context, key string) error {
	return b.withLock(true, func() error {
		entries, err := b.load()
		if err != nil {
			return err
		}
		if _, ok := entries[key]; !ok {
			return nil
		}
		delete(entries, key)
		return b.save(entries)
	})
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) withLock(exclusive bool, fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureDir(); err != nil {
		return err
	}
	lock, err := os.OpenFile(b.Path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := lockFile(lock, exclusive); err != nil {
		return err
	}
	defer func() { _ = unlockFile(lock) }()
	return fn()
}

func (b *FileBackend) ensureDir() error {
	dir := filepath.Dir(b.Path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (b *FileBackend) load() (map[string]entry, error) {
	entries := map[string]entry{}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entries, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (b *FileBackend) save(entries map[string]entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
