// Package kvstore provides the durable key-value backends the mirror keeps its
// state in. Every key is independent: backends offer no multi-key transactions.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("backend closed")
)

// Backend is a string-keyed byte store with optional per-entry expiry.
// A ttl of zero means the entry never expires. Expired entries read as missing.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type entry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (e entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
