// Package cache provides the best-effort cache-aside layer used by the
// linking, pattern and scoring services. Values are JSON-serialized; keys
// are namespaced by the backend.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Store.Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is a JSON-serializing key/value backend with per-key TTLs.
type Store interface {
	// Get decodes the value stored under key into dest, or returns ErrMiss.
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key beginning with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
}
