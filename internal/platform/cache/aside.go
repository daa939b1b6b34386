package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Aside is the cache-aside helper used by the services. None of its methods
// return errors: a backend failure is logged, counted, and treated as a miss.
type Aside struct {
	store   Store
	metrics *Metrics
	log     zerolog.Logger
}

// NewAside wraps store. A nil store disables caching; a nil metrics gets a
// private collector.
func NewAside(store Store, metrics *Metrics, log zerolog.Logger) *Aside {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Aside{store: store, metrics: metrics, log: log}
}

func (a *Aside) Metrics() *Metrics { return a.metrics }

// Fetch decodes the cached value into dest and reports whether it was found.
func (a *Aside) Fetch(ctx context.Context, key string, dest interface{}) bool {
	if a == nil || a.store == nil {
		return false
	}
	err := a.store.Get(ctx, key, dest)
	switch {
	case err == nil:
		a.metrics.Hit(key)
		return true
	case errors.Is(err, ErrMiss):
		a.metrics.Miss(key)
	default:
		a.metrics.Error(key)
		a.metrics.Miss(key)
		a.log.Warn().Err(err).Str("key", key).Msg("cache read failed, recomputing")
	}
	return false
}

func (a *Aside) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if a == nil || a.store == nil {
		return
	}
	if err := a.store.Set(ctx, key, value, ttl); err != nil {
		a.metrics.Error(key)
		a.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (a *Aside) Invalidate(ctx context.Context, keys ...string) {
	if a == nil || a.store == nil || len(keys) == 0 {
		return
	}
	if err := a.store.Delete(ctx, keys...); err != nil {
		a.metrics.Error(keys[0])
		a.log.Warn().Err(err).Strs("keys", keys).Msg("cache invalidation failed")
	}
}

func (a *Aside) InvalidatePrefix(ctx context.Context, prefix string) {
	if a == nil || a.store == nil {
		return
	}
	if err := a.store.DeletePrefix(ctx, prefix); err != nil {
		a.metrics.Error(prefix)
		a.log.Warn().Err(err).Str("prefix", prefix).Msg("cache prefix invalidation failed")
	}
}
