// Package widgetcache memoizes widget payloads for a short TTL so repeated
// dashboard reads do not hit the providers again. The cache is advisory: a
// lost or failing backend only costs extra upstream calls.
package widgetcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/VidhuSarwal/dashcore/internal/metrics"
)

// ErrSkipStore may be returned by a loader together with a usable value. The
// value is handed to the caller but not cached.
var ErrSkipStore = errors.New("widgetcache: do not store result")

// Backend stores serialized payloads with a TTL. Get reports a miss for
// absent or expired keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

type Cache struct {
	backend Backend
	log     zerolog.Logger
}

func New(backend Backend, log zerolog.Logger) *Cache {
	return &Cache{backend: backend, log: log}
}

// Fetch returns the live entry for key or calls loader and stores its result
// for ttl. Loader errors are returned to the caller and never cached.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, loader func(ctx context.Context) (T, error)) (T, error) {
	if c == nil || c.backend == nil || ttl <= 0 {
		v, err := loader(ctx)
		if errors.Is(err, ErrSkipStore) {
			err = nil
		}
		return v, err
	}

	if v, ok := lookup[T](ctx, c, key); ok {
		return v, nil
	}

	v, err := loader(ctx)
	if err != nil {
		if errors.Is(err, ErrSkipStore) {
			metrics.IncCacheLookup("skip")
			return v, nil
		}
		var zero T
		return zero, err
	}

	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return v, nil
	}
	if err := c.backend.Set(ctx, key, payload, ttl); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return v, nil
}

func lookup[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var v T
	payload, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		metrics.IncCacheLookup("error")
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return v, false
	}
	if !ok {
		metrics.IncCacheLookup("miss")
		return v, false
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		metrics.IncCacheLookup("error")
		c.log.Warn().Err(err).Str("key", key).Msg("cache decode failed")
		var zero T
		return zero, false
	}
	metrics.IncCacheLookup("hit")
	return v, true
}
