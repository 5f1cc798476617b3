package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

const loadTimeout = 30 * time.Second

// Layer is the single read-through entry point over a Cache. Reads fall
// back to the loader on a miss or on any cache error; writes and
// invalidations are best effort.
type Layer struct {
	cache  Cache
	logger *slog.Logger
	group  singleflight.Group
}

type LayerOption func(*Layer)

func WithLogger(logger *slog.Logger) LayerOption {
	return func(l *Layer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLayer wraps c. A nil c yields a layer where every read misses.
func NewLayer(c Cache, opts ...LayerOption) *Layer {
	l := &Layer{cache: c, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Layer) Cache() Cache {
	return l.cache
}

// Fetch returns the cached value for key or loads, stores and returns it.
// Concurrent misses on the same key share one load.
func Fetch[T any](ctx context.Context, l *Layer, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	if raw, ok := l.get(ctx, key); ok {
		var value T
		err := json.Unmarshal(raw, &value)
		if err == nil {
			return value, nil
		}
		l.warn("decode", key, err)
	}

	// The shared load outlives any single caller; each caller still stops
	// waiting when its own context ends.
	flight := l.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		value, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		l.Put(loadCtx, key, value, ttl)
		return value, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (l *Layer) get(ctx context.Context, key string) ([]byte, bool) {
	if l.cache == nil {
		return nil, false
	}
	raw, ok, err := l.cache.Get(ctx, key)
	if err != nil {
		l.warn("get", key, err)
		return nil, false
	}
	return raw, ok
}

func (l *Layer) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if l.cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		l.warn("encode", key, err)
		return
	}
	if err := l.cache.Set(ctx, key, raw, ttl); err != nil {
		l.warn("set", key, err)
	}
}

// Invalidate deletes derived keys. Callers must only invoke it after the
// owning transaction committed.
func (l *Layer) Invalidate(ctx context.Context, keys ...string) {
	if l.cache == nil || len(keys) == 0 {
		return
	}
	if err := l.cache.Delete(ctx, keys...); err != nil {
		l.warn("delete", fmt.Sprint(keys), err)
	}
}

func (l *Layer) Increment(ctx context.Context, key string, by int64) {
	if l.cache == nil {
		return
	}
	if _, err := l.cache.Increment(ctx, key, by); err != nil {
		l.warn("incr", key, err)
	}
}

func (l *Layer) Decrement(ctx context.Context, key string, by int64) {
	if l.cache == nil {
		return
	}
	if _, err := l.cache.Decrement(ctx, key, by); err != nil {
		l.warn("decr", key, err)
	}
}

func (l *Layer) Track(ctx context.Context, setKey string, members ...string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.SetAdd(ctx, setKey, members...); err != nil {
		l.warn("sadd", setKey, err)
	}
}

func (l *Layer) warn(op, key string, err error) {
	l.logger.Warn("cache operation failed",
		"op", op,
		"key", key,
		"error", fmt.Errorf("%w: %v", ErrUnavailable, err),
	)
}
