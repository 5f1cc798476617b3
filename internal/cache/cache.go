// Package cache defines the cache collaborator consumed by the engine and a
// read-through layer on top of it. Cached values are derived and expendable;
// every failure here is reported to the caller's logger and swallowed.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a failed cache round trip.
var ErrUnavailable = errors.New("cache unavailable")

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Has(ctx context.Context, key string) (bool, error)
	Increment(ctx context.Context, key string, by int64) (int64, error)
	Decrement(ctx context.Context, key string, by int64) (int64, error)
	// ListPush appends to the tail and trims the list to the newest maxLen
	// entries.
	ListPush(ctx context.Context, key string, value []byte, maxLen int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	// ListPop removes and returns up to count entries from the head.
	ListPop(ctx context.Context, key string, count int) ([][]byte, error)
	SetAdd(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers channel payloads until Close is called or the
// subscribing context ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}
