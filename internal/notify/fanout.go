package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"qms/queue-engine/internal/cache"
)

const (
	DefaultBuffer   = "queue_updates_buffer"
	DefaultChannel  = "queue_updates"
	DefaultCapacity = 100
)

type Notifier interface {
	Notify(ctx context.Context, events ...Event)
}

// Fanout writes every event to the bounded buffer and to the channel.
type Fanout struct {
	cache    cache.Cache
	buffer   string
	channel  string
	capacity int64
	logger   *slog.Logger
}

type FanoutOption func(*Fanout)

func WithBuffer(key string, capacity int) FanoutOption {
	return func(f *Fanout) {
		if key != "" {
			f.buffer = key
		}
		if capacity > 0 {
			f.capacity = int64(capacity)
		}
	}
}

func WithChannel(channel string) FanoutOption {
	return func(f *Fanout) {
		if channel != "" {
			f.channel = channel
		}
	}
}

func WithFanoutLogger(logger *slog.Logger) FanoutOption {
	return func(f *Fanout) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func NewFanout(c cache.Cache, opts ...FanoutOption) *Fanout {
	f := &Fanout{
		cache:    c,
		buffer:   DefaultBuffer,
		channel:  DefaultChannel,
		capacity: DefaultCapacity,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fanout) Notify(ctx context.Context, events ...Event) {
	for _, evt := range events {
		raw, err := json.Marshal(evt)
		if err != nil {
			f.fail(evt, "encode", err)
			continue
		}
		if err := f.cache.ListPush(ctx, f.buffer, raw, f.capacity); err != nil {
			f.fail(evt, "buffer", err)
		}
		if err := f.cache.Publish(ctx, f.channel, raw); err != nil {
			f.fail(evt, "publish", err)
		}
	}
}

func (f *Fanout) fail(evt Event, path string, err error) {
	f.logger.Warn("notification dropped",
		"path", path,
		"event_type", evt.Type,
		"queue_id", evt.QueueID,
		"error", fmt.Errorf("%w: %v", ErrDeliveryFailed, err),
	)
}
