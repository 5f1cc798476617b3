package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	BusClientAdded    = "client_added"
	BusClientRemoved  = "client_removed"
	BusQueueProceeded = "queue_proceeded"
)

// BusEvent is the JSON document published to the message bus.
type BusEvent struct {
	EventType      string     `json:"event_type"`
	Timestamp      time.Time  `json:"timestamp"`
	Client         *BusClient `json:"client"`
	Position       *int       `json:"position,omitempty"`
	NewQueueLength *int       `json:"new_queue_length,omitempty"`
}

type BusClient struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Bus interface {
	Emit(ctx context.Context, evt BusEvent) error
}

// StreamBus appends bus events to a Redis stream.
type StreamBus struct {
	client goredis.Cmdable
	stream string
	maxLen int64
}

func NewStreamBus(client goredis.Cmdable, stream string, maxLen int64) *StreamBus {
	if stream == "" {
		stream = "qms:queue_events"
	}
	return &StreamBus{client: client, stream: stream, maxLen: maxLen}
}

func (b *StreamBus) Emit(ctx context.Context, evt BusEvent) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: encode bus event: %w", err)
	}
	args := &goredis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			"event_type": evt.EventType,
			"payload":    string(raw),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("notify: stream %s: %w", b.stream, err)
	}
	return nil
}

// LogBus writes bus events to the log. Used when no Redis is configured.
type LogBus struct {
	Logger *slog.Logger
}

func (b LogBus) Emit(ctx context.Context, evt BusEvent) error {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "bus event", "event_type", evt.EventType, "timestamp", evt.Timestamp)
	return nil
}
