// Package redis implements cache.Cache on top of go-redis. Lists back the
// notification ring buffer, channels back pub/sub.
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	c := redis.New(client)
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"qms/queue-engine/internal/cache"

	goredis "github.com/redis/go-redis/v9"
)

type Option func(*Cache)

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithPrefix namespaces every key and channel.
func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

type Cache struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ cache.Cache = (*Cache)(nil)

// New wraps client. The caller owns the client lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache/redis: get: %w", err)
	}
	return raw, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache/redis: set: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}
	if err := c.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("cache/redis: delete: %w", err)
	}
	return nil
}

func (c *Cache) Has(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("cache/redis: exists: %w", err)
	}
	return n > 0, nil
}

func (c *Cache) Increment(ctx context.Context, key string, by int64) (int64, error) {
	n, err := c.client.IncrBy(ctx, c.key(key), by).Result()
	if err != nil {
		return 0, fmt.Errorf("cache/redis: incr: %w", err)
	}
	return n, nil
}

func (c *Cache) Decrement(ctx context.Context, key string, by int64) (int64, error) {
	n, err := c.client.DecrBy(ctx, c.key(key), by).Result()
	if err != nil {
		return 0, fmt.Errorf("cache/redis: decr: %w", err)
	}
	return n, nil
}

func (c *Cache) ListPush(ctx context.Context, key string, value []byte, maxLen int64) error {
	k := c.key(key)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, k, value)
	if maxLen > 0 {
		pipe.LTrim(ctx, k, -maxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache/redis: list push: %w", err)
	}
	return nil
}

func (c *Cache) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	values, err := c.client.LRange(ctx, c.key(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("cache/redis: list range: %w", err)
	}
	return toBytes(values), nil
}

func (c *Cache) ListPop(ctx context.Context, key string, count int) ([][]byte, error) {
	if count <= 0 {
		return nil, nil
	}
	values, err := c.client.LPopCount(ctx, c.key(key), count).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache/redis: list pop: %w", err)
	}
	return toBytes(values), nil
}

func (c *Cache) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.client.SAdd(ctx, c.key(key), args...).Err(); err != nil {
		return fmt.Errorf("cache/redis: set add: %w", err)
	}
	return nil
}

func (c *Cache) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.client.SMembers(ctx, c.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache/redis: set members: %w", err)
	}
	return members, nil
}

func (c *Cache) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.client.Publish(ctx, c.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("cache/redis: publish: %w", err)
	}
	return nil
}

func (c *Cache) Subscribe(ctx context.Context, channel string) (cache.Subscription, error) {
	ps := c.client.Subscribe(ctx, c.key(channel))
	// Wait for the subscription confirmation so no publish is missed after
	// Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("cache/redis: subscribe: %w", err)
	}

	sub := &subscription{ps: ps, out: make(chan []byte, 64)}
	go sub.forward(ctx, c.logger)
	return sub, nil
}

type subscription struct {
	ps  *goredis.PubSub
	out chan []byte
}

func (s *subscription) forward(ctx context.Context, logger *slog.Logger) {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.ps.Close()
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			default:
				logger.Warn("drop pubsub message", "channel", msg.Channel)
			}
		}
	}
}

func (s *subscription) Messages() <-chan []byte {
	return s.out
}

func (s *subscription) Close() error {
	return s.ps.Close()
}

func toBytes(values []string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}
