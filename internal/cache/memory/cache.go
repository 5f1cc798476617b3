// Package memory is an in-process cache.Cache used by tests and by services
// started without Redis.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"qms/queue-engine/internal/cache"
)

type entry struct {
	value   []byte
	expires time.Time
}

type Cache struct {
	mu      sync.Mutex
	now     func() time.Time
	values  map[string]entry
	lists   map[string][][]byte
	sets    map[string]map[string]struct{}
	subs    map[string]map[*subscription]struct{}
	bufSize int
}

type Option func(*Cache)

// WithClock replaces time.Now for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

var _ cache.Cache = (*Cache)(nil)

func New(opts ...Option) *Cache {
	c := &Cache{
		now:     time.Now,
		values:  make(map[string]entry),
		lists:   make(map[string][][]byte),
		sets:    make(map[string]map[string]struct{}),
		subs:    make(map[string]map[*subscription]struct{}),
		bufSize: 64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) lookup(key string) (entry, bool) {
	e, ok := c.values[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.values, key)
		return entry{}, false
	}
	return e, true
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.values[key] = e
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.values, k)
		delete(c.lists, k)
		delete(c.sets, k)
	}
	return nil
}

func (c *Cache) Has(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lookup(key); ok {
		return true, nil
	}
	if _, ok := c.lists[key]; ok {
		return true, nil
	}
	_, ok := c.sets[key]
	return ok, nil
}

func (c *Cache) Increment(ctx context.Context, key string, by int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, _ := c.lookup(key)
	var current int64
	if len(e.value) > 0 {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
	}
	current += by
	e.value = []byte(strconv.FormatInt(current, 10))
	c.values[key] = e
	return current, nil
}

func (c *Cache) Decrement(ctx context.Context, key string, by int64) (int64, error) {
	return c.Increment(ctx, key, -by)
}

func (c *Cache) ListPush(ctx context.Context, key string, value []byte, maxLen int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append(c.lists[key], append([]byte(nil), value...))
	if maxLen > 0 && int64(len(list)) > maxLen {
		list = list[int64(len(list))-maxLen:]
	}
	c.lists[key] = list
	return nil
}

// ListRange follows LRANGE index rules, including negative offsets.
func (c *Cache) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (c *Cache) ListPop(ctx context.Context, key string, count int) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.lists[key]
	if count <= 0 || len(list) == 0 {
		return nil, nil
	}
	if count > len(list) {
		count = len(list)
	}
	out := list[:count]
	rest := list[count:]
	if len(rest) == 0 {
		delete(c.lists, key)
	} else {
		c.lists[key] = append([][]byte(nil), rest...)
	}
	return out, nil
}

func (c *Cache) SetAdd(ctx context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[key]
	if !ok {
		set = make(map[string]struct{})
		c.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (c *Cache) SetMembers(ctx context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members := make([]string, 0, len(c.sets[key]))
	for m := range c.sets[key] {
		members = append(members, m)
	}
	return members, nil
}

func (c *Cache) Publish(ctx context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs[channel] {
		select {
		case sub.out <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (c *Cache) Subscribe(ctx context.Context, channel string) (cache.Subscription, error) {
	sub := &subscription{
		cache:   c,
		channel: channel,
		out:     make(chan []byte, c.bufSize),
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	if c.subs[channel] == nil {
		c.subs[channel] = make(map[*subscription]struct{})
	}
	c.subs[channel][sub] = struct{}{}
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

type subscription struct {
	cache   *Cache
	channel string
	out     chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Messages() <-chan []byte {
	return s.out
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cache.mu.Lock()
		delete(s.cache.subs[s.channel], s)
		close(s.out)
		close(s.done)
		s.cache.mu.Unlock()
	})
	return nil
}
