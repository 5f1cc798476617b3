package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"qms/queue-engine/internal/cache"
)

const recentWindow = 512

// Broadcaster receives realtime frames routed by queue.
type Broadcaster interface {
	Broadcast(payload []byte, queueID string)
}

// Poller drains the buffer on a fixed interval and listens on the channel.
// An event reaching it through both paths is delivered once.
type Poller struct {
	cache    cache.Cache
	target   Broadcaster
	buffer   string
	channel  string
	interval time.Duration
	batch    int
	logger   *slog.Logger

	running int32
	mu      sync.Mutex
	recent  map[string]struct{}
	order   []string
	lastID  string
}

type PollerOptions struct {
	Buffer   string
	Channel  string
	Interval time.Duration
	Batch    int
	Logger   *slog.Logger
}

func NewPoller(c cache.Cache, target Broadcaster, options PollerOptions) *Poller {
	p := &Poller{
		cache:    c,
		target:   target,
		buffer:   options.Buffer,
		channel:  options.Channel,
		interval: options.Interval,
		batch:    options.Batch,
		logger:   options.Logger,
		recent:   make(map[string]struct{}),
	}
	if p.buffer == "" {
		p.buffer = DefaultBuffer
	}
	if p.channel == "" {
		p.channel = DefaultChannel
	}
	if p.interval <= 0 {
		p.interval = 500 * time.Millisecond
	}
	if p.batch <= 0 {
		p.batch = DefaultCapacity
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Run blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if raw, ok, err := p.cache.Get(ctx, cache.LastProcessedKey(p.channel)); err != nil {
		p.logger.Warn("load last processed id", "error", err)
	} else if ok {
		p.remember(string(raw))
	}

	var messages <-chan []byte
	sub, err := p.cache.Subscribe(ctx, p.channel)
	if err != nil {
		p.logger.Warn("subscribe failed, polling buffer only", "channel", p.channel, "error", err)
	} else {
		defer sub.Close()
		messages = sub.Messages()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Drain(ctx)
		case raw, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			p.deliver(ctx, raw)
		}
	}
}

// Drain pops one batch from the buffer and delivers it. Overlapping calls
// return immediately.
func (p *Poller) Drain(ctx context.Context) int {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return 0
	}
	defer atomic.StoreInt32(&p.running, 0)

	items, err := p.cache.ListPop(ctx, p.buffer, p.batch)
	if err != nil {
		p.logger.Warn("drain buffer", "buffer", p.buffer, "error", err)
		return 0
	}
	delivered := 0
	for _, raw := range items {
		if p.deliver(ctx, raw) {
			delivered++
		}
	}
	return delivered
}

func (p *Poller) deliver(ctx context.Context, raw []byte) bool {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil || evt.ID == "" {
		p.logger.Warn("discard malformed event", "error", err)
		return false
	}
	if !p.remember(evt.ID) {
		return false
	}
	p.target.Broadcast(evt.Wire(), evt.QueueID)
	if err := p.cache.Set(ctx, cache.LastProcessedKey(p.channel), []byte(evt.ID), 0); err != nil {
		p.logger.Warn("store last processed id", "error", err)
	}
	return true
}

// remember records id and reports whether it was new.
func (p *Poller) remember(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.recent[id]; ok {
		return false
	}
	p.recent[id] = struct{}{}
	p.order = append(p.order, id)
	if len(p.order) > recentWindow {
		delete(p.recent, p.order[0])
		p.order = p.order[1:]
	}
	p.lastID = id
	return true
}

func (p *Poller) LastID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastID
}
