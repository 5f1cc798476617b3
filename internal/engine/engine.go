// Package engine owns queue ordering and the call protocol. Every mutation
// runs inside one store transaction holding the queue lock. After commit it
// invalidates derived cache keys, then emits notifications, in that order.
package engine

import (
	"context"
	"log/slog"
	"time"

	"qms/queue-engine/internal/cache"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "qms/queue-engine/engine"

const (
	defaultInfoTTL  = time.Hour
	defaultStateTTL = 60 * time.Second
)

type Engine struct {
	store     store.Store
	cache     *cache.Layer
	notifier  notify.Notifier
	bus       notify.Bus
	policy    Policy
	recompute bool
	infoTTL   time.Duration
	stateTTL  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
}

type Options struct {
	Cache              *cache.Layer
	Notifier           notify.Notifier
	Bus                notify.Bus
	Policy             Policy
	RecomputeEstimates bool
	InfoTTL            time.Duration
	StateTTL           time.Duration
	Clock              func() time.Time
	Logger             *slog.Logger
}

func New(st store.Store, options Options) *Engine {
	e := &Engine{
		store:     st,
		cache:     options.Cache,
		notifier:  options.Notifier,
		bus:       options.Bus,
		policy:    options.Policy,
		recompute: options.RecomputeEstimates,
		infoTTL:   options.InfoTTL,
		stateTTL:  options.StateTTL,
		now:       options.Clock,
		logger:    options.Logger,
		tracer:    otel.Tracer(tracerName),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.cache == nil {
		e.cache = cache.NewLayer(nil, cache.WithLogger(e.logger))
	}
	if e.policy.High == "" {
		e.policy = DefaultPolicy()
	}
	if e.infoTTL <= 0 {
		e.infoTTL = defaultInfoTTL
	}
	if e.stateTTL <= 0 {
		e.stateTTL = defaultStateTTL
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	}
	return e
}

func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
}

// fail classifies err and records it on the span.
func (e *Engine) fail(span trace.Span, op string, err error) error {
	err = classify(op, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// mutation describes what a committed transaction changed.
type mutation struct {
	queue       models.Queue
	activeCount int
	clients     []string
	operators   []models.Operator
	logChanged  bool
	events      []notify.Event
	bus         []notify.BusEvent
}

func (e *Engine) afterCommit(ctx context.Context, m mutation) {
	queueID := m.queue.QueueID
	keys := []string{cache.QueueStateKey(queueID), cache.NextClientKey(queueID)}
	for _, clientID := range m.clients {
		keys = append(keys, cache.ClientPositionsKey(clientID))
	}
	if m.logChanged {
		for _, period := range []string{models.PeriodDay, models.PeriodWeek, models.PeriodMonth} {
			keys = append(keys, cache.QueueStatsKey(queueID, period))
			for _, op := range m.operators {
				keys = append(keys, cache.OperatorStatsKey(op.OperatorID, period))
			}
		}
	}
	e.cache.Invalidate(ctx, keys...)
	e.cache.Put(ctx, cache.QueueInfoKey(queueID), m.queue, e.infoTTL)
	for _, op := range m.operators {
		e.cache.Put(ctx, cache.OperatorInfoKey(op.OperatorID), op, e.infoTTL)
	}
	e.cache.Track(ctx, cache.ActiveQueuesKey, queueID)

	summary := e.event(notify.TypeQueueUpdated, queueID, notify.QueueSummary{
		ClientsCount: m.activeCount,
		UpdatedAt:    m.queue.UpdatedAt,
	})
	events := append(m.events, summary...)
	if e.notifier != nil && len(events) > 0 {
		e.notifier.Notify(ctx, events...)
	}
	if e.bus != nil {
		for _, evt := range m.bus {
			if err := e.bus.Emit(ctx, evt); err != nil {
				e.logger.Warn("bus event dropped",
					"event_type", evt.EventType,
					"queue_id", queueID,
					"error", err,
				)
			}
		}
	}
}

// event builds a notification, returning nothing when the payload cannot be
// encoded.
func (e *Engine) event(eventType, queueID string, payload interface{}) []notify.Event {
	evt, err := notify.NewEvent(eventType, queueID, payload, e.now())
	if err != nil {
		e.logger.Warn("encode notification", "event_type", eventType, "queue_id", queueID, "error", err)
		return nil
	}
	return []notify.Event{evt}
}

func busClient(p models.Position) *notify.BusClient {
	return &notify.BusClient{ID: p.ClientID, Name: p.ClientName}
}

func intPtr(v int) *int {
	return &v
}
