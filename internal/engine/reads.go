package engine

import (
	"context"
	"math"
	"time"

	"qms/queue-engine/internal/cache"
	"qms/queue-engine/internal/estimate"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

var statsTTL = map[string]time.Duration{
	models.PeriodDay:   time.Hour,
	models.PeriodWeek:  6 * time.Hour,
	models.PeriodMonth: 12 * time.Hour,
}

var periodWindow = map[string]time.Duration{
	models.PeriodDay:   24 * time.Hour,
	models.PeriodWeek:  7 * 24 * time.Hour,
	models.PeriodMonth: 30 * 24 * time.Hour,
}

// GetQueueState returns the queue with its active positions in service
// order. The result is cached until the next mutation or the state TTL.
func (e *Engine) GetQueueState(ctx context.Context, queueID string) (models.QueueState, error) {
	ctx, span := e.start(ctx, "GetQueueState", attribute.String("queue.id", queueID))
	defer span.End()

	state, err := e.queueState(ctx, queueID)
	if err != nil {
		return models.QueueState{}, e.fail(span, "get_queue_state", err)
	}
	return state, nil
}

func (e *Engine) queueState(ctx context.Context, queueID string) (models.QueueState, error) {
	return cache.Fetch(ctx, e.cache, cache.QueueStateKey(queueID), e.stateTTL, func(ctx context.Context) (models.QueueState, error) {
		q, err := e.store.GetQueue(ctx, queueID)
		if err != nil {
			return models.QueueState{}, err
		}
		active, err := e.store.ListActive(ctx, queueID)
		if err != nil {
			return models.QueueState{}, err
		}
		return buildState(q, active), nil
	})
}

func buildState(q models.Queue, active []models.Position) models.QueueState {
	state := models.QueueState{
		Queue:       q,
		ClientCount: len(active),
		Positions:   make([]models.RankedPosition, 0, len(active)),
		UpdatedAt:   q.UpdatedAt,
	}
	for i, p := range serviceOrder(active) {
		switch p.Status {
		case models.StatusWaiting:
			state.Waiting++
		case models.StatusCalled:
			state.Called++
		}
		state.Positions = append(state.Positions, models.RankedPosition{Position: p, Rank: i + 1})
	}
	return state
}

// GetQueueStats aggregates closed service logs over a rolling window and
// adds the live waiting count and queue-level wait estimate. Only the log
// aggregate is kept under the stats key; it changes when a service starts or
// finishes. An empty period means day.
func (e *Engine) GetQueueStats(ctx context.Context, queueID, period string) (models.QueueStats, error) {
	if period == "" {
		period = models.PeriodDay
	}
	ctx, span := e.start(ctx, "GetQueueStats",
		attribute.String("queue.id", queueID),
		attribute.String("period", period),
	)
	defer span.End()

	if !models.ValidPeriod(period) {
		return models.QueueStats{}, e.fail(span, "get_queue_stats", invalid("unknown period %q", period))
	}

	state, err := e.queueState(ctx, queueID)
	if err != nil {
		return models.QueueStats{}, e.fail(span, "get_queue_stats", err)
	}
	summary, err := cache.Fetch(ctx, e.cache, cache.QueueStatsKey(queueID, period), statsTTL[period], func(ctx context.Context) (models.ServiceSummary, error) {
		return e.store.SummarizeServiceLogs(ctx, store.ServiceLogFilter{
			QueueID: queueID,
			Since:   e.now().Add(-periodWindow[period]),
		})
	})
	if err != nil {
		return models.QueueStats{}, e.fail(span, "get_queue_stats", err)
	}
	operators, err := e.store.CountAvailableOperators(ctx, queueID)
	if err != nil {
		return models.QueueStats{}, e.fail(span, "get_queue_stats", err)
	}

	average := summary.AverageServiceTime
	if summary.Completed == 0 {
		average = float64(state.Queue.EstimatedServiceTime)
	}
	wait := estimate.ForQueue(state.Waiting, operators, average)
	return models.QueueStats{
		QueueID:            queueID,
		Period:             period,
		Services:           summary,
		CompletionRate:     completionRate(summary),
		Waiting:            state.Waiting,
		AvailableOperators: operators,
		EstimatedWaitTime:  wait,
		FormattedWaitTime:  estimate.Format(wait),
	}, nil
}

// OperatorStats is GetQueueStats for one operator across all queues.
func (e *Engine) OperatorStats(ctx context.Context, operatorID, period string) (models.OperatorStats, error) {
	if period == "" {
		period = models.PeriodDay
	}
	ctx, span := e.start(ctx, "OperatorStats",
		attribute.String("operator.id", operatorID),
		attribute.String("period", period),
	)
	defer span.End()

	if !models.ValidPeriod(period) {
		return models.OperatorStats{}, e.fail(span, "operator_stats", invalid("unknown period %q", period))
	}

	op, err := cache.Fetch(ctx, e.cache, cache.OperatorInfoKey(operatorID), e.infoTTL, func(ctx context.Context) (models.Operator, error) {
		return e.store.GetOperator(ctx, operatorID)
	})
	if err != nil {
		return models.OperatorStats{}, e.fail(span, "operator_stats", err)
	}
	summary, err := cache.Fetch(ctx, e.cache, cache.OperatorStatsKey(operatorID, period), statsTTL[period], func(ctx context.Context) (models.ServiceSummary, error) {
		return e.store.SummarizeServiceLogs(ctx, store.ServiceLogFilter{
			OperatorID: operatorID,
			Since:      e.now().Add(-periodWindow[period]),
		})
	})
	if err != nil {
		return models.OperatorStats{}, e.fail(span, "operator_stats", err)
	}
	return models.OperatorStats{
		OperatorID:     operatorID,
		Period:         period,
		Services:       summary,
		CompletionRate: completionRate(summary),
		ServedToday:    op.ClientsServedToday,
	}, nil
}

// completionRate is the completed share of closed logs as a percentage with
// two decimals.
func completionRate(s models.ServiceSummary) float64 {
	if s.Total == 0 {
		return 0
	}
	return math.Round(float64(s.Completed)/float64(s.Total)*10000) / 100
}

// ClientPositions lists the client's active positions across queues, oldest
// first.
func (e *Engine) ClientPositions(ctx context.Context, clientID string) ([]models.Position, error) {
	ctx, span := e.start(ctx, "ClientPositions", attribute.String("client.id", clientID))
	defer span.End()

	positions, err := cache.Fetch(ctx, e.cache, cache.ClientPositionsKey(clientID), e.stateTTL, func(ctx context.Context) ([]models.Position, error) {
		list, err := e.store.ListClientPositions(ctx, clientID)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []models.Position{}
		}
		return list, nil
	})
	if err != nil {
		return nil, e.fail(span, "client_positions", err)
	}
	return positions, nil
}
