package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"qms/queue-engine/internal/cache"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type CreateQueueInput struct {
	Name                 string
	Description          string
	Type                 string
	MaxClients           int
	EstimatedServiceTime int
}

func (e *Engine) CreateQueue(ctx context.Context, input CreateQueueInput) (models.Queue, error) {
	ctx, span := e.start(ctx, "CreateQueue")
	defer span.End()

	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return models.Queue{}, e.fail(span, "create_queue", invalid("name is required"))
	}
	if input.Type == "" {
		input.Type = models.QueueTypeStandard
	}
	if !models.ValidQueueType(input.Type) {
		return models.Queue{}, e.fail(span, "create_queue", invalid("unknown queue type %q", input.Type))
	}
	if input.MaxClients == 0 {
		input.MaxClients = models.DefaultMaxClients
	}
	if input.EstimatedServiceTime == 0 {
		input.EstimatedServiceTime = models.DefaultEstimatedServiceTime
	}
	if input.MaxClients < 0 || input.EstimatedServiceTime < 0 {
		return models.Queue{}, e.fail(span, "create_queue", invalid("max_clients and estimated_service_time must be positive"))
	}

	now := e.now()
	q := models.Queue{
		QueueID:              uuid.NewString(),
		Name:                 input.Name,
		Description:          input.Description,
		Type:                 input.Type,
		Status:               models.QueueStatusActive,
		MaxClients:           input.MaxClients,
		EstimatedServiceTime: input.EstimatedServiceTime,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.store.CreateQueue(ctx, q); err != nil {
		return models.Queue{}, e.fail(span, "create_queue", err)
	}
	e.cache.Put(ctx, cache.QueueInfoKey(q.QueueID), q, e.infoTTL)
	e.logger.InfoContext(ctx, "queue created", "queue_id", q.QueueID, "name", q.Name)
	return q, nil
}

func (e *Engine) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	ctx, span := e.start(ctx, "GetQueue", attribute.String("queue.id", queueID))
	defer span.End()

	q, err := cache.Fetch(ctx, e.cache, cache.QueueInfoKey(queueID), e.infoTTL, func(ctx context.Context) (models.Queue, error) {
		return e.store.GetQueue(ctx, queueID)
	})
	if err != nil {
		return models.Queue{}, e.fail(span, "get_queue", err)
	}
	return q, nil
}

func (e *Engine) ListQueues(ctx context.Context) ([]models.Queue, error) {
	ctx, span := e.start(ctx, "ListQueues")
	defer span.End()

	queues, err := e.store.ListQueues(ctx)
	if err != nil {
		return nil, e.fail(span, "list_queues", err)
	}
	if queues == nil {
		queues = []models.Queue{}
	}
	return queues, nil
}

// UpdateQueueInput carries the fields to change; nil means unchanged.
type UpdateQueueInput struct {
	Name                 *string
	Description          *string
	Status               *string
	MaxClients           *int
	EstimatedServiceTime *int
}

// UpdateQueue changes queue settings under the queue lock. Capacity cannot
// drop below the current number of active positions.
func (e *Engine) UpdateQueue(ctx context.Context, queueID string, input UpdateQueueInput) (models.Queue, error) {
	ctx, span := e.start(ctx, "UpdateQueue", attribute.String("queue.id", queueID))
	defer span.End()

	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return models.Queue{}, e.fail(span, "update_queue", invalid("name cannot be empty"))
	}
	if input.Status != nil && !models.ValidQueueStatus(*input.Status) {
		return models.Queue{}, e.fail(span, "update_queue", invalid("unknown queue status %q", *input.Status))
	}
	if input.MaxClients != nil && *input.MaxClients <= 0 {
		return models.Queue{}, e.fail(span, "update_queue", invalid("max_clients must be positive"))
	}
	if input.EstimatedServiceTime != nil && *input.EstimatedServiceTime <= 0 {
		return models.Queue{}, e.fail(span, "update_queue", invalid("estimated_service_time must be positive"))
	}

	now := e.now()
	var (
		updated models.Queue
		active  int
	)
	err := e.store.InQueue(ctx, queueID, func(ctx context.Context, tx store.Tx) error {
		q, err := tx.GetQueue(ctx, queueID)
		if err != nil {
			return err
		}
		positions, err := tx.ListActive(ctx, queueID)
		if err != nil {
			return err
		}
		if input.Name != nil {
			q.Name = strings.TrimSpace(*input.Name)
		}
		if input.Description != nil {
			q.Description = *input.Description
		}
		if input.Status != nil {
			q.Status = *input.Status
		}
		if input.MaxClients != nil {
			if *input.MaxClients < len(positions) {
				return ErrCapacityExceeded
			}
			q.MaxClients = *input.MaxClients
		}
		serviceTimeChanged := false
		if input.EstimatedServiceTime != nil && *input.EstimatedServiceTime != q.EstimatedServiceTime {
			q.EstimatedServiceTime = *input.EstimatedServiceTime
			serviceTimeChanged = true
		}
		q.UpdatedAt = now
		if err := tx.UpdateQueue(ctx, q); err != nil {
			return err
		}
		if e.recompute && serviceTimeChanged {
			if err := e.refreshEstimates(ctx, tx, q, positions, now, ""); err != nil {
				return err
			}
		}
		updated, active = q, len(positions)
		return nil
	})
	if err != nil {
		return models.Queue{}, e.fail(span, "update_queue", err)
	}

	e.afterCommit(ctx, mutation{queue: updated, activeCount: active})
	e.logger.InfoContext(ctx, "queue updated", "queue_id", queueID, "status", updated.Status)
	return updated, nil
}

// DeleteQueue soft-deletes a queue that has no active positions.
func (e *Engine) DeleteQueue(ctx context.Context, queueID string) error {
	ctx, span := e.start(ctx, "DeleteQueue", attribute.String("queue.id", queueID))
	defer span.End()

	now := e.now()
	err := e.store.InQueue(ctx, queueID, func(ctx context.Context, tx store.Tx) error {
		q, err := tx.GetQueue(ctx, queueID)
		if err != nil {
			return err
		}
		active, err := tx.ListActive(ctx, queueID)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return ErrQueueNotEmpty
		}
		q.Status = models.QueueStatusClosed
		q.DeletedAt = &now
		q.UpdatedAt = now
		return tx.UpdateQueue(ctx, q)
	})
	if err != nil {
		return e.fail(span, "delete_queue", err)
	}

	e.cache.Invalidate(ctx,
		cache.QueueInfoKey(queueID),
		cache.QueueStateKey(queueID),
		cache.NextClientKey(queueID),
		cache.QueueActiveCountKey(queueID),
	)
	e.logger.InfoContext(ctx, "queue deleted", "queue_id", queueID)
	return nil
}

type CreateOperatorInput struct {
	Name             string
	QueueID          string
	MaxClientsPerDay int
}

func (e *Engine) CreateOperator(ctx context.Context, input CreateOperatorInput) (models.Operator, error) {
	ctx, span := e.start(ctx, "CreateOperator")
	defer span.End()

	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return models.Operator{}, e.fail(span, "create_operator", invalid("name is required"))
	}
	if input.MaxClientsPerDay < 0 {
		return models.Operator{}, e.fail(span, "create_operator", invalid("max_clients_per_day must not be negative"))
	}
	if input.QueueID != "" {
		if _, err := e.store.GetQueue(ctx, input.QueueID); err != nil {
			return models.Operator{}, e.fail(span, "create_operator", err)
		}
	}

	now := e.now()
	op := models.Operator{
		OperatorID:       uuid.NewString(),
		Name:             input.Name,
		Status:           models.OperatorAvailable,
		CurrentQueueID:   input.QueueID,
		MaxClientsPerDay: input.MaxClientsPerDay,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateOperator(ctx, op); err != nil {
		return models.Operator{}, e.fail(span, "create_operator", err)
	}
	e.cache.Put(ctx, cache.OperatorInfoKey(op.OperatorID), op, e.infoTTL)
	e.logger.InfoContext(ctx, "operator created", "operator_id", op.OperatorID, "queue_id", op.CurrentQueueID)
	return op, nil
}

func (e *Engine) GetOperator(ctx context.Context, operatorID string) (models.Operator, error) {
	ctx, span := e.start(ctx, "GetOperator", attribute.String("operator.id", operatorID))
	defer span.End()

	op, err := cache.Fetch(ctx, e.cache, cache.OperatorInfoKey(operatorID), e.infoTTL, func(ctx context.Context) (models.Operator, error) {
		return e.store.GetOperator(ctx, operatorID)
	})
	if err != nil {
		return models.Operator{}, e.fail(span, "get_operator", err)
	}
	return op, nil
}

// SetOperatorStatus changes the operator's availability. An operator with a
// service in progress stays busy until FinishServing releases it.
func (e *Engine) SetOperatorStatus(ctx context.Context, operatorID, status string) (models.Operator, error) {
	ctx, span := e.start(ctx, "SetOperatorStatus",
		attribute.String("operator.id", operatorID),
		attribute.String("status", status),
	)
	defer span.End()

	if !models.ValidOperatorStatus(status) {
		return models.Operator{}, e.fail(span, "set_operator_status", invalid("unknown operator status %q", status))
	}
	op, err := e.store.SetOperatorState(ctx, store.OperatorStateInput{
		OperatorID: operatorID,
		Status:     &status,
		UpdatedAt:  e.now(),
	})
	if errors.Is(err, store.ErrOperatorServing) {
		err = ErrInvalidStatusTransition
	}
	if err != nil {
		return models.Operator{}, e.fail(span, "set_operator_status", err)
	}
	e.operatorChanged(ctx, op)
	e.logger.InfoContext(ctx, "operator status changed", "operator_id", operatorID, "status", status)
	return op, nil
}

// AssignOperator moves the operator to queueID. An empty queueID unassigns.
// Operators with a service in progress cannot move.
func (e *Engine) AssignOperator(ctx context.Context, operatorID, queueID string) (models.Operator, error) {
	ctx, span := e.start(ctx, "AssignOperator",
		attribute.String("operator.id", operatorID),
		attribute.String("queue.id", queueID),
	)
	defer span.End()

	if queueID != "" {
		if _, err := e.store.GetQueue(ctx, queueID); err != nil {
			return models.Operator{}, e.fail(span, "assign_operator", err)
		}
	}
	op, err := e.store.SetOperatorState(ctx, store.OperatorStateInput{
		OperatorID:     operatorID,
		CurrentQueueID: &queueID,
		UpdatedAt:      e.now(),
	})
	if errors.Is(err, store.ErrOperatorServing) {
		err = ErrOperatorUnavailable
	}
	if err != nil {
		return models.Operator{}, e.fail(span, "assign_operator", err)
	}
	e.operatorChanged(ctx, op)
	e.logger.InfoContext(ctx, "operator assigned", "operator_id", operatorID, "queue_id", queueID)
	return op, nil
}

// operatorChanged refreshes the cached operator entry.
func (e *Engine) operatorChanged(ctx context.Context, op models.Operator) {
	e.cache.Put(ctx, cache.OperatorInfoKey(op.OperatorID), op, e.infoTTL)
}

// ResetDailyCounters zeroes every operator's served-today counter and
// returns how many operators changed.
func (e *Engine) ResetDailyCounters(ctx context.Context) (int, error) {
	ctx, span := e.start(ctx, "ResetDailyCounters")
	defer span.End()

	ids, err := e.store.ResetDailyCounters(ctx, e.now())
	if err != nil {
		return 0, e.fail(span, "reset_daily_counters", err)
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, cache.OperatorInfoKey(id))
	}
	e.cache.Invalidate(ctx, keys...)
	e.logger.InfoContext(ctx, "daily counters reset", "operators", len(ids))
	return len(ids), nil
}

// SkipStaleCalls skips called positions that were not picked up for service
// within grace. Positions that moved on in the meantime are left alone.
func (e *Engine) SkipStaleCalls(ctx context.Context, grace time.Duration, limit int) (int, error) {
	ctx, span := e.start(ctx, "SkipStaleCalls")
	defer span.End()

	stale, err := e.store.ListStaleCalled(ctx, e.now().Add(-grace), limit)
	if err != nil {
		return 0, e.fail(span, "skip_stale_calls", err)
	}
	skipped := 0
	for _, p := range stale {
		_, err := e.skip(ctx, p.QueueID, p.ClientID, p.PositionID)
		switch {
		case err == nil:
			skipped++
		case errors.Is(err, ErrNotInQueue), errors.Is(err, ErrInvalidStatusTransition), errors.Is(err, ErrQueueNotFound):
		default:
			e.logger.WarnContext(ctx, "skip stale call failed",
				"queue_id", p.QueueID,
				"client_id", p.ClientID,
				"error", err,
			)
		}
	}
	span.SetAttributes(attribute.Int("skipped", skipped))
	return skipped, nil
}
