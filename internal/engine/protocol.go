package engine

import (
	"context"
	"encoding/json"
	"strings"

	"qms/queue-engine/internal/cache"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// CallNext marks the first waiting position as called. No operator is
// assigned.
func (e *Engine) CallNext(ctx context.Context, queueID string) (models.Position, error) {
	ctx, span := e.start(ctx, "CallNext", attribute.String("queue.id", queueID))
	defer span.End()

	now := e.now()
	var (
		called  models.Position
		queue   models.Queue
		active  int
		waiting int
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
		next, ok := nextWaiting(positions)
		if !ok {
			return ErrNoClientsWaiting
		}
		if !store.ValidTransition("call_next", next.Status) {
			return ErrInvalidStatusTransition
		}
		next.Status = models.StatusCalled
		next.CalledAt = &now
		next.UpdatedAt = now
		if err := tx.UpdatePosition(ctx, next); err != nil {
			return err
		}
		if err := tx.TouchQueue(ctx, queueID, now); err != nil {
			return err
		}
		for _, p := range positions {
			if p.Status == models.StatusWaiting && p.PositionID != next.PositionID {
				waiting++
			}
		}
		q.UpdatedAt = now
		called, queue, active = next, q, len(positions)
		return nil
	})
	if err != nil {
		return models.Position{}, e.fail(span, "call_next", err)
	}

	evt := notify.BusEvent{
		EventType:      notify.BusQueueProceeded,
		Timestamp:      now,
		Client:         busClient(called),
		NewQueueLength: intPtr(waiting),
	}
	e.afterCommit(ctx, mutation{
		queue:       queue,
		activeCount: active,
		clients:     []string{called.ClientID},
		events:      e.event(notify.TypeCalled, queueID, evt),
		bus:         []notify.BusEvent{evt},
	})
	e.logger.InfoContext(ctx, "client called", "queue_id", queueID, "client_id", called.ClientID, "position", called.Position)
	return called, nil
}

type StartServingInput struct {
	OperatorID string
	ClientID   string
	QueueID    string
}

// StartServing opens a service log for a waiting or called client and marks
// the operator busy. The client's slot is closed since serving positions
// are no longer active.
func (e *Engine) StartServing(ctx context.Context, input StartServingInput) (models.ServiceLog, error) {
	ctx, span := e.start(ctx, "StartServing",
		attribute.String("queue.id", input.QueueID),
		attribute.String("client.id", input.ClientID),
		attribute.String("operator.id", input.OperatorID),
	)
	defer span.End()

	now := e.now()
	var (
		opened    models.ServiceLog
		queue     models.Queue
		operator  models.Operator
		remaining int
	)
	err := e.store.InQueue(ctx, input.QueueID, func(ctx context.Context, tx store.Tx) error {
		q, err := tx.GetQueue(ctx, input.QueueID)
		if err != nil {
			return err
		}
		op, err := tx.GetOperator(ctx, input.OperatorID)
		if err != nil {
			return err
		}
		if !op.IsAvailable() {
			return ErrOperatorUnavailable
		}
		p, found, err := tx.FindActive(ctx, input.QueueID, input.ClientID)
		if err != nil {
			return err
		}
		if !found || !store.ValidTransition("start_serving", p.Status) {
			return ErrClientNotEligible
		}

		p.Status = models.StatusServing
		p.ServingAt = &now
		if err := e.vacate(ctx, tx, p, now); err != nil {
			return err
		}

		opened = models.ServiceLog{
			ServiceLogID: uuid.NewString(),
			QueueID:      input.QueueID,
			ClientID:     input.ClientID,
			OperatorID:   input.OperatorID,
			PositionID:   p.PositionID,
			StartedAt:    now,
			Status:       models.ServiceInProgress,
			CreatedAt:    now,
		}
		if err := tx.InsertServiceLog(ctx, opened); err != nil {
			return err
		}

		op.Status = models.OperatorBusy
		op.CurrentQueueID = input.QueueID
		op.UpdatedAt = now
		if err := tx.UpdateOperator(ctx, op); err != nil {
			return err
		}

		left, err := e.settle(ctx, tx, q, now)
		if err != nil {
			return err
		}
		q.UpdatedAt = now
		queue, operator, remaining = q, op, left
		return nil
	})
	if err != nil {
		return models.ServiceLog{}, e.fail(span, "start_serving", err)
	}

	e.cache.Decrement(ctx, cache.QueueActiveCountKey(input.QueueID), 1)
	e.afterCommit(ctx, mutation{
		queue:       queue,
		activeCount: remaining,
		clients:     []string{input.ClientID},
		operators:   []models.Operator{operator},
		logChanged:  true,
		events:      e.event(notify.TypeServingStarted, input.QueueID, opened),
	})
	e.logger.InfoContext(ctx, "serving started",
		"queue_id", input.QueueID,
		"client_id", input.ClientID,
		"operator_id", input.OperatorID,
		"service_log_id", opened.ServiceLogID,
	)
	return opened, nil
}

type FinishServingInput struct {
	OperatorID   string
	ServiceLogID string
	Outcome      string
	Notes        string
	Metadata     json.RawMessage
}

// FinishServing closes an in-progress service log, marks the position
// served and returns the operator to available with one more client served.
func (e *Engine) FinishServing(ctx context.Context, input FinishServingInput) (models.ServiceLog, error) {
	ctx, span := e.start(ctx, "FinishServing",
		attribute.String("service_log.id", input.ServiceLogID),
		attribute.String("operator.id", input.OperatorID),
		attribute.String("outcome", input.Outcome),
	)
	defer span.End()

	input.Outcome = strings.TrimSpace(input.Outcome)
	if input.Outcome == "" {
		input.Outcome = models.ServiceCompleted
	}
	if !models.ValidOutcome(input.Outcome) {
		return models.ServiceLog{}, e.fail(span, "finish_serving", ErrInvalidStatusTransition)
	}

	pending, err := e.store.GetServiceLog(ctx, input.ServiceLogID)
	if err != nil {
		return models.ServiceLog{}, e.fail(span, "finish_serving", err)
	}
	span.SetAttributes(attribute.String("queue.id", pending.QueueID))

	now := e.now()
	var (
		closed    models.ServiceLog
		queue     models.Queue
		operator  models.Operator
		remaining int
	)
	err = e.store.InQueue(ctx, pending.QueueID, func(ctx context.Context, tx store.Tx) error {
		l, err := tx.GetServiceLog(ctx, input.ServiceLogID)
		if err != nil {
			return err
		}
		if l.OperatorID != input.OperatorID {
			return ErrOwnershipMismatch
		}
		if l.Status != models.ServiceInProgress {
			return ErrAlreadyFinished
		}

		duration := int(now.Sub(l.StartedAt).Seconds())
		if duration < 0 {
			duration = 0
		}
		l.EndedAt = &now
		l.DurationSeconds = duration
		l.Status = input.Outcome
		if input.Notes != "" {
			l.Notes = input.Notes
		}
		if len(input.Metadata) > 0 {
			l.Metadata = input.Metadata
		}
		if err := tx.UpdateServiceLog(ctx, l); err != nil {
			return err
		}

		if l.PositionID != "" {
			p, err := tx.GetPosition(ctx, l.PositionID)
			if err != nil {
				return err
			}
			if !store.ValidTransition("finish_serving", p.Status) {
				return ErrInvalidStatusTransition
			}
			p.Status = models.StatusServed
			p.ServedAt = &now
			p.UpdatedAt = now
			if err := tx.UpdatePosition(ctx, p); err != nil {
				return err
			}
		}

		op, err := tx.GetOperator(ctx, l.OperatorID)
		if err != nil {
			return err
		}
		op.Status = models.OperatorAvailable
		op.ClientsServedToday++
		op.UpdatedAt = now
		if err := tx.UpdateOperator(ctx, op); err != nil {
			return err
		}

		q, err := tx.GetQueue(ctx, l.QueueID)
		if err != nil {
			return err
		}
		left, err := e.settle(ctx, tx, q, now)
		if err != nil {
			return err
		}
		q.UpdatedAt = now
		closed, queue, operator, remaining = l, q, op, left
		return nil
	})
	if err != nil {
		return models.ServiceLog{}, e.fail(span, "finish_serving", err)
	}

	if closed.Status == models.ServiceCompleted {
		e.cache.Increment(ctx, cache.QueueServedTodayKey(closed.QueueID), 1)
	}
	e.afterCommit(ctx, mutation{
		queue:       queue,
		activeCount: remaining,
		clients:     []string{closed.ClientID},
		operators:   []models.Operator{operator},
		logChanged:  true,
		events:      e.event(notify.TypeServingFinished, closed.QueueID, closed),
	})
	e.logger.InfoContext(ctx, "serving finished",
		"queue_id", closed.QueueID,
		"operator_id", closed.OperatorID,
		"service_log_id", closed.ServiceLogID,
		"outcome", closed.Status,
		"duration_seconds", closed.DurationSeconds,
	)
	return closed, nil
}
