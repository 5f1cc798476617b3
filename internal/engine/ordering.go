package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"qms/queue-engine/internal/cache"
	"qms/queue-engine/internal/estimate"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type AdmitInput struct {
	QueueID    string
	ClientID   string
	ClientName string
	Priority   string
}

// Admit places a client into the queue according to its priority tier.
func (e *Engine) Admit(ctx context.Context, input AdmitInput) (models.Position, error) {
	ctx, span := e.start(ctx, "Admit",
		attribute.String("queue.id", input.QueueID),
		attribute.String("client.id", input.ClientID),
		attribute.String("priority", input.Priority),
	)
	defer span.End()

	input.ClientID = strings.TrimSpace(input.ClientID)
	if input.Priority == "" {
		input.Priority = models.PriorityNormal
	}
	if input.ClientID == "" {
		return models.Position{}, e.fail(span, "admit", invalid("client id is required"))
	}
	if !models.ValidPriority(input.Priority) {
		return models.Position{}, e.fail(span, "admit", invalid("unknown priority %q", input.Priority))
	}

	now := e.now()
	var (
		admitted models.Position
		queue    models.Queue
		count    int
	)
	err := e.store.InQueue(ctx, input.QueueID, func(ctx context.Context, tx store.Tx) error {
		q, err := tx.GetQueue(ctx, input.QueueID)
		if err != nil {
			return err
		}
		if q.Status != models.QueueStatusActive {
			return ErrQueueClosed
		}
		if _, found, err := tx.FindActive(ctx, input.QueueID, input.ClientID); err != nil {
			return err
		} else if found {
			return ErrAlreadyQueued
		}
		active, err := tx.ListActive(ctx, input.QueueID)
		if err != nil {
			return err
		}
		if len(active) >= q.MaxClients {
			return ErrCapacityExceeded
		}

		slot := e.policy.Slot(input.Priority, active)
		if slot <= maxPosition(active) {
			if err := tx.OpenSlot(ctx, input.QueueID, slot, now); err != nil {
				return err
			}
			active = shifted(active, slot, 1)
		}

		admitted = models.Position{
			PositionID: uuid.NewString(),
			QueueID:    input.QueueID,
			ClientID:   input.ClientID,
			ClientName: input.ClientName,
			Position:   slot,
			Priority:   input.Priority,
			Status:     models.StatusWaiting,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		admitted.EstimatedWaitTime = estimate.ForPosition(estimate.Rank(active, admitted), q.EstimatedServiceTime, input.Priority)
		if err := tx.InsertPosition(ctx, admitted); err != nil {
			return err
		}
		active = append(active, admitted)

		if e.recompute {
			if err := e.refreshEstimates(ctx, tx, q, active, now, admitted.PositionID); err != nil {
				return err
			}
		}
		if err := tx.TouchQueue(ctx, input.QueueID, now); err != nil {
			return err
		}
		q.UpdatedAt = now
		queue = q
		count = len(active)
		return nil
	})
	if err != nil {
		return models.Position{}, e.fail(span, "admit", err)
	}

	e.cache.Increment(ctx, cache.QueueActiveCountKey(input.QueueID), 1)
	e.afterCommit(ctx, mutation{
		queue:       queue,
		activeCount: count,
		clients:     []string{input.ClientID},
		events:      e.event(notify.TypeAdmitted, input.QueueID, admittedBusEvent(admitted, now)),
		bus:         []notify.BusEvent{admittedBusEvent(admitted, now)},
	})
	e.logger.InfoContext(ctx, "client admitted",
		"queue_id", input.QueueID,
		"client_id", input.ClientID,
		"priority", input.Priority,
		"position", admitted.Position,
	)
	return admitted, nil
}

func admittedBusEvent(p models.Position, at time.Time) notify.BusEvent {
	return notify.BusEvent{
		EventType: notify.BusClientAdded,
		Timestamp: at,
		Client:    busClient(p),
		Position:  intPtr(p.Position),
	}
}

// Remove cancels the client's active position and closes the gap it leaves.
func (e *Engine) Remove(ctx context.Context, queueID, clientID string) (bool, error) {
	ctx, span := e.start(ctx, "Remove",
		attribute.String("queue.id", queueID),
		attribute.String("client.id", clientID),
	)
	defer span.End()

	removed, res, err := e.retireClient(ctx, queueID, clientID, "", "remove", models.StatusCancelled)
	if err != nil {
		return false, e.fail(span, "remove", err)
	}

	evt := notify.BusEvent{
		EventType: notify.BusClientRemoved,
		Timestamp: removed.UpdatedAt,
		Client:    busClient(removed),
		Position:  intPtr(removed.Position),
	}
	e.cache.Decrement(ctx, cache.QueueActiveCountKey(queueID), 1)
	e.afterCommit(ctx, mutation{
		queue:       res.queue,
		activeCount: res.remaining,
		clients:     []string{clientID},
		events:      e.event(notify.TypeRemoved, queueID, evt),
		bus:         []notify.BusEvent{evt},
	})
	e.logger.InfoContext(ctx, "client removed", "queue_id", queueID, "client_id", clientID, "position", removed.Position)
	return true, nil
}

// Skip marks a waiting or called client as skipped and closes its slot.
func (e *Engine) Skip(ctx context.Context, queueID, clientID string) (models.Position, error) {
	return e.skip(ctx, queueID, clientID, "")
}

// skip retires the client's active position. A non-empty positionID must
// match the position found, otherwise ErrNotInQueue.
func (e *Engine) skip(ctx context.Context, queueID, clientID, positionID string) (models.Position, error) {
	ctx, span := e.start(ctx, "Skip",
		attribute.String("queue.id", queueID),
		attribute.String("client.id", clientID),
	)
	defer span.End()

	skipped, res, err := e.retireClient(ctx, queueID, clientID, positionID, "skip", models.StatusSkipped)
	if err != nil {
		return models.Position{}, e.fail(span, "skip", err)
	}

	e.cache.Decrement(ctx, cache.QueueActiveCountKey(queueID), 1)
	e.afterCommit(ctx, mutation{
		queue:       res.queue,
		activeCount: res.remaining,
		clients:     []string{clientID},
		events:      e.event(notify.TypeSkipped, queueID, skipped),
	})
	e.logger.InfoContext(ctx, "client skipped", "queue_id", queueID, "client_id", clientID)
	return skipped, nil
}

type retireResult struct {
	queue     models.Queue
	remaining int
}

// retireClient moves the client's active position to a terminal status. The
// returned position still carries the slot it held.
func (e *Engine) retireClient(ctx context.Context, queueID, clientID, positionID, action, status string) (models.Position, retireResult, error) {
	now := e.now()
	var (
		retired models.Position
		res     retireResult
	)
	err := e.store.InQueue(ctx, queueID, func(ctx context.Context, tx store.Tx) error {
		q, err := tx.GetQueue(ctx, queueID)
		if err != nil {
			return err
		}
		p, found, err := tx.FindActive(ctx, queueID, clientID)
		if err != nil {
			return err
		}
		if !found || (positionID != "" && p.PositionID != positionID) {
			return ErrNotInQueue
		}
		if !store.ValidTransition(action, p.Status) {
			return ErrInvalidStatusTransition
		}
		p.Status = status
		p.UpdatedAt = now
		if err := e.vacate(ctx, tx, p, now); err != nil {
			return err
		}
		remaining, err := e.settle(ctx, tx, q, now)
		if err != nil {
			return err
		}
		q.UpdatedAt = now
		retired = p
		res = retireResult{queue: q, remaining: remaining}
		return nil
	})
	return retired, res, err
}

// vacate persists p, which has just left the active set, and shifts every
// active position behind it down by one.
func (e *Engine) vacate(ctx context.Context, tx store.Tx, p models.Position, now time.Time) error {
	p.UpdatedAt = now
	if err := tx.UpdatePosition(ctx, p); err != nil {
		return err
	}
	return tx.CloseSlot(ctx, p.QueueID, p.Position, now)
}

// settle bumps the queue version and optionally re-derives estimates. It
// returns the number of active positions left.
func (e *Engine) settle(ctx context.Context, tx store.Tx, q models.Queue, now time.Time) (int, error) {
	active, err := tx.ListActive(ctx, q.QueueID)
	if err != nil {
		return 0, err
	}
	if e.recompute {
		if err := e.refreshEstimates(ctx, tx, q, active, now, ""); err != nil {
			return 0, err
		}
	}
	if err := tx.TouchQueue(ctx, q.QueueID, now); err != nil {
		return 0, err
	}
	return len(active), nil
}

// refreshEstimates rewrites estimated_wait_time for every active position
// whose value changed. skipID names a position already written this
// transaction.
func (e *Engine) refreshEstimates(ctx context.Context, tx store.Tx, q models.Queue, active []models.Position, now time.Time, skipID string) error {
	for _, p := range active {
		if p.PositionID == skipID || p.Status != models.StatusWaiting {
			continue
		}
		next := estimate.ForPosition(estimate.Rank(active, p), q.EstimatedServiceTime, p.Priority)
		if next == p.EstimatedWaitTime {
			continue
		}
		p.EstimatedWaitTime = next
		p.UpdatedAt = now
		if err := tx.UpdatePosition(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// shifted mirrors OpenSlot on an in-memory copy.
func shifted(active []models.Position, from, delta int) []models.Position {
	out := make([]models.Position, len(active))
	for i, p := range active {
		if p.Position >= from {
			p.Position += delta
		}
		out[i] = p
	}
	return out
}

// nextWaiting picks the waiting position that sorts first.
func nextWaiting(active []models.Position) (models.Position, bool) {
	var (
		best  models.Position
		found bool
	)
	for _, p := range active {
		if p.Status != models.StatusWaiting {
			continue
		}
		if !found || p.Before(best) {
			best = p
			found = true
		}
	}
	return best, found
}

// serviceOrder returns active sorted by the comparator.
func serviceOrder(active []models.Position) []models.Position {
	ordered := make([]models.Position, len(active))
	copy(ordered, active)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Before(ordered[j])
	})
	return ordered
}

type nextClient struct {
	Found    bool            `json:"found"`
	Position models.Position `json:"position"`
}

// Peek returns the waiting position CallNext would pick, without changing
// anything.
func (e *Engine) Peek(ctx context.Context, queueID string) (models.Position, bool, error) {
	ctx, span := e.start(ctx, "Peek", attribute.String("queue.id", queueID))
	defer span.End()

	next, err := cache.Fetch(ctx, e.cache, cache.NextClientKey(queueID), e.stateTTL, func(ctx context.Context) (nextClient, error) {
		if _, err := e.store.GetQueue(ctx, queueID); err != nil {
			return nextClient{}, err
		}
		active, err := e.store.ListActive(ctx, queueID)
		if err != nil {
			return nextClient{}, err
		}
		p, ok := nextWaiting(active)
		return nextClient{Found: ok, Position: p}, nil
	})
	if err != nil {
		return models.Position{}, false, e.fail(span, "peek", err)
	}
	return next.Position, next.Found, nil
}
