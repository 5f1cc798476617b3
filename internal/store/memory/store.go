// Package memory is an in-process Position Store. Every write, including the
// non-transactional ones, is serialized behind a single lock slot so that a
// committed transaction never overwrites a concurrent write.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

const defaultLockTimeout = 5 * time.Second

type Store struct {
	mu          sync.RWMutex
	data        *dataset
	sem         chan struct{}
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLockTimeout bounds how long a writer waits for the lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		data:        newDataset(),
		sem:         make(chan struct{}, 1),
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) acquire(ctx context.Context) error {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return store.ErrLockTimeout
	}
}

// write stages fn against a copy of the committed data and swaps it in on
// success.
func (s *Store) write(ctx context.Context, fn func(d *dataset) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-s.sem }()

	s.mu.RLock()
	staged := s.data.clone()
	s.mu.RUnlock()

	if err := fn(staged); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = staged
	s.mu.Unlock()
	return nil
}

func (s *Store) read() *dataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

func (s *Store) InQueue(ctx context.Context, queueID string, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.write(ctx, func(d *dataset) error {
		return fn(ctx, &memTx{dataset: d})
	})
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	return s.read().GetQueue(ctx, queueID)
}

func (s *Store) ListActive(ctx context.Context, queueID string) ([]models.Position, error) {
	return s.read().ListActive(ctx, queueID)
}

func (s *Store) FindActive(ctx context.Context, queueID, clientID string) (models.Position, bool, error) {
	return s.read().FindActive(ctx, queueID, clientID)
}

func (s *Store) GetPosition(ctx context.Context, positionID string) (models.Position, error) {
	return s.read().GetPosition(ctx, positionID)
}

func (s *Store) GetOperator(ctx context.Context, operatorID string) (models.Operator, error) {
	return s.read().GetOperator(ctx, operatorID)
}

func (s *Store) GetServiceLog(ctx context.Context, serviceLogID string) (models.ServiceLog, error) {
	return s.read().GetServiceLog(ctx, serviceLogID)
}

func (s *Store) CountAvailableOperators(ctx context.Context, queueID string) (int, error) {
	return s.read().CountAvailableOperators(ctx, queueID)
}

func (s *Store) CreateQueue(ctx context.Context, queue models.Queue) error {
	return s.write(ctx, func(d *dataset) error {
		d.queues[queue.QueueID] = queue
		return nil
	})
}

func (s *Store) ListQueues(ctx context.Context) ([]models.Queue, error) {
	d := s.read()
	queues := make([]models.Queue, 0, len(d.queues))
	for _, q := range d.queues {
		if q.DeletedAt != nil {
			continue
		}
		queues = append(queues, q)
	}
	sort.Slice(queues, func(i, j int) bool {
		if queues[i].CreatedAt.Equal(queues[j].CreatedAt) {
			return queues[i].QueueID < queues[j].QueueID
		}
		return queues[i].CreatedAt.Before(queues[j].CreatedAt)
	})
	return queues, nil
}

func (s *Store) CreateOperator(ctx context.Context, operator models.Operator) error {
	return s.write(ctx, func(d *dataset) error {
		d.operators[operator.OperatorID] = operator
		return nil
	})
}

func (s *Store) SetOperatorState(ctx context.Context, input store.OperatorStateInput) (models.Operator, error) {
	var updated models.Operator
	err := s.write(ctx, func(d *dataset) error {
		op, ok := d.operators[input.OperatorID]
		if !ok {
			return store.ErrOperatorNotFound
		}
		if store.ReleasesOperator(op, input) && d.serving(op.OperatorID) {
			return store.ErrOperatorServing
		}
		if input.Status != nil {
			op.Status = *input.Status
		}
		if input.CurrentQueueID != nil {
			op.CurrentQueueID = *input.CurrentQueueID
		}
		op.UpdatedAt = input.UpdatedAt
		d.operators[op.OperatorID] = op
		updated = op
		return nil
	})
	return updated, err
}

func (s *Store) ListClientPositions(ctx context.Context, clientID string) ([]models.Position, error) {
	d := s.read()
	var positions []models.Position
	for _, p := range d.positions {
		if p.ClientID == clientID && p.IsActive() {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].CreatedAt.Before(positions[j].CreatedAt)
	})
	return positions, nil
}

func (s *Store) ListStaleCalled(ctx context.Context, cutoff time.Time, limit int) ([]models.Position, error) {
	d := s.read()
	var positions []models.Position
	for _, p := range d.positions {
		if p.Status != models.StatusCalled || p.CalledAt == nil || !p.CalledAt.Before(cutoff) {
			continue
		}
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].CalledAt.Before(*positions[j].CalledAt)
	})
	if limit > 0 && len(positions) > limit {
		positions = positions[:limit]
	}
	return positions, nil
}

func (s *Store) SummarizeServiceLogs(ctx context.Context, filter store.ServiceLogFilter) (models.ServiceSummary, error) {
	d := s.read()
	var summary models.ServiceSummary
	var totalDuration, timed int
	for _, l := range d.logs {
		if filter.QueueID != "" && l.QueueID != filter.QueueID {
			continue
		}
		if filter.OperatorID != "" && l.OperatorID != filter.OperatorID {
			continue
		}
		if l.StartedAt.Before(filter.Since) {
			continue
		}
		summary.Total++
		switch l.Status {
		case models.ServiceCompleted:
			summary.Completed++
			totalDuration += l.DurationSeconds
			timed++
		case models.ServiceCancelled:
			summary.Cancelled++
		case models.ServiceRedirected:
			summary.Redirected++
		}
	}
	if timed > 0 {
		summary.AverageServiceTime = float64(totalDuration) / float64(timed)
	}
	return summary, nil
}

func (s *Store) ResetDailyCounters(ctx context.Context, at time.Time) ([]string, error) {
	var ids []string
	err := s.write(ctx, func(d *dataset) error {
		for id, op := range d.operators {
			if op.ClientsServedToday == 0 {
				continue
			}
			op.ClientsServedToday = 0
			op.UpdatedAt = at
			d.operators[id] = op
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
