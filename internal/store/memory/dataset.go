package memory

import (
	"context"
	"sort"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

type dataset struct {
	queues    map[string]models.Queue
	positions map[string]models.Position
	operators map[string]models.Operator
	logs      map[string]models.ServiceLog
}

func newDataset() *dataset {
	return &dataset{
		queues:    make(map[string]models.Queue),
		positions: make(map[string]models.Position),
		operators: make(map[string]models.Operator),
		logs:      make(map[string]models.ServiceLog),
	}
}

func (d *dataset) clone() *dataset {
	c := &dataset{
		queues:    make(map[string]models.Queue, len(d.queues)),
		positions: make(map[string]models.Position, len(d.positions)),
		operators: make(map[string]models.Operator, len(d.operators)),
		logs:      make(map[string]models.ServiceLog, len(d.logs)),
	}
	for k, v := range d.queues {
		c.queues[k] = v
	}
	for k, v := range d.positions {
		c.positions[k] = v
	}
	for k, v := range d.operators {
		c.operators[k] = v
	}
	for k, v := range d.logs {
		c.logs[k] = v
	}
	return c
}

func (d *dataset) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	q, ok := d.queues[queueID]
	if !ok || q.DeletedAt != nil {
		return models.Queue{}, store.ErrQueueNotFound
	}
	return q, nil
}

func (d *dataset) ListActive(ctx context.Context, queueID string) ([]models.Position, error) {
	var active []models.Position
	for _, p := range d.positions {
		if p.QueueID == queueID && p.IsActive() {
			active = append(active, p)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].Position < active[j].Position
	})
	return active, nil
}

func (d *dataset) FindActive(ctx context.Context, queueID, clientID string) (models.Position, bool, error) {
	for _, p := range d.positions {
		if p.QueueID == queueID && p.ClientID == clientID && p.IsActive() {
			return p, true, nil
		}
	}
	return models.Position{}, false, nil
}

func (d *dataset) GetPosition(ctx context.Context, positionID string) (models.Position, error) {
	p, ok := d.positions[positionID]
	if !ok {
		return models.Position{}, store.ErrPositionNotFound
	}
	return p, nil
}

func (d *dataset) GetOperator(ctx context.Context, operatorID string) (models.Operator, error) {
	op, ok := d.operators[operatorID]
	if !ok {
		return models.Operator{}, store.ErrOperatorNotFound
	}
	return op, nil
}

func (d *dataset) GetServiceLog(ctx context.Context, serviceLogID string) (models.ServiceLog, error) {
	l, ok := d.logs[serviceLogID]
	if !ok {
		return models.ServiceLog{}, store.ErrServiceLogNotFound
	}
	return l, nil
}

func (d *dataset) CountAvailableOperators(ctx context.Context, queueID string) (int, error) {
	count := 0
	for _, op := range d.operators {
		if op.CurrentQueueID == queueID && op.IsAvailable() {
			count++
		}
	}
	return count, nil
}

// serving reports whether the operator owns an in-progress service log.
func (d *dataset) serving(operatorID string) bool {
	for _, l := range d.logs {
		if l.OperatorID == operatorID && l.Status == models.ServiceInProgress {
			return true
		}
	}
	return false
}

// memTx writes straight into the staged dataset.
type memTx struct {
	*dataset
}

func (t *memTx) UpdateQueue(ctx context.Context, queue models.Queue) error {
	if _, ok := t.queues[queue.QueueID]; !ok {
		return store.ErrQueueNotFound
	}
	t.queues[queue.QueueID] = queue
	return nil
}

func (t *memTx) TouchQueue(ctx context.Context, queueID string, at time.Time) error {
	q, ok := t.queues[queueID]
	if !ok {
		return store.ErrQueueNotFound
	}
	q.UpdatedAt = at
	t.queues[queueID] = q
	return nil
}

func (t *memTx) OpenSlot(ctx context.Context, queueID string, slot int, at time.Time) error {
	t.shift(queueID, at, func(p models.Position) int {
		if p.Position >= slot {
			return 1
		}
		return 0
	})
	return nil
}

func (t *memTx) CloseSlot(ctx context.Context, queueID string, slot int, at time.Time) error {
	t.shift(queueID, at, func(p models.Position) int {
		if p.Position > slot {
			return -1
		}
		return 0
	})
	return nil
}

func (t *memTx) shift(queueID string, at time.Time, delta func(models.Position) int) {
	for id, p := range t.positions {
		if p.QueueID != queueID || !p.IsActive() {
			continue
		}
		if n := delta(p); n != 0 {
			p.Position += n
			p.UpdatedAt = at
			t.positions[id] = p
		}
	}
}

func (t *memTx) InsertPosition(ctx context.Context, position models.Position) error {
	t.positions[position.PositionID] = position
	return nil
}

func (t *memTx) UpdatePosition(ctx context.Context, position models.Position) error {
	existing, ok := t.positions[position.PositionID]
	if !ok {
		return store.ErrPositionNotFound
	}
	position.Position = existing.Position
	t.positions[position.PositionID] = position
	return nil
}

func (t *memTx) UpdateOperator(ctx context.Context, operator models.Operator) error {
	if _, ok := t.operators[operator.OperatorID]; !ok {
		return store.ErrOperatorNotFound
	}
	t.operators[operator.OperatorID] = operator
	return nil
}

func (t *memTx) InsertServiceLog(ctx context.Context, log models.ServiceLog) error {
	t.logs[log.ServiceLogID] = log
	return nil
}

func (t *memTx) UpdateServiceLog(ctx context.Context, log models.ServiceLog) error {
	if _, ok := t.logs[log.ServiceLogID]; !ok {
		return store.ErrServiceLogNotFound
	}
	t.logs[log.ServiceLogID] = log
	return nil
}
