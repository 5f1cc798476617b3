package postgres

import (
	"context"
	"database/sql"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/jackc/pgx/v5"
)

const queueColumns = `queue_id, name, description, type, status, max_clients, estimated_service_time, created_at, updated_at, deleted_at`

const positionColumns = `position_id, queue_id, client_id, client_name, position, priority, status, estimated_wait_time, created_at, called_at, serving_at, served_at, updated_at`

const operatorColumns = `operator_id, name, status, current_queue_id, max_clients_per_day, clients_served_today, created_at, updated_at`

const serviceLogColumns = `service_log_id, queue_id, client_id, operator_id, position_id, started_at, ended_at, duration_seconds, status, notes, metadata, created_at`

// reader serves the Reader contract from the pool or from a locked
// transaction. Inside a transaction operator and service log rows are read
// FOR UPDATE.
type reader struct {
	q         querier
	forUpdate bool
}

func (r reader) lockClause() string {
	if r.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func (r reader) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE queue_id = $1 AND deleted_at IS NULL
	`, queueID)
	q, err := scanQueue(row)
	if err != nil {
		return models.Queue{}, notFound(err, store.ErrQueueNotFound)
	}
	return q, nil
}

func (r reader) ListActive(ctx context.Context, queueID string) ([]models.Position, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+positionColumns+`
		FROM queue_positions
		WHERE queue_id = $1 AND status IN ('waiting', 'called')
		ORDER BY position
	`, queueID)
	if err != nil {
		return nil, notFound(err, store.ErrQueueNotFound)
	}
	return collectPositions(rows)
}

func (r reader) FindActive(ctx context.Context, queueID, clientID string) (models.Position, bool, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM queue_positions
		WHERE queue_id = $1 AND client_id = $2 AND status IN ('waiting', 'called')
		LIMIT 1
	`, queueID, clientID)
	p, err := scanPosition(row)
	if err != nil {
		if notFound(err, store.ErrPositionNotFound) == store.ErrPositionNotFound {
			return models.Position{}, false, nil
		}
		return models.Position{}, false, err
	}
	return p, true, nil
}

func (r reader) GetPosition(ctx context.Context, positionID string) (models.Position, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM queue_positions
		WHERE position_id = $1
	`, positionID)
	p, err := scanPosition(row)
	if err != nil {
		return models.Position{}, notFound(err, store.ErrPositionNotFound)
	}
	return p, nil
}

func (r reader) GetOperator(ctx context.Context, operatorID string) (models.Operator, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+operatorColumns+`
		FROM operators
		WHERE operator_id = $1`+r.lockClause(), operatorID)
	op, err := scanOperator(row)
	if err != nil {
		return models.Operator{}, notFound(err, store.ErrOperatorNotFound)
	}
	return op, nil
}

func (r reader) GetServiceLog(ctx context.Context, serviceLogID string) (models.ServiceLog, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+serviceLogColumns+`
		FROM service_logs
		WHERE service_log_id = $1`+r.lockClause(), serviceLogID)
	l, err := scanServiceLog(row)
	if err != nil {
		return models.ServiceLog{}, notFound(err, store.ErrServiceLogNotFound)
	}
	return l, nil
}

func (r reader) CountAvailableOperators(ctx context.Context, queueID string) (int, error) {
	var count int
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM operators
		WHERE current_queue_id = $1
			AND status = 'available'
			AND (max_clients_per_day = 0 OR clients_served_today < max_clients_per_day)
	`, queueID).Scan(&count)
	if err != nil {
		return 0, notFound(err, store.ErrQueueNotFound)
	}
	return count, nil
}

type pgTx struct {
	reader
}

func (t *pgTx) UpdateQueue(ctx context.Context, queue models.Queue) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE queues
		SET name = $2, description = $3, type = $4, status = $5, max_clients = $6,
			estimated_service_time = $7, updated_at = $8, deleted_at = $9
		WHERE queue_id = $1
	`, queue.QueueID, queue.Name, queue.Description, queue.Type, queue.Status, queue.MaxClients,
		queue.EstimatedServiceTime, queue.UpdatedAt, timeOrNil(queue.DeletedAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrQueueNotFound
	}
	return nil
}

func (t *pgTx) TouchQueue(ctx context.Context, queueID string, at time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE queues SET updated_at = $2 WHERE queue_id = $1`, queueID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrQueueNotFound
	}
	return nil
}

func (t *pgTx) OpenSlot(ctx context.Context, queueID string, slot int, at time.Time) error {
	_, err := t.q.Exec(ctx, `
		UPDATE queue_positions
		SET position = position + 1, updated_at = $3
		WHERE queue_id = $1 AND status IN ('waiting', 'called') AND position >= $2
	`, queueID, slot, at)
	return err
}

func (t *pgTx) CloseSlot(ctx context.Context, queueID string, slot int, at time.Time) error {
	_, err := t.q.Exec(ctx, `
		UPDATE queue_positions
		SET position = position - 1, updated_at = $3
		WHERE queue_id = $1 AND status IN ('waiting', 'called') AND position > $2
	`, queueID, slot, at)
	return err
}

func (t *pgTx) InsertPosition(ctx context.Context, p models.Position) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO queue_positions (position_id, queue_id, client_id, client_name, position, priority, status,
			estimated_wait_time, created_at, called_at, serving_at, served_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, p.PositionID, p.QueueID, p.ClientID, p.ClientName, p.Position, p.Priority, p.Status,
		p.EstimatedWaitTime, p.CreatedAt, timeOrNil(p.CalledAt), timeOrNil(p.ServingAt), timeOrNil(p.ServedAt), p.UpdatedAt)
	return err
}

func (t *pgTx) UpdatePosition(ctx context.Context, p models.Position) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE queue_positions
		SET priority = $2, status = $3, estimated_wait_time = $4, called_at = $5,
			serving_at = $6, served_at = $7, updated_at = $8
		WHERE position_id = $1
	`, p.PositionID, p.Priority, p.Status, p.EstimatedWaitTime, timeOrNil(p.CalledAt),
		timeOrNil(p.ServingAt), timeOrNil(p.ServedAt), p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrPositionNotFound
	}
	return nil
}

func (t *pgTx) UpdateOperator(ctx context.Context, op models.Operator) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE operators
		SET name = $2, status = $3, current_queue_id = $4, max_clients_per_day = $5,
			clients_served_today = $6, updated_at = $7
		WHERE operator_id = $1
	`, op.OperatorID, op.Name, op.Status, nullIfEmpty(op.CurrentQueueID), op.MaxClientsPerDay,
		op.ClientsServedToday, op.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrOperatorNotFound
	}
	return nil
}

func (t *pgTx) InsertServiceLog(ctx context.Context, l models.ServiceLog) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO service_logs (service_log_id, queue_id, client_id, operator_id, position_id, started_at,
			ended_at, duration_seconds, status, notes, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, l.ServiceLogID, l.QueueID, l.ClientID, l.OperatorID, nullIfEmpty(l.PositionID), l.StartedAt,
		timeOrNil(l.EndedAt), l.DurationSeconds, l.Status, l.Notes, nullJSON(l.Metadata), l.CreatedAt)
	return err
}

func (t *pgTx) UpdateServiceLog(ctx context.Context, l models.ServiceLog) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE service_logs
		SET ended_at = $2, duration_seconds = $3, status = $4, notes = $5, metadata = $6
		WHERE service_log_id = $1
	`, l.ServiceLogID, timeOrNil(l.EndedAt), l.DurationSeconds, l.Status, l.Notes, nullJSON(l.Metadata))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrServiceLogNotFound
	}
	return nil
}

func nullJSON(value []byte) interface{} {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}

func scanQueue(row pgx.Row) (models.Queue, error) {
	var q models.Queue
	var deletedAt sql.NullTime
	if err := row.Scan(&q.QueueID, &q.Name, &q.Description, &q.Type, &q.Status, &q.MaxClients,
		&q.EstimatedServiceTime, &q.CreatedAt, &q.UpdatedAt, &deletedAt); err != nil {
		return models.Queue{}, err
	}
	q.DeletedAt = nullTimePtr(deletedAt)
	return q, nil
}

func scanPosition(row pgx.Row) (models.Position, error) {
	var p models.Position
	var calledAt, servingAt, servedAt sql.NullTime
	if err := row.Scan(&p.PositionID, &p.QueueID, &p.ClientID, &p.ClientName, &p.Position, &p.Priority,
		&p.Status, &p.EstimatedWaitTime, &p.CreatedAt, &calledAt, &servingAt, &servedAt, &p.UpdatedAt); err != nil {
		return models.Position{}, err
	}
	p.CalledAt = nullTimePtr(calledAt)
	p.ServingAt = nullTimePtr(servingAt)
	p.ServedAt = nullTimePtr(servedAt)
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]models.Position, error) {
	defer rows.Close()
	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanOperator(row pgx.Row) (models.Operator, error) {
	var op models.Operator
	var queueID sql.NullString
	if err := row.Scan(&op.OperatorID, &op.Name, &op.Status, &queueID, &op.MaxClientsPerDay,
		&op.ClientsServedToday, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return models.Operator{}, err
	}
	op.CurrentQueueID = queueID.String
	return op, nil
}

func scanServiceLog(row pgx.Row) (models.ServiceLog, error) {
	var l models.ServiceLog
	var positionID sql.NullString
	var endedAt sql.NullTime
	var metadata []byte
	if err := row.Scan(&l.ServiceLogID, &l.QueueID, &l.ClientID, &l.OperatorID, &positionID, &l.StartedAt,
		&endedAt, &l.DurationSeconds, &l.Status, &l.Notes, &metadata, &l.CreatedAt); err != nil {
		return models.ServiceLog{}, err
	}
	l.PositionID = positionID.String
	l.EndedAt = nullTimePtr(endedAt)
	l.Metadata = metadata
	return l, nil
}
