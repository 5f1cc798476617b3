package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultLockTimeout = 5 * time.Second
	defaultTxTimeout   = 15 * time.Second
)

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	txTimeout   time.Duration
	logger      *slog.Logger
}

type Options struct {
	// LockTimeout bounds the wait for the per-queue lock.
	LockTimeout time.Duration
	// TxTimeout bounds the whole locked transaction, so a stuck holder
	// releases the lock when its deadline passes.
	TxTimeout time.Duration
	Logger    *slog.Logger
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	s := &Store{
		pool:        pool,
		lockTimeout: options.LockTimeout,
		txTimeout:   options.TxTimeout,
		logger:      options.Logger,
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = defaultLockTimeout
	}
	if s.txTimeout <= 0 {
		s.txTimeout = defaultTxTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

var _ store.Store = (*Store)(nil)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) InQueue(ctx context.Context, queueID string, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = s.lockQueue(ctx, tx, queueID); err != nil {
		return err
	}
	if err = fn(ctx, &pgTx{reader: reader{q: tx, forUpdate: true}}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Store) lockQueue(ctx context.Context, tx pgx.Tx, queueID string) error {
	lockTimeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	statementTimeout := fmt.Sprintf("%dms", s.txTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, `
		SELECT set_config('lock_timeout', $1, true), set_config('statement_timeout', $2, true)
	`, lockTimeout, statementTimeout); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "queue:"+queueID); err != nil {
		if isLockTimeout(err) {
			return store.ErrLockTimeout
		}
		return err
	}
	return nil
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// lock_not_available, query_canceled
		return pgErr.Code == "55P03" || pgErr.Code == "57014"
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// notFound folds missing rows and malformed ids into the given sentinel.
func notFound(err error, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return sentinel
	}
	return err
}

func (s *Store) reader() reader {
	return reader{q: s.pool}
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	return s.reader().GetQueue(ctx, queueID)
}

func (s *Store) ListActive(ctx context.Context, queueID string) ([]models.Position, error) {
	return s.reader().ListActive(ctx, queueID)
}

func (s *Store) FindActive(ctx context.Context, queueID, clientID string) (models.Position, bool, error) {
	return s.reader().FindActive(ctx, queueID, clientID)
}

func (s *Store) GetPosition(ctx context.Context, positionID string) (models.Position, error) {
	return s.reader().GetPosition(ctx, positionID)
}

func (s *Store) GetOperator(ctx context.Context, operatorID string) (models.Operator, error) {
	return s.reader().GetOperator(ctx, operatorID)
}

func (s *Store) GetServiceLog(ctx context.Context, serviceLogID string) (models.ServiceLog, error) {
	return s.reader().GetServiceLog(ctx, serviceLogID)
}

func (s *Store) CountAvailableOperators(ctx context.Context, queueID string) (int, error) {
	return s.reader().CountAvailableOperators(ctx, queueID)
}

func (s *Store) CreateQueue(ctx context.Context, queue models.Queue) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queues (queue_id, name, description, type, status, max_clients, estimated_service_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, queue.QueueID, queue.Name, queue.Description, queue.Type, queue.Status, queue.MaxClients, queue.EstimatedServiceTime, queue.CreatedAt, queue.UpdatedAt)
	return err
}

func (s *Store) ListQueues(ctx context.Context) ([]models.Queue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE deleted_at IS NULL
		ORDER BY created_at, queue_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []models.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

func (s *Store) CreateOperator(ctx context.Context, operator models.Operator) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operators (operator_id, name, status, current_queue_id, max_clients_per_day, clients_served_today, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, operator.OperatorID, operator.Name, operator.Status, nullIfEmpty(operator.CurrentQueueID), operator.MaxClientsPerDay, operator.ClientsServedToday, operator.CreatedAt, operator.UpdatedAt)
	return err
}

func (s *Store) SetOperatorState(ctx context.Context, input store.OperatorStateInput) (op models.Operator, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Operator{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	current, err := reader{q: tx, forUpdate: true}.GetOperator(ctx, input.OperatorID)
	if err != nil {
		return models.Operator{}, err
	}
	if store.ReleasesOperator(current, input) {
		var serving bool
		if err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM service_logs
				WHERE operator_id = $1 AND status = 'in_progress'
			)
		`, input.OperatorID).Scan(&serving); err != nil {
			return models.Operator{}, err
		}
		if serving {
			return models.Operator{}, store.ErrOperatorServing
		}
	}

	setQueue := input.CurrentQueueID != nil
	var queueID interface{}
	if setQueue {
		queueID = nullIfEmpty(*input.CurrentQueueID)
	}
	row := tx.QueryRow(ctx, `
		UPDATE operators
		SET status = COALESCE($2::text, status),
			current_queue_id = CASE WHEN $3::boolean THEN $4::uuid ELSE current_queue_id END,
			updated_at = $5
		WHERE operator_id = $1
		RETURNING `+operatorColumns+`
	`, input.OperatorID, input.Status, setQueue, queueID, input.UpdatedAt)
	if op, err = scanOperator(row); err != nil {
		return models.Operator{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Operator{}, err
	}
	return op, nil
}

func (s *Store) ListClientPositions(ctx context.Context, clientID string) ([]models.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM queue_positions
		WHERE client_id = $1 AND status IN ('waiting', 'called')
		ORDER BY created_at
	`, clientID)
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

func (s *Store) ListStaleCalled(ctx context.Context, cutoff time.Time, limit int) ([]models.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM queue_positions
		WHERE status = 'called' AND called_at < $1
		ORDER BY called_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

func (s *Store) SummarizeServiceLogs(ctx context.Context, filter store.ServiceLogFilter) (models.ServiceSummary, error) {
	clauses := []string{"started_at >= $1"}
	args := []interface{}{filter.Since}
	if filter.QueueID != "" {
		args = append(args, filter.QueueID)
		clauses = append(clauses, fmt.Sprintf("queue_id = $%d", len(args)))
	}
	if filter.OperatorID != "" {
		args = append(args, filter.OperatorID)
		clauses = append(clauses, fmt.Sprintf("operator_id = $%d", len(args)))
	}

	var summary models.ServiceSummary
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE status = 'redirected'),
			COALESCE(AVG(duration_seconds) FILTER (WHERE status = 'completed'), 0)::float8
		FROM service_logs
		WHERE `+strings.Join(clauses, " AND "), args...)
	if err := row.Scan(&summary.Total, &summary.Completed, &summary.Cancelled, &summary.Redirected, &summary.AverageServiceTime); err != nil {
		return models.ServiceSummary{}, err
	}
	return summary, nil
}

func (s *Store) ResetDailyCounters(ctx context.Context, at time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE operators
		SET clients_served_today = 0, updated_at = $1
		WHERE clients_served_today <> 0
		RETURNING operator_id
	`, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func timeOrNil(value *time.Time) interface{} {
	if value == nil {
		return nil
	}
	return *value
}
