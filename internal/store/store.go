package store

import (
	"context"
	"time"

	"qms/queue-engine/internal/models"
)

// Reader is the read surface shared by the store and its transactions.
type Reader interface {
	GetQueue(ctx context.Context, queueID string) (models.Queue, error)
	// ListActive returns waiting and called positions ordered by position.
	ListActive(ctx context.Context, queueID string) ([]models.Position, error)
	FindActive(ctx context.Context, queueID, clientID string) (models.Position, bool, error)
	GetPosition(ctx context.Context, positionID string) (models.Position, error)
	GetOperator(ctx context.Context, operatorID string) (models.Operator, error)
	GetServiceLog(ctx context.Context, serviceLogID string) (models.ServiceLog, error)
	CountAvailableOperators(ctx context.Context, queueID string) (int, error)
}

// Tx runs while the queue lock is held. Slot shifts only touch active
// positions of the given queue.
type Tx interface {
	Reader
	UpdateQueue(ctx context.Context, queue models.Queue) error
	TouchQueue(ctx context.Context, queueID string, at time.Time) error
	OpenSlot(ctx context.Context, queueID string, slot int, at time.Time) error
	CloseSlot(ctx context.Context, queueID string, slot int, at time.Time) error
	InsertPosition(ctx context.Context, position models.Position) error
	UpdatePosition(ctx context.Context, position models.Position) error
	UpdateOperator(ctx context.Context, operator models.Operator) error
	InsertServiceLog(ctx context.Context, log models.ServiceLog) error
	UpdateServiceLog(ctx context.Context, log models.ServiceLog) error
}

type ServiceLogFilter struct {
	QueueID    string
	OperatorID string
	Since      time.Time
}

// OperatorStateInput changes an operator outside the call protocol. While the
// operator owns an in-progress service log, leaving busy or moving to another
// queue fails with ErrOperatorServing.
type OperatorStateInput struct {
	OperatorID     string
	Status         *string
	CurrentQueueID *string
	UpdatedAt      time.Time
}

type Store interface {
	Reader
	// InQueue runs fn in one transaction holding the exclusive lock for
	// queueID. The transaction commits only if fn returns nil.
	InQueue(ctx context.Context, queueID string, fn func(ctx context.Context, tx Tx) error) error
	CreateQueue(ctx context.Context, queue models.Queue) error
	ListQueues(ctx context.Context) ([]models.Queue, error)
	CreateOperator(ctx context.Context, operator models.Operator) error
	SetOperatorState(ctx context.Context, input OperatorStateInput) (models.Operator, error)
	ListClientPositions(ctx context.Context, clientID string) ([]models.Position, error)
	ListStaleCalled(ctx context.Context, cutoff time.Time, limit int) ([]models.Position, error)
	SummarizeServiceLogs(ctx context.Context, filter ServiceLogFilter) (models.ServiceSummary, error)
	// ResetDailyCounters zeroes clients_served_today and returns the ids it
	// touched.
	ResetDailyCounters(ctx context.Context, at time.Time) ([]string, error)
}
