package engine

import (
	"errors"
	"fmt"

	"qms/queue-engine/internal/cache"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/store"
)

var (
	ErrAlreadyQueued           = errors.New("client already queued")
	ErrNotInQueue              = errors.New("client not in queue")
	ErrCapacityExceeded        = errors.New("queue capacity exceeded")
	ErrNoClientsWaiting        = errors.New("no clients waiting")
	ErrOperatorUnavailable     = errors.New("operator unavailable")
	ErrClientNotEligible       = errors.New("client not eligible for service")
	ErrOwnershipMismatch       = errors.New("service log owned by another operator")
	ErrAlreadyFinished         = errors.New("service already finished")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrQueueClosed             = errors.New("queue not accepting clients")
	ErrQueueNotEmpty           = errors.New("queue has active positions")
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrPersistence             = errors.New("persistence failure")
)

// Re-exported so callers only depend on this package for error kinds.
var (
	ErrQueueNotFound      = store.ErrQueueNotFound
	ErrOperatorNotFound   = store.ErrOperatorNotFound
	ErrServiceLogNotFound = store.ErrServiceLogNotFound
	ErrPositionNotFound   = store.ErrPositionNotFound
	ErrLockTimeout        = store.ErrLockTimeout
	ErrCacheUnavailable   = cache.ErrUnavailable
	ErrNotificationFailed = notify.ErrDeliveryFailed
)

var passthrough = []error{
	ErrAlreadyQueued,
	ErrNotInQueue,
	ErrCapacityExceeded,
	ErrNoClientsWaiting,
	ErrOperatorUnavailable,
	ErrClientNotEligible,
	ErrOwnershipMismatch,
	ErrAlreadyFinished,
	ErrInvalidStatusTransition,
	ErrQueueClosed,
	ErrQueueNotEmpty,
	ErrInvalidArgument,
	ErrQueueNotFound,
	ErrOperatorNotFound,
	ErrServiceLogNotFound,
	ErrPositionNotFound,
	ErrLockTimeout,
}

// classify keeps domain errors as they are and marks everything else as a
// persistence failure that still unwraps to the driver error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range passthrough {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("engine: %s: %w", op, errors.Join(ErrPersistence, err))
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
