package httpapi

import (
	"errors"
	"net/http"

	"qms/queue-engine/internal/engine"
)

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, engine.ErrQueueNotFound):
		return http.StatusNotFound, "queue_not_found", "queue not found"
	case errors.Is(err, engine.ErrOperatorNotFound):
		return http.StatusNotFound, "operator_not_found", "operator not found"
	case errors.Is(err, engine.ErrServiceLogNotFound):
		return http.StatusNotFound, "service_log_not_found", "service log not found"
	case errors.Is(err, engine.ErrPositionNotFound):
		return http.StatusNotFound, "position_not_found", "position not found"
	case errors.Is(err, engine.ErrNotInQueue):
		return http.StatusNotFound, "not_in_queue", "client is not in the queue"
	case errors.Is(err, engine.ErrNoClientsWaiting):
		return http.StatusNotFound, "no_clients_waiting", "no clients waiting"
	case errors.Is(err, engine.ErrAlreadyQueued):
		return http.StatusConflict, "already_queued", "client is already in the queue"
	case errors.Is(err, engine.ErrCapacityExceeded):
		return http.StatusConflict, "capacity_exceeded", "queue is full"
	case errors.Is(err, engine.ErrQueueClosed):
		return http.StatusConflict, "queue_closed", "queue is not accepting clients"
	case errors.Is(err, engine.ErrQueueNotEmpty):
		return http.StatusConflict, "queue_not_empty", "queue still has active clients"
	case errors.Is(err, engine.ErrOperatorUnavailable):
		return http.StatusConflict, "operator_unavailable", "operator is not available"
	case errors.Is(err, engine.ErrClientNotEligible):
		return http.StatusConflict, "client_not_eligible", "client cannot be served now"
	case errors.Is(err, engine.ErrAlreadyFinished):
		return http.StatusConflict, "already_finished", "service already finished"
	case errors.Is(err, engine.ErrOwnershipMismatch):
		return http.StatusForbidden, "ownership_mismatch", "service log belongs to another operator"
	case errors.Is(err, engine.ErrInvalidStatusTransition):
		return http.StatusUnprocessableEntity, "invalid_status_transition", "status transition not allowed"
	case errors.Is(err, engine.ErrLockTimeout):
		return http.StatusServiceUnavailable, "queue_busy", "queue is busy, retry later"
	case errors.Is(err, engine.ErrPersistence):
		return http.StatusInternalServerError, "persistence_failure", "storage failure"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}
