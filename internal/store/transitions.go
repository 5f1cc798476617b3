package store

import "qms/queue-engine/internal/models"

var transitionMap = map[string][]string{
	"call_next":      {models.StatusWaiting},
	"start_serving":  {models.StatusWaiting, models.StatusCalled},
	"finish_serving": {models.StatusServing},
	"remove":         {models.StatusWaiting, models.StatusCalled},
	"skip":           {models.StatusWaiting, models.StatusCalled},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// ReleasesOperator reports whether input would take op off the service it
// is running: leaving busy, or moving to another queue.
func ReleasesOperator(op models.Operator, input OperatorStateInput) bool {
	if input.Status != nil && *input.Status != models.OperatorBusy {
		return true
	}
	return input.CurrentQueueID != nil && *input.CurrentQueueID != op.CurrentQueueID
}
