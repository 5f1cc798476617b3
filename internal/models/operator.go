package models

import "time"

type Operator struct {
	OperatorID         string    `json:"operator_id"`
	Name               string    `json:"name"`
	Status             string    `json:"status"`
	CurrentQueueID     string    `json:"current_queue_id,omitempty"`
	MaxClientsPerDay   int       `json:"max_clients_per_day"`
	ClientsServedToday int       `json:"clients_served_today"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

const (
	OperatorAvailable = "available"
	OperatorBusy      = "busy"
	OperatorOffline   = "offline"
)

func ValidOperatorStatus(status string) bool {
	switch status {
	case OperatorAvailable, OperatorBusy, OperatorOffline:
		return true
	}
	return false
}

// IsAvailable is true when the operator is idle and still under its daily
// limit. A zero limit means unlimited.
func (o Operator) IsAvailable() bool {
	if o.Status != OperatorAvailable {
		return false
	}
	return o.MaxClientsPerDay == 0 || o.ClientsServedToday < o.MaxClientsPerDay
}
