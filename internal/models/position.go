package models

import "time"

// Position is one client's place in a queue. Only the Position Store writes
// the Position field; everything else treats it as read-only.
type Position struct {
	PositionID        string     `json:"position_id"`
	QueueID           string     `json:"queue_id"`
	ClientID          string     `json:"client_id"`
	ClientName        string     `json:"client_name,omitempty"`
	Position          int        `json:"position"`
	Priority          string     `json:"priority"`
	Status            string     `json:"status"`
	EstimatedWaitTime int        `json:"estimated_wait_time"`
	CreatedAt         time.Time  `json:"created_at"`
	CalledAt          *time.Time `json:"called_at,omitempty"`
	ServingAt         *time.Time `json:"serving_at,omitempty"`
	ServedAt          *time.Time `json:"served_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityVIP    = "vip"
)

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusServing   = "serving"
	StatusServed    = "served"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

var priorityRank = map[string]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityVIP:    3,
}

func ValidPriority(priority string) bool {
	_, ok := priorityRank[priority]
	return ok
}

// PriorityRank orders tiers so that a larger value is served first.
func PriorityRank(priority string) int {
	rank, ok := priorityRank[priority]
	if !ok {
		return priorityRank[PriorityNormal]
	}
	return rank
}

// IsActive reports whether the position holds a numbered slot.
func (p Position) IsActive() bool {
	return p.Status == StatusWaiting || p.Status == StatusCalled
}

// Before is the service-order comparator: higher tier first, then lower
// position number.
func (p Position) Before(other Position) bool {
	a, b := PriorityRank(p.Priority), PriorityRank(other.Priority)
	if a != b {
		return a > b
	}
	return p.Position < other.Position
}
