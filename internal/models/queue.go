package models

import "time"

type Queue struct {
	QueueID              string     `json:"queue_id"`
	Name                 string     `json:"name"`
	Description          string     `json:"description,omitempty"`
	Type                 string     `json:"type"`
	Status               string     `json:"status"`
	MaxClients           int        `json:"max_clients"`
	EstimatedServiceTime int        `json:"estimated_service_time"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	DeletedAt            *time.Time `json:"deleted_at,omitempty"`
}

const (
	QueueTypeStandard = "standard"
	QueueTypePriority = "priority"
	QueueTypeVIP      = "vip"
)

const (
	QueueStatusActive = "active"
	QueueStatusPaused = "paused"
	QueueStatusClosed = "closed"
)

const (
	DefaultMaxClients           = 100
	DefaultEstimatedServiceTime = 300
)

func ValidQueueStatus(status string) bool {
	switch status {
	case QueueStatusActive, QueueStatusPaused, QueueStatusClosed:
		return true
	}
	return false
}

func ValidQueueType(queueType string) bool {
	switch queueType {
	case QueueTypeStandard, QueueTypePriority, QueueTypeVIP:
		return true
	}
	return false
}
