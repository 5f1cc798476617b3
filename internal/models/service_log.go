package models

import (
	"encoding/json"
	"time"
)

type ServiceLog struct {
	ServiceLogID    string          `json:"service_log_id"`
	QueueID         string          `json:"queue_id"`
	ClientID        string          `json:"client_id"`
	OperatorID      string          `json:"operator_id"`
	PositionID      string          `json:"position_id,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	DurationSeconds int             `json:"duration_seconds"`
	Status          string          `json:"status"`
	Notes           string          `json:"notes,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

const (
	ServiceInProgress = "in_progress"
	ServiceCompleted  = "completed"
	ServiceCancelled  = "cancelled"
	ServiceRedirected = "redirected"
)

func ValidOutcome(outcome string) bool {
	switch outcome {
	case ServiceCompleted, ServiceCancelled, ServiceRedirected:
		return true
	}
	return false
}
