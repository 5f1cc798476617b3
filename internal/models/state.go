package models

import "time"

// QueueState is the derived view served from queue:state:<id>.
type QueueState struct {
	Queue       Queue            `json:"queue"`
	ClientCount int              `json:"clients_count"`
	Waiting     int              `json:"waiting"`
	Called      int              `json:"called"`
	Positions   []RankedPosition `json:"positions"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// RankedPosition pairs a stored position with its place in service order.
type RankedPosition struct {
	Position
	Rank int `json:"rank"`
}

const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

func ValidPeriod(period string) bool {
	switch period {
	case PeriodDay, PeriodWeek, PeriodMonth:
		return true
	}
	return false
}

// ServiceSummary aggregates closed service logs over a window.
type ServiceSummary struct {
	Total              int     `json:"total"`
	Completed          int     `json:"completed"`
	Cancelled          int     `json:"cancelled"`
	Redirected         int     `json:"redirected"`
	AverageServiceTime float64 `json:"average_service_time"`
}

type QueueStats struct {
	QueueID            string         `json:"queue_id"`
	Period             string         `json:"period"`
	Services           ServiceSummary `json:"services"`
	CompletionRate     float64        `json:"completion_rate"`
	Waiting            int            `json:"waiting"`
	AvailableOperators int            `json:"available_operators"`
	EstimatedWaitTime  int            `json:"estimated_wait_time"`
	FormattedWaitTime  string         `json:"formatted_wait_time"`
}

type OperatorStats struct {
	OperatorID     string         `json:"operator_id"`
	Period         string         `json:"period"`
	Services       ServiceSummary `json:"services"`
	CompletionRate float64        `json:"completion_rate"`
	ServedToday    int            `json:"served_today"`
}
