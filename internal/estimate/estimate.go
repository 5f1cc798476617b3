// Package estimate turns queue depth into expected wait seconds.
package estimate

import (
	"fmt"
	"math"

	"qms/queue-engine/internal/models"
)

var priorityFactor = map[string]float64{
	models.PriorityLow:    1.5,
	models.PriorityNormal: 1.0,
	models.PriorityHigh:   0.7,
	models.PriorityVIP:    0.5,
}

func Factor(priority string) float64 {
	if f, ok := priorityFactor[priority]; ok {
		return f
	}
	return 1.0
}

// ForPosition is round(rank * serviceTime * factor(priority)).
func ForPosition(rank, serviceTime int, priority string) int {
	if rank < 1 {
		rank = 1
	}
	if serviceTime < 0 {
		serviceTime = 0
	}
	return int(math.Round(float64(rank) * float64(serviceTime) * Factor(priority)))
}

// Rank is the 1-based place of target in service order among active.
// target itself is ignored if present.
func Rank(active []models.Position, target models.Position) int {
	rank := 1
	for _, p := range active {
		if p.PositionID == target.PositionID {
			continue
		}
		if p.Before(target) {
			rank++
		}
	}
	return rank
}

// ForQueue spreads the waiting clients over the available operators.
func ForQueue(waiting, availableOperators int, averageServiceTime float64) int {
	if waiting <= 0 || averageServiceTime <= 0 {
		return 0
	}
	operators := availableOperators
	if operators < 1 {
		operators = 1
	}
	return int(math.Round(float64(waiting) / float64(operators) * averageServiceTime))
}

// Format renders seconds as mm:ss.
func Format(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
