package engine

import (
	"fmt"

	"qms/queue-engine/internal/models"
)

// Placement decides where a newly admitted position lands.
type Placement string

const (
	PlaceAppend   Placement = "append"
	PlaceMidpoint Placement = "midpoint"
	PlaceFront    Placement = "front"
)

func ParsePlacement(value string) (Placement, error) {
	switch Placement(value) {
	case PlaceAppend, PlaceMidpoint, PlaceFront:
		return Placement(value), nil
	case "":
		return PlaceMidpoint, nil
	}
	return "", fmt.Errorf("unknown placement %q", value)
}

// Policy maps the high tier to a placement. VIP always goes to the front and
// normal and low always append.
type Policy struct {
	High Placement
}

func DefaultPolicy() Policy {
	return Policy{High: PlaceMidpoint}
}

func (p Policy) placement(priority string) Placement {
	switch priority {
	case models.PriorityVIP:
		return PlaceFront
	case models.PriorityHigh:
		if p.High == "" {
			return PlaceMidpoint
		}
		return p.High
	default:
		return PlaceAppend
	}
}

// Slot returns the position number for a new entry given the current active
// positions, which must be dense.
func (p Policy) Slot(priority string, active []models.Position) int {
	switch p.placement(priority) {
	case PlaceFront:
		return 1
	case PlaceMidpoint:
		slot := len(active) / 2
		if slot < 1 {
			slot = 1
		}
		return slot
	default:
		return maxPosition(active) + 1
	}
}

func maxPosition(active []models.Position) int {
	highest := 0
	for _, p := range active {
		if p.Position > highest {
			highest = p.Position
		}
	}
	return highest
}
