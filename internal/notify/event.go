// Package notify turns committed queue mutations into events. Events are
// pushed to a bounded buffer and published on a channel for the realtime
// service. Domain events also go to the message bus. Delivery is best
// effort and at most once.
package notify

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrDeliveryFailed = errors.New("notification delivery failure")

const (
	TypeAdmitted        = "admitted"
	TypeRemoved         = "removed"
	TypeCalled          = "called"
	TypeSkipped         = "skipped"
	TypeServingStarted  = "serving_started"
	TypeServingFinished = "serving_finished"
	TypeQueueUpdated    = "queue_updated"
)

// Event is the normalized envelope carried by both delivery paths.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	QueueID   string          `json:"queue_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewEvent(eventType, queueID string, payload interface{}, at time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		QueueID:   queueID,
		Payload:   raw,
		Timestamp: at.UTC(),
	}, nil
}

// QueueSummary is the payload of a queue_updated event.
type QueueSummary struct {
	ClientsCount int       `json:"clients_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type wireMessage struct {
	Type    string          `json:"type"`
	QueueID string          `json:"queue_id"`
	Data    json.RawMessage `json:"data"`
}

// Wire is the realtime frame for the event. Events that mirror a bus event
// are sent as the raw bus JSON; the rest are wrapped as {type, queue_id,
// data}.
func (e Event) Wire() []byte {
	switch e.Type {
	case TypeAdmitted, TypeRemoved, TypeCalled:
		return e.Payload
	}
	raw, err := json.Marshal(wireMessage{Type: e.Type, QueueID: e.QueueID, Data: e.Payload})
	if err != nil {
		return e.Payload
	}
	return raw
}
