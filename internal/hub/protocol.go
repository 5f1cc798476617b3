package hub

import (
	"encoding/json"
	"time"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

const (
	FrameConnectionEstablished = "connection_established"
	FrameSubscriptionConfirmed = "subscription_confirmed"
	FramePong                  = "pong"
)

// Message is a client request. Older clients send the verb as "type".
type Message struct {
	Action  string `json:"action"`
	Type    string `json:"type"`
	QueueID string `json:"queue_id"`
}

type Frame struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"client_id,omitempty"`
	QueueID   string    `json:"queue_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func ParseMessage(data []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false
	}
	if msg.Action == "" {
		msg.Action = msg.Type
	}
	switch msg.Action {
	case ActionSubscribe, ActionUnsubscribe, ActionPing:
		return msg, true
	}
	return Message{}, false
}

// Welcome is the first frame a new connection receives.
func Welcome(client *Client, at time.Time) []byte {
	return encode(Frame{Type: FrameConnectionEstablished, ClientID: client.ID, Timestamp: at.UTC()})
}

// Handle applies one client message and returns the reply frame, or nil
// when the message is not part of the protocol.
func (h *Hub) Handle(client *Client, data []byte, at time.Time) []byte {
	msg, ok := ParseMessage(data)
	if !ok {
		return nil
	}
	switch msg.Action {
	case ActionPing:
		return encode(Frame{Type: FramePong, Timestamp: at.UTC()})
	case ActionUnsubscribe:
		h.UpdateSubscription(client, Subscription{})
		return encode(Frame{Type: FrameSubscriptionConfirmed, Timestamp: at.UTC()})
	default:
		h.UpdateSubscription(client, Subscription{QueueID: msg.QueueID})
		return encode(Frame{Type: FrameSubscriptionConfirmed, QueueID: msg.QueueID, Timestamp: at.UTC()})
	}
}

func encode(f Frame) []byte {
	raw, _ := json.Marshal(f)
	return raw
}
