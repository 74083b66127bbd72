package broadcast

import (
	"encoding/json"
	"time"
)

// EventType tags the payload shape of a broadcast event.
type EventType string

const (
	PresencePulse EventType = "PRESENCE_PULSE"
	PilotDeployed EventType = "PILOT_DEPLOYED" // payload: models.Service, new registration
	PilotUpdated  EventType = "PILOT_UPDATED"  // payload: models.Service, any mutation
	ChatMessage   EventType = "CHAT_MESSAGE"   // payload: models.ChatMessage
	IntelReport   EventType = "INTEL_REPORT"   // payload: community incident record
)

// Event is the unit of fan-out between peers. Delivery is best-effort,
// at-most-once per receiving peer, and never back to the sender.
type Event struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"sender_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent marshals payload and stamps the event. A payload that cannot
// be marshaled is a programming error surfaced to the caller.
func NewEvent(t EventType, payload any, senderID string) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Payload: b, SenderID: senderID, Timestamp: time.Now()}, nil
}

// decodeEvent parses a wire payload and reports whether it should be
// delivered on this peer. Brokered transports receive their own events
// back; those are identified by sender id and dropped here.
func decodeEvent(peerID string, data []byte) (Event, bool, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, false, err
	}
	if ev.SenderID == peerID {
		return Event{}, false, nil
	}
	return ev, true, nil
}
