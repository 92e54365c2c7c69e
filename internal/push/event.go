package push

import (
	"encoding/json"
	"fmt"
)

// Event type tags sent to push clients.
const (
	EventExecutionStarted   = "executionStarted"
	EventExecutionWaiting   = "executionWaiting"
	EventExecutionFinished  = "executionFinished"
	EventExecutionRecovered = "executionRecovered"
	EventTestWebhookDeleted = "testWebhookDeleted"
	EventReloadNodeType     = "reloadNodeType"
)

// Event is one discrete frame delivered to push clients: a type tag plus an
// opaque JSON payload.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent builds an event frame, marshaling data as the payload.
func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Data: raw}, nil
}

// Encode renders the frame as the JSON wire payload.
func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return b, nil
}
