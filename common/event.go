package common

import (
	"encoding/json"
	"fmt"
)

// PushEvent is a request to deliver a named event to a live connection subject,
// or to every connected subject when Broadcast is set.
type PushEvent struct {
	// Subject is the target subject. Ignored when Broadcast is set.
	Subject string `json:"subject,omitempty" validate:"required_without=Broadcast,max=256,printascii"`
	// Broadcast whether to deliver to every connected subject
	Broadcast bool `json:"broadcast,omitempty"`
	// Event is the event name
	Event string `json:"event" validate:"required,max=128,printascii"`
	// Payload is the opaque JSON payload of the event
	Payload json.RawMessage `json:"payload,omitempty"`
}

// String toString function
func (e PushEvent) String() string {
	if e.Broadcast {
		return fmt.Sprintf("EVENT[%s]@*", e.Event)
	}
	return fmt.Sprintf("EVENT[%s]@%s", e.Event, e.Subject)
}
