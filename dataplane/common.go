package dataplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrStreamClosed is returned when sending through a stream handle which already terminated
var ErrStreamClosed = errors.New("stream handle is closed")

// EventFrame is one named event written to a live stream
type EventFrame struct {
	// Name is the event name
	Name string `json:"event"`
	// Payload is the JSON encoded event payload
	Payload json.RawMessage `json:"payload,omitempty"`
	// SentAt is when the frame was handed to the stream
	SentAt time.Time `json:"sent_at"`
}

// String toString function
func (f EventFrame) String() string {
	return fmt.Sprintf("FRAME[%s](%dB)", f.Name, len(f.Payload))
}

// DeliveryResult is the outcome of delivering one event to one subject
type DeliveryResult int

const (
	// DeliverySent the event was written to the subject's live stream
	DeliverySent DeliveryResult = iota
	// DeliveryNoActiveConnection the subject has no live stream. The event is dropped.
	DeliveryNoActiveConnection
	// DeliverySendFailed the write failed. The event is dropped, and the stream pruned.
	DeliverySendFailed
	// DeliveryInvalidPayload the payload can't be encoded as JSON. The event is rejected
	// before any write, and the stream is untouched.
	DeliveryInvalidPayload
)

// String toString function
func (r DeliveryResult) String() string {
	switch r {
	case DeliverySent:
		return "sent"
	case DeliveryNoActiveConnection:
		return "no-active-connection"
	case DeliverySendFailed:
		return "send-failed"
	case DeliveryInvalidPayload:
		return "invalid-payload"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ConnectAck is the payload of the frame written when a live stream is established
type ConnectAck struct {
	// HandleID is the ID of the stream handle
	HandleID string `json:"handle_id"`
	// Generation is the registry generation of the connection
	Generation uint64 `json:"generation"`
	// OpenedAt is when the connection was registered
	OpenedAt time.Time `json:"opened_at"`
}

// ConnectionStats aggregate live connection statistics
type ConnectionStats struct {
	// ConnectedSubjects is the number of subjects with a live stream
	ConnectedSubjects int `json:"connected_subjects"`
	// TotalOpened is the number of connections registered since start
	TotalOpened uint64 `json:"total_opened"`
}

// encodePayload helper function to encode an event payload once before sending
func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch typed := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(typed) == 0 {
			return nil, nil
		}
		if !json.Valid(typed) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return typed, nil
	default:
		return json.Marshal(payload)
	}
}
