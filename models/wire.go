package models

import (
	"encoding/json"
)

// FrameType enumerates the message envelope types carried over the
// subscription websocket.
type FrameType string

const (
	FrameStart    FrameType = "start"
	FrameStop     FrameType = "stop"
	FrameData     FrameType = "data"
	FrameComplete FrameType = "complete"
	FrameError    FrameType = "error"
)

// Frame is the wire envelope. ID is the client-chosen subscription id and is
// unique per connection, not globally.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscriptionArgs are the client supplied arguments of a start frame.
// Topic empty means the global subscription flavor. Fields empty means the
// full snippet shape. AuthToken, when present, re-resolves the session
// identity for this and subsequent operations.
type SubscriptionArgs struct {
	Topic     string   `json:"topic,omitempty"`
	Fields    []string `json:"fields,omitempty"`
	AuthToken string   `json:"authToken,omitempty"`
}

// DataPayload is the payload of every data frame. A subscription
// confirmation is a DataPayload whose Data is nil, which serializes to
// {"data":null} and is therefore distinguishable from any real event.
type DataPayload struct {
	Data *EventPayload `json:"data"`
}

// EventPayload is a projected event as one subscriber sees it. Snippet holds
// only the fields that subscription asked for.
type EventPayload struct {
	Topic   string         `json:"topic,omitempty"`
	Sender  string         `json:"sender"`
	Snippet map[string]any `json:"snippet,omitempty"`
	OK      bool           `json:"ok"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Errors []ErrorEntry `json:"errors"`
}

type ErrorEntry struct {
	Message string `json:"message"`
}

// NewFrame builds an outbound frame, marshalling the payload. A nil payload
// produces a frame with no payload at all (used by complete frames).
func NewFrame(t FrameType, id string, payload any) Frame {
	f := Frame{Type: t, ID: id}
	if payload == nil {
		return f
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payload types are our own structs; this cannot fail at runtime.
		panic(err)
	}
	f.Payload = raw
	return f
}

// ErrorFrame builds an error frame scoped to one subscription id.
func ErrorFrame(id string, message string) Frame {
	return NewFrame(FrameError, id, ErrorPayload{
		Errors: []ErrorEntry{{Message: message}},
	})
}
