// Package websocket defines the frame protocol spoken by the event gateway.
//
// Clients send subscribe and unsubscribe frames carrying bus topic patterns
// and receive event frames as matching envelopes flow. Every frame shares
// one envelope shape; fields that do not apply are omitted.
package websocket

import (
	"encoding/json"
	"time"
)

// FrameType discriminates gateway frames.
type FrameType string

const (
	// Client to server.
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"

	// Server to client.
	FrameSubscribed   FrameType = "subscribed"
	FrameUnsubscribed FrameType = "unsubscribed"
	FrameEvent        FrameType = "event"
	FrameError        FrameType = "error"
)

// Error codes carried by error frames.
const (
	ErrorCodeBadRequest  = "BAD_REQUEST"
	ErrorCodeBadPattern  = "BAD_PATTERN"
	ErrorCodeUnknownType = "UNKNOWN_TYPE"
)

// Frame is the single message envelope, both directions.
type Frame struct {
	Type      FrameType       `json:"type"`
	Topics    []string        `json:"topics,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEventFrame wraps one serialized bus envelope.
func NewEventFrame(topic string, envelope any) (*Frame, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:      FrameEvent,
		Topic:     topic,
		Event:     data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewSubscribedFrame acknowledges accepted patterns.
func NewSubscribedFrame(topics []string) *Frame {
	return &Frame{
		Type:      FrameSubscribed,
		Topics:    topics,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnsubscribedFrame acknowledges removed patterns.
func NewUnsubscribedFrame(topics []string) *Frame {
	return &Frame{
		Type:      FrameUnsubscribed,
		Topics:    topics,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorFrame reports a protocol or pattern error.
func NewErrorFrame(code, message string) *Frame {
	return &Frame{
		Type:      FrameError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// ParseEvent decodes the event payload into v.
func (f *Frame) ParseEvent(v any) error {
	if f.Event == nil {
		return nil
	}
	return json.Unmarshal(f.Event, v)
}
