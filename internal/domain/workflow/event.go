// Package workflow defines the event model broadcast to observers during a
// workflow run.
package workflow

import (
	"context"
	"time"
)

// Event type constants for observer messages. These form the wire contract
// with the UI: every server→client message carries one of them as its
// "type" discriminator.
const (
	EventUploadComplete    = "upload_complete"
	EventDiscoveryStart    = "discovery_start"
	EventDiscoveryComplete = "discovery_complete"
	EventVisionStart       = "vision_start"
	EventVisionProgress    = "vision_progress"
	EventVisionComplete    = "vision_complete"
	EventVisionError       = "vision_error"
	EventMemoryStart       = "memory_start"
	EventMemoryComplete    = "memory_complete"
	EventMemoryError       = "memory_error"
	EventOrderPlaced       = "order_placed"
	EventThinkingUpdate    = "thinking_update"
)

// Event is one workflow progress message. Created by the orchestrator,
// handed to sinks for delivery, never retained afterwards.
type Event struct {
	Type      string
	Payload   map[string]any
	Timestamp time.Time
}

// NewEvent builds an Event with the current time.
func NewEvent(eventType string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Marshal flattens the event into the wire object: the payload keys plus
// "type" and "timestamp" (unix milliseconds). Payload keys never shadow
// the discriminator.
func (e Event) Marshal() map[string]any {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	out["timestamp"] = e.Timestamp.UnixMilli()
	return out
}

// Sink receives workflow events. Delivery is best-effort: a sink must not
// block the caller indefinitely and must not report per-observer failures
// back to the orchestrator.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}
