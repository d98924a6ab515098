// Package progress provides the KV/progress fabric: TTL-bounded workflow
// metadata plus a best-effort pub/sub progress stream, both backed by one
// key/value store.
package progress

import "fmt"

// EventType classifies a progress event.
type EventType string

// Event types published on merchant channels.
const (
	// EventProgress reports intermediate percent-complete within a stage.
	EventProgress EventType = "progress"

	// EventStage reports a stage transition (started, completed, failed).
	EventStage EventType = "stage"

	// EventCompletion reports terminal workflow success.
	EventCompletion EventType = "completion"

	// EventError reports terminal workflow failure.
	EventError EventType = "error"
)

// Event is the wire format published on merchant progress channels.
//
// Delivery is best-effort FIFO per publisher. Consumers must tolerate
// missed or reordered events; the source of truth is the workflow
// metadata and the database, never the event stream.
type Event struct {
	// Type is one of progress, stage, completion, error.
	Type EventType `json:"type"`

	// WorkflowID identifies the workflow this event belongs to.
	WorkflowID string `json:"workflow_id"`

	// Stage is the stage tag that produced the event (one of the six tags).
	Stage string `json:"stage"`

	// Percent is workflow progress, 0..100.
	Percent int `json:"percent"`

	// Message is an optional human-readable note.
	Message string `json:"message,omitempty"`

	// TS is the publish time in epoch milliseconds.
	TS int64 `json:"ts"`

	// Extra carries event-specific structured data, e.g. {"line_items": 3}.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Channel returns the pub/sub channel name for a merchant and event type.
//
// Channel naming follows merchant:{id}:{type}, e.g. "merchant:m-42:progress".
func Channel(merchantID string, t EventType) string {
	return fmt.Sprintf("merchant:%s:%s", merchantID, t)
}

// Channels returns all four channel names for a merchant, for subscribers
// that want the full event stream.
func Channels(merchantID string) []string {
	return []string{
		Channel(merchantID, EventProgress),
		Channel(merchantID, EventStage),
		Channel(merchantID, EventCompletion),
		Channel(merchantID, EventError),
	}
}
