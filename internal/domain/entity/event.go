package entity

import "time"

// EventType defines the type of event emitted during a mission run.
type EventType string

const (
	EventThought      EventType = "THOUGHT"
	EventToolStarted  EventType = "TOOL_STARTED"
	EventToolResult   EventType = "TOOL_RESULT"
	EventStateUpdated EventType = "STATE_UPDATED"
	EventAskUser      EventType = "ASK_USER"
	EventComplete     EventType = "COMPLETE"
	EventError        EventType = "ERROR"
)

// Event is an immutable record on the execution stream. Events are
// emitted in strict happens-before order within a single run; nothing
// is emitted after COMPLETE or a pause. Observers must ignore types
// they do not recognize.
type Event struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ EventType, sessionID string, data map[string]any) Event {
	return Event{
		Type:      typ,
		Data:      data,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}
