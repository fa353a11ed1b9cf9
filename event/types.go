// Package event defines the events emitted by turns and session lifecycle
// changes, and a watermill-backed bus that fans them out to observers.
package event

import "time"

// EventType represents the type of event.
type EventType string

// Turn stream events. Every turn emits Connection first and exactly one of
// Final or Error last.
const (
	Connection EventType = "connection"
	Section    EventType = "section"
	Final      EventType = "final"
	Error      EventType = "error"
)

// Lifecycle events published on the bus only.
const (
	SessionCreated  EventType = "session.created"
	SessionArchived EventType = "session.archived"
	SessionRestored EventType = "session.restored"
)

// IsTerminal reports whether t ends a turn stream.
func (t EventType) IsTerminal() bool {
	return t == Final || t == Error
}

// Event is one entry of a turn stream or a lifecycle notification.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId"`
}

// New stamps an event with the current time.
func New(t EventType, sessionID string, data any) Event {
	return Event{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
	}
}

// ConnectionData is the data for connection events.
type ConnectionData struct {
	TurnID string `json:"turnId"`
}

// SectionData is the data for section events.
type SectionData struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// FinalData is the data for final events.
type FinalData struct {
	TurnID     string `json:"turnId"`
	MessageID  string `json:"messageId"`
	Section    string `json:"section"`
	TokenUsage int    `json:"tokenUsage"`
	Provenance string `json:"provenance"`
}

// ErrorData is the data for error events.
type ErrorData struct {
	TurnID    string `json:"turnId,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// SessionData is the data for session lifecycle events.
type SessionData struct {
	SessionID string `json:"sessionId"`
	OwnerID   string `json:"ownerId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}
