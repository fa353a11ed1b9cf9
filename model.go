package tutoring

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a tutoring session.
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusArchived SessionStatus = "archived"
	StatusDeleted  SessionStatus = "deleted"
)

// CanTransition reports whether moving from s to next is allowed.
// Transitions are forward-only except the explicit restore archived -> active.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusActive:
		return next == StatusArchived || next == StatusDeleted
	case StatusArchived:
		return next == StatusActive
	default:
		return false
	}
}

// ValidateTransition returns ErrInvalidTransition when s cannot move to next.
func (s SessionStatus) ValidateTransition(next SessionStatus) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// MessageType is the modality of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageVoice MessageType = "voice"
	MessageImage MessageType = "image"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageVoice, MessageImage:
		return true
	}
	return false
}

// Session is the persisted record of one tutoring conversation.
type Session struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	Subject      string        `json:"subject"`
	Status       SessionStatus `json:"status"`
	MessageCount int64         `json:"message_count"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActive   time.Time     `json:"last_active"`
}

// Message is a single persisted turn half. Owned by exactly one session.
type Message struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Sender     Sender      `json:"sender"`
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	ImageURL   string      `json:"image_url,omitempty"`
	TokenUsage int         `json:"token_usage"`
	CreatedAt  time.Time   `json:"created_at"`
}

// SessionFields is a partial update of a session. Nil fields are left unchanged.
type SessionFields struct {
	Status     *SessionStatus
	Subject    *string
	LastActive *time.Time
}

// Aggregate stat fields maintained per owner.
const (
	StatTotalMessages = "total_messages"
	StatTextMessages  = "text_messages"
	StatVoiceMessages = "voice_messages"
	StatImageMessages = "image_messages"
	StatTokensUsed    = "tokens_used"
	StatSessions      = "sessions"
)

// StatFields lists every aggregate stat a gateway must accept.
var StatFields = []string{
	StatTotalMessages,
	StatTextMessages,
	StatVoiceMessages,
	StatImageMessages,
	StatTokensUsed,
	StatSessions,
}

// ValidStatField reports whether field is an aggregate stat.
func ValidStatField(field string) bool {
	for _, f := range StatFields {
		if f == field {
			return true
		}
	}
	return false
}

// StatFieldFor returns the per-type message counter for t.
func StatFieldFor(t MessageType) string {
	switch t {
	case MessageVoice:
		return StatVoiceMessages
	case MessageImage:
		return StatImageMessages
	default:
		return StatTextMessages
	}
}
