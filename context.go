package tutoring

import (
	"slices"
	"time"
)

// Provenance records how a SessionContext was obtained.
// The set of variants is closed: Cached, RecoveredFromStore,
// RecoveredFromSnapshot and Minimal. Consumers switch on the concrete type.
type Provenance interface {
	provenance()
	String() string
}

// Cached marks a context served from the session-context cache.
type Cached struct{}

// RecoveredFromStore marks a context rebuilt from the persistence gateway.
type RecoveredFromStore struct{}

// RecoveredFromSnapshot marks a context rebuilt from a stored snapshot.
type RecoveredFromSnapshot struct {
	SnapshotUpdated time.Time
}

// Minimal marks a synthesized context with empty history.
// Cause explains why no real recovery happened and may be nil.
type Minimal struct {
	Cause error
}

func (Cached) provenance()                {}
func (RecoveredFromStore) provenance()    {}
func (RecoveredFromSnapshot) provenance() {}
func (Minimal) provenance()               {}

func (Cached) String() string                { return "cached" }
func (RecoveredFromStore) String() string    { return "recoveredFromStore" }
func (RecoveredFromSnapshot) String() string { return "recoveredFromSnapshot" }
func (Minimal) String() string               { return "minimal" }

// IsMinimal reports whether p is the Minimal variant.
func IsMinimal(p Provenance) bool {
	_, ok := p.(Minimal)
	return ok
}

// Reference is a curriculum excerpt retrieved for a subject.
type Reference struct {
	ID      string  `json:"id"`
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

// Curriculum holds the teaching parameters attached to a session.
type Curriculum struct {
	Level      string      `json:"level"`
	Objectives []string    `json:"objectives,omitempty"`
	References []Reference `json:"references,omitempty"`
}

// DefaultCurriculum returns the parameters used when nothing better is known.
func DefaultCurriculum(subject string) Curriculum {
	objective := "build understanding step by step"
	if subject != "" {
		objective = "build understanding of " + subject + " step by step"
	}
	return Curriculum{
		Level:      "general",
		Objectives: []string{objective},
	}
}

// SessionContext is the ephemeral, derived view of a session used to run a turn.
// It is never the source of truth.
type SessionContext struct {
	SessionID  string
	OwnerID    string
	Subject    string
	History    []Message
	Curriculum Curriculum
	ExpiresAt  time.Time
	Provenance Provenance
}

// NewMinimalContext synthesizes a context with empty history and default curriculum.
func NewMinimalContext(sessionID, ownerID, subject string, cause error) SessionContext {
	return SessionContext{
		SessionID:  sessionID,
		OwnerID:    ownerID,
		Subject:    subject,
		History:    []Message{},
		Curriculum: DefaultCurriculum(subject),
		Provenance: Minimal{Cause: cause},
	}
}

// Clone returns a deep copy so cached values are never shared with callers.
func (c SessionContext) Clone() SessionContext {
	out := c
	out.History = slices.Clone(c.History)
	out.Curriculum.Objectives = slices.Clone(c.Curriculum.Objectives)
	out.Curriculum.References = slices.Clone(c.Curriculum.References)
	return out
}

// HasAssistantMessage reports whether any message in history was authored by the assistant.
func HasAssistantMessage(history []Message) bool {
	for _, m := range history {
		if m.Sender == SenderAssistant {
			return true
		}
	}
	return false
}
