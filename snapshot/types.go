package snapshot

import (
	"time"

	"github.com/creastat/tutoring"
)

// Snapshot is a serialized copy of a session context kept outside the primary store.
// It is only usable for recovery when both SessionID and OwnerID are set.
type Snapshot struct {
	SessionID   string              `json:"session_id"`
	OwnerID     string              `json:"owner_id"`
	Subject     string              `json:"subject"`
	History     []tutoring.Message  `json:"history"`
	Curriculum  tutoring.Curriculum `json:"curriculum"`
	LastUpdated time.Time           `json:"last_updated"`
	Version     int64               `json:"version"` // Incremented on every save
}

// Valid reports whether the snapshot carries both identifiers.
func (s *Snapshot) Valid() bool {
	return s != nil && s.SessionID != "" && s.OwnerID != ""
}

// FromContext captures sc as a snapshot.
func FromContext(sc tutoring.SessionContext) *Snapshot {
	c := sc.Clone()
	return &Snapshot{
		SessionID:  c.SessionID,
		OwnerID:    c.OwnerID,
		Subject:    c.Subject,
		History:    c.History,
		Curriculum: c.Curriculum,
	}
}

// Context rebuilds a session context from the snapshot.
func (s *Snapshot) Context() tutoring.SessionContext {
	sc := tutoring.SessionContext{
		SessionID:  s.SessionID,
		OwnerID:    s.OwnerID,
		Subject:    s.Subject,
		History:    s.History,
		Curriculum: s.Curriculum,
		Provenance: tutoring.RecoveredFromSnapshot{SnapshotUpdated: s.LastUpdated},
	}
	if sc.History == nil {
		sc.History = []tutoring.Message{}
	}
	return sc.Clone()
}
