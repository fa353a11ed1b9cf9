package tutoring

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewSessionID returns a random UUID, matching the sessions table primary key.
func NewSessionID() string {
	return uuid.NewString()
}

// NewMessageID returns a ULID so message IDs sort in creation order.
func NewMessageID() string {
	return ulid.Make().String()
}
