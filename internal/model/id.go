package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewConnectionID generates a ULID string identifying one live push
// connection. Successive connections of the same session get distinct IDs.
func NewConnectionID() string {
	return ulid.Make().String()
}

// NewSessionID generates a session identifier for push clients that did not
// supply their own.
func NewSessionID() string {
	return uuid.NewString()
}
