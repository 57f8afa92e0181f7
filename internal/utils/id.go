package utils

import "github.com/google/uuid"

// LocalIDPrefix marks identifiers generated on this client, never by the server.
const LocalIDPrefix = "local-"

// NewID returns a client-generated identifier for not-yet-acknowledged messages.
func NewID() string {
	return LocalIDPrefix + uuid.NewString()
}
