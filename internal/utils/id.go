package utils

import "github.com/google/uuid"

// NewID returns a random unique identifier for sessions and messages.
func NewID() string {
	return uuid.NewString()
}

// NewOrderedID returns a time-ordered identifier (UUIDv7) so ids sort by creation.
// It falls back to a random id if the clock-based generator fails.
func NewOrderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
