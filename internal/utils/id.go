package utils

import "github.com/google/uuid"

// NewConnectionID returns a fresh opaque connection identifier.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewInstanceID names this server process among instances sharing a store.
func NewInstanceID() string {
	return "node-" + uuid.NewString()[:8]
}
