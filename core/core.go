package core

import "github.com/google/uuid"

// NewID generates a unique identifier for tasks, sessions, peers and
// proposals. Ids are never reused.
func NewID() string { return uuid.NewString() }
