package util

import "github.com/google/uuid"

// NewID returns a random UUID string for rows, jobs, lock tokens and request ids.
func NewID() string {
	return uuid.NewString()
}
