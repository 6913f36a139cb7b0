package id

import "github.com/google/uuid"

// NewBatch returns a random batch identifier.
func NewBatch() string {
	return "batch-" + uuid.NewString()
}
