// Package store persists chat sessions and their transcripts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vetosce/osce-tavern/backend/internal/model/chat"
)

// Common errors for session store operations.
var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrVersionConflict  = errors.New("session version conflict")
	ErrNotFound         = errors.New("session not found")
	ErrAlreadyExists    = errors.New("session already exists")
)

// Record is everything persisted for one session.
type Record struct {
	Session   chat.Session   `json:"session"`
	Messages  []chat.Message `json:"messages"`
	Version   int64          `json:"version"` // Monotonically increasing for optimistic locking
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers never share message slices with a store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = append([]chat.Message(nil), r.Messages...)
	for i := range out.Messages {
		if idx := out.Messages[i].StageIndex; idx != nil {
			out.Messages[i].StageIndex = chat.StageAt(*idx)
		}
	}
	return &out
}

// Store defines the interface for session storage operations.
type Store interface {
	// Create stores a new record with Version set to 1.
	// Returns ErrAlreadyExists if the session already exists.
	Create(ctx context.Context, rec *Record) error

	// Get retrieves a record by session ID.
	// Returns ErrNotFound if the session does not exist.
	Get(ctx context.Context, id string) (*Record, error)

	// Update replaces a record with optimistic locking.
	// Verifies the Version matches the stored version, increments Version and
	// updates UpdatedAt on rec.
	// Returns ErrVersionConflict if the version does not match.
	// Returns ErrNotFound if the session does not exist.
	Update(ctx context.Context, rec *Record) error

	// Delete removes a session.
	Delete(ctx context.Context, id string) error

	// Close releases any resources.
	Close() error
}
