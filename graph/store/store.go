// Package store provides persistence for workflow checkpoints.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned by Save when a checkpoint with the same ID or
// idempotency key already exists.
var ErrDuplicateKey = errors.New("duplicate checkpoint")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store persists checkpoints.
//
// Checkpoints are opaque to the store: Payload holds the serialized snapshot
// and the remaining fields exist for lookup and ordering. Implementations must
// be safe for concurrent use.
//
// Implementations:
//   - MemStore: in-process, for tests and short-lived runs
//   - SQLiteStore: single-file embedded database
//   - MySQLStore: shared relational database
//   - RedisStore: shared key-value store
type Store interface {
	// Save persists cp. It returns ErrDuplicateKey if cp.ID or a non-empty
	// cp.IdempotencyKey is already stored.
	Save(ctx context.Context, cp Checkpoint) error

	// Load returns the checkpoint with the given ID or ErrNotFound.
	Load(ctx context.Context, id string) (Checkpoint, error)

	// FindByKey returns the checkpoint with the given idempotency key or
	// ErrNotFound.
	FindByKey(ctx context.Context, key string) (Checkpoint, error)

	// List returns the checkpoints of a run ordered by step. An unknown run
	// yields an empty slice.
	List(ctx context.Context, runID string) ([]Checkpoint, error)

	// Delete removes a checkpoint. It returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, id string) error

	Close() error
}

// Checkpoint is one persisted snapshot.
type Checkpoint struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	Step           int       `json:"step"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Payload        []byte    `json:"payload"`
	CreatedAt      time.Time `json:"created_at"`
}
