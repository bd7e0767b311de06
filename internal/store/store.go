// Package store provides the insert-only memory store interface and its
// SQLite implementation.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcliao/agent-supervisor/internal/model"
)

// WriteParams holds the caller-supplied fields of a new memory entry.
// The store assigns memory_id and timestamp.
type WriteParams struct {
	AgentID       string
	Type          string
	Content       string
	Tags          []string
	ProjectID     string
	Status        string
	TaskType      string
	TaskID        string
	MemoryTraceID string
	AgentTone     map[string]any
	Metadata      map[string]any
	GoalID        string
}

func (p WriteParams) validate() error {
	if p.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidEntry)
	}
	if p.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEntry)
	}
	return nil
}

// Store defines the memory storage interface.
type Store interface {
	// Write persists a new entry and returns it with server fields set.
	Write(ctx context.Context, p WriteParams) (*model.MemoryEntry, error)

	// ReadByID returns the entry with the given id, or ErrNotFound.
	ReadByID(ctx context.Context, id string) (*model.MemoryEntry, error)

	// Query returns entries matching every filter, ordered and limited.
	Query(ctx context.Context, f Filter) ([]model.MemoryEntry, error)

	// Close closes the store.
	Close() error
}

var (
	// ErrNotFound is returned when no entry has the requested id.
	ErrNotFound = errors.New("memory not found")
	// ErrInvalidEntry is returned for entries missing required fields.
	ErrInvalidEntry = errors.New("invalid memory entry")
)

// StorageError reports a read or write that failed after the connection
// retry was exhausted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
