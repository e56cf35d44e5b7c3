package dockermeta

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by a Backend when the daemon affirmatively
// reports that the container does not exist.
var ErrNotFound = errors.New("container not found")

// Backend looks up container metadata by ID.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Lookup returns the container's metadata, an error matching
	// ErrNotFound, or any other error for a failed lookup.
	Lookup(ctx context.Context, id string) (Metadata, error)
}

// BackendError is a failed lookup that says nothing about whether the
// container exists. It is never cached.
type BackendError struct {
	ID  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("lookup container %s: %v", shortID(e.ID), e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// shortID trims an ID to the 12-character form docker prints.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
