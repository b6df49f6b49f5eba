// Package remote defines the backend interface the sync engine replays
// operations against, plus the HTTP implementation for the
// case-management API.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Store is the remote backend contract. The engine only ever needs four
// calls: a full listing per collection, and the three mutations mirroring
// queued operation types.
//
// Insert and UpdateByID return the authoritative row as the server stored
// it, including the server-assigned id and timestamps.
type Store interface {
	ListAll(ctx context.Context, collection string) ([]map[string]any, error)
	Insert(ctx context.Context, collection string, payload map[string]any) (map[string]any, error)
	UpdateByID(ctx context.Context, collection, id string, payload map[string]any) (map[string]any, error)
	DeleteByID(ctx context.Context, collection, id string) error
}

// APIError is a non-2xx response from the backend. The engine treats any
// APIError as a rejection: sync halts and the record is annotated.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the backend. Deleting a
// row the server already dropped counts as success.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
