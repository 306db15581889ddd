// Package registry persists server definitions and their last-known runtime
// status. Definitions are the source of truth for what should run; statuses
// only record what the last load attempt produced.
package registry

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrDuplicateID is returned by Create when the id is already taken.
	ErrDuplicateID = errors.New("definition id already exists")
	// ErrNotFound is returned when no definition exists for the id.
	ErrNotFound = errors.New("definition not found")
	// ErrStorageUnavailable wraps backend I/O failures. Callers treat it as
	// fatal for the single operation, never for the whole process.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ListFilter narrows List results.
type ListFilter struct {
	EnabledOnly bool
	Tags        []string
}

// Page is one slice of a paginated listing. NextCursor is empty when the
// page was not truncated.
type Page struct {
	Definitions []*ServerDefinition `json:"definitions"`
	NextCursor  string              `json:"nextCursor,omitempty"`
}

// DefaultSearchFields are searched when the caller does not name any.
var DefaultSearchFields = []string{"name", "description", "tags"}

// Store is the registry contract. All operations are safe for concurrent
// callers, and mutations are atomic per id.
type Store interface {
	// Create persists a new definition. Fails with ErrDuplicateID if the id
	// exists; the stored definition is left untouched in that case.
	Create(ctx context.Context, def *ServerDefinition) error

	// Get returns the definition for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*ServerDefinition, error)

	// Update replaces the definition for id and bumps UpdatedAt. The id
	// itself is immutable. Returns ErrNotFound if absent.
	Update(ctx context.Context, id string, def *ServerDefinition) error

	// Delete removes the definition and its status row. Returns ErrNotFound
	// if absent.
	Delete(ctx context.Context, id string) error

	// List returns matching definitions in stable id order.
	List(ctx context.Context, filter ListFilter) ([]*ServerDefinition, error)

	// ListPage returns up to limit definitions after the opaque cursor.
	ListPage(ctx context.Context, limit int, cursor string) (*Page, error)

	// Search does a case-insensitive substring match over the given fields
	// (DefaultSearchFields when nil). No match is an empty slice, not an
	// error.
	Search(ctx context.Context, query string, fields []string) ([]*ServerDefinition, error)

	// SetStatus records the runtime state for id. The error message is kept
	// only for StateFailed.
	SetStatus(ctx context.Context, id string, state State, errMsg string) error

	// GetStatus returns the status row for id, or ErrNotFound.
	GetStatus(ctx context.Context, id string) (*RuntimeStatus, error)

	// ListStatuses returns every status row keyed by id.
	ListStatuses(ctx context.Context) (map[string]*RuntimeStatus, error)

	Close() error
}

// matchesFilter applies a ListFilter to one definition.
func matchesFilter(d *ServerDefinition, filter ListFilter) bool {
	if filter.EnabledOnly && !d.Enabled {
		return false
	}
	for _, tag := range filter.Tags {
		if !d.HasTag(tag) {
			return false
		}
	}
	return true
}

// matchesSearch applies a case-insensitive substring search over fields.
func matchesSearch(d *ServerDefinition, query string, fields []string) bool {
	if len(fields) == 0 {
		fields = DefaultSearchFields
	}
	for _, f := range fields {
		switch f {
		case "id":
			if containsFold(d.ID, query) {
				return true
			}
		case "name":
			if containsFold(d.Name, query) {
				return true
			}
		case "description":
			if containsFold(d.Description, query) {
				return true
			}
		case "tags":
			for _, t := range d.Tags {
				if containsFold(t, query) {
					return true
				}
			}
		}
	}
	return false
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
