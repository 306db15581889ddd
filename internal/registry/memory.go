package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store, used for tests and single-process runs
// without a database path configured.
type MemoryStore struct {
	mu       sync.RWMutex
	defs     map[string]*ServerDefinition
	statuses map[string]*RuntimeStatus
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:     make(map[string]*ServerDefinition),
		statuses: make(map[string]*RuntimeStatus),
	}
}

// Create persists a new definition.
func (s *MemoryStore) Create(_ context.Context, def *ServerDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[def.ID]; ok {
		return ErrDuplicateID
	}

	now := time.Now().UTC()
	stored := def.Clone()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.defs[def.ID] = stored
	s.statuses[def.ID] = &RuntimeStatus{ID: def.ID, State: StateUnloaded, LastTransitionAt: now}

	def.CreatedAt = now
	def.UpdatedAt = now
	return nil
}

// Get returns the definition for id.
func (s *MemoryStore) Get(_ context.Context, id string) (*ServerDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return def.Clone(), nil
}

// Update replaces the definition for id, keeping id and CreatedAt.
func (s *MemoryStore) Update(_ context.Context, id string, def *ServerDefinition) error {
	updated := def.Clone()
	updated.ID = id
	if err := updated.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.defs[id]
	if !ok {
		return ErrNotFound
	}

	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.defs[id] = updated
	return nil
}

// Delete removes the definition and its status row.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[id]; !ok {
		return ErrNotFound
	}
	delete(s.defs, id)
	delete(s.statuses, id)
	return nil
}

// List returns matching definitions sorted by id.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*ServerDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ServerDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		if matchesFilter(def, filter) {
			result = append(result, def.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ListPage returns up to limit definitions with ids greater than the cursor.
func (s *MemoryStore) ListPage(_ context.Context, limit int, cursor string) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.defs))
	for id := range s.defs {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	page := &Page{Definitions: make([]*ServerDefinition, 0, limit)}
	for _, id := range ids {
		if len(page.Definitions) == limit {
			page.NextCursor = page.Definitions[limit-1].ID
			break
		}
		page.Definitions = append(page.Definitions, s.defs[id].Clone())
	}
	return page, nil
}

// Search matches query against the requested fields.
func (s *MemoryStore) Search(_ context.Context, query string, fields []string) ([]*ServerDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ServerDefinition, 0)
	for _, def := range s.defs {
		if matchesSearch(def, query, fields) {
			result = append(result, def.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// SetStatus records the runtime state for id.
func (s *MemoryStore) SetStatus(_ context.Context, id string, state State, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[id]; !ok {
		return ErrNotFound
	}
	if state != StateFailed {
		errMsg = ""
	}
	s.statuses[id] = &RuntimeStatus{
		ID:               id,
		State:            state,
		Error:            errMsg,
		LastTransitionAt: time.Now().UTC(),
	}
	return nil
}

// GetStatus returns the status row for id.
func (s *MemoryStore) GetStatus(_ context.Context, id string) (*RuntimeStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.statuses[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *st
	return &out, nil
}

// ListStatuses returns every status row keyed by id.
func (s *MemoryStore) ListStatuses(_ context.Context) (map[string]*RuntimeStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*RuntimeStatus, len(s.statuses))
	for id, st := range s.statuses {
		out := *st
		result[id] = &out
	}
	return result, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
