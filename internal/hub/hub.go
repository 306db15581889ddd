// Package hub orchestrates the lifecycle of registered MCP servers: it
// loads enabled definitions through the loader set, tracks each one's
// runtime state, and hands mounted handles to the HTTP layer. One server
// failing to load never affects the others.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dynamiq/mcphub/internal/loader"
	"github.com/dynamiq/mcphub/internal/registry"
)

// DefaultLoadTimeout bounds a single load attempt end to end (fetching,
// installing, handshaking).
const DefaultLoadTimeout = 30 * time.Second

// Hub owns all live handles. All methods are safe for concurrent use.
type Hub struct {
	store   registry.Store
	loaders *loader.Set
	timeout time.Duration

	mu      sync.RWMutex
	handles map[string]*loader.Handle
}

// Option configures a Hub.
type Option func(*Hub)

// WithLoadTimeout overrides the per-attempt load timeout.
func WithLoadTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New creates a hub over the given store and loader set.
func New(store registry.Store, loaders *loader.Set, opts ...Option) *Hub {
	h := &Hub{
		store:   store,
		loaders: loaders,
		timeout: DefaultLoadTimeout,
		handles: make(map[string]*loader.Handle),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start loads every enabled definition concurrently and returns once all of
// them have settled into healthy, failed, or disabled. No definition is left
// in loading after Start returns.
func (h *Hub) Start(ctx context.Context) error {
	defs, err := h.store.List(ctx, registry.ListFilter{})
	if err != nil {
		return fmt.Errorf("list definitions: %w", err)
	}

	var wg sync.WaitGroup
	for _, def := range defs {
		if !def.Enabled {
			h.setStatus(ctx, def.ID, registry.StateDisabled, "")
			continue
		}
		wg.Add(1)
		go func(def *registry.ServerDefinition) {
			defer wg.Done()
			h.loadOne(ctx, def)
		}(def)
	}
	wg.Wait()
	return nil
}

// loadOne runs the full attempt cycle for one definition and records the
// outcome. The definition's retry policy caps attempts; the per-attempt
// timeout keeps one slow backend from stalling the rest.
func (h *Hub) loadOne(ctx context.Context, def *registry.ServerDefinition) {
	h.setStatus(ctx, def.ID, registry.StateLoading, "")

	l, ok := h.loaders.For(def.Kind)
	if !ok {
		msg := fmt.Sprintf("no loader for kind %q", def.Kind)
		log.Printf("hub: %s: %s", def.ID, msg)
		h.setStatus(ctx, def.ID, registry.StateFailed, msg)
		return
	}

	policy := def.Retry()
	attempt := func() (*loader.Handle, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		return l.Load(attemptCtx, def)
	}

	handle, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(policy.Wait())),
		backoff.WithMaxTries(uint(policy.Attempts)),
	)
	if err != nil {
		msg := fmt.Sprintf("after %d attempt(s): %v", policy.Attempts, err)
		log.Printf("hub: load %s failed %s", def.ID, msg)
		h.setStatus(ctx, def.ID, registry.StateFailed, msg)
		return
	}

	h.mu.Lock()
	old := h.handles[def.ID]
	h.handles[def.ID] = handle
	h.mu.Unlock()
	if old != nil {
		if cerr := old.Close(); cerr != nil {
			log.Printf("hub: close stale handle for %s: %v", def.ID, cerr)
		}
	}

	log.Printf("hub: %s loaded (kind=%s)", def.ID, def.Kind)
	h.setStatus(ctx, def.ID, registry.StateHealthy, "")
}

// Reload tears down the current handle for id (if any) and runs a fresh
// load cycle. Disabled definitions are not loaded; their state stays
// disabled.
func (h *Hub) Reload(ctx context.Context, id string) error {
	def, err := h.store.Get(ctx, id)
	if err != nil {
		return err
	}

	h.evict(id)

	if !def.Enabled {
		h.setStatus(ctx, id, registry.StateDisabled, "")
		return nil
	}
	h.loadOne(ctx, def)
	return nil
}

// Remove evicts and closes the handle for id. Used when a definition is
// deleted or disabled; the registry row is handled by the caller.
func (h *Hub) Remove(ctx context.Context, id string) {
	h.evict(id)
}

func (h *Hub) evict(id string) {
	h.mu.Lock()
	handle := h.handles[id]
	delete(h.handles, id)
	h.mu.Unlock()
	if handle != nil {
		if err := handle.Close(); err != nil {
			log.Printf("hub: close handle for %s: %v", id, err)
		}
	}
}

// Handle returns the live handle for id, if the server is mounted.
func (h *Hub) Handle(id string) (*loader.Handle, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handle, ok := h.handles[id]
	return handle, ok
}

// MountedIDs returns the ids of all currently mounted servers, sorted.
func (h *Hub) MountedIDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.handles))
	for id := range h.handles {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Shutdown closes every handle. A failing close does not stop the others.
func (h *Hub) Shutdown() error {
	h.mu.Lock()
	handles := h.handles
	h.handles = make(map[string]*loader.Handle)
	h.mu.Unlock()

	var errs []error
	for id, handle := range handles {
		if err := handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// setStatus records a state transition. Status rows are derived state, so a
// temporarily unavailable store is logged and tolerated instead of failing
// the lifecycle operation.
func (h *Hub) setStatus(ctx context.Context, id string, state registry.State, errMsg string) {
	if err := h.store.SetStatus(ctx, id, state, errMsg); err != nil {
		log.Printf("hub: record status %s for %s: %v", state, id, err)
	}
}
