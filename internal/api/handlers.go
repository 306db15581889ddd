package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dynamiq/mcphub/internal/auth"
	"github.com/dynamiq/mcphub/internal/hub"
	"github.com/dynamiq/mcphub/internal/registry"
)

const redactedSecret = "***"

// Handlers contains all HTTP handlers
type Handlers struct {
	store        registry.Store
	hub          *hub.Hub
	tokenManager *auth.TokenManager
}

// NewHandlers creates new handlers
func NewHandlers(store registry.Store, h *hub.Hub, tm *auth.TokenManager) *Handlers {
	return &Handlers{store: store, hub: h, tokenManager: tm}
}

// ServerView is a definition merged with its last-known runtime status.
// Credential material is redacted before it leaves the process.
type ServerView struct {
	*registry.ServerDefinition
	Status *registry.RuntimeStatus `json:"status,omitempty"`
}

func redactDefinition(def *registry.ServerDefinition) *registry.ServerDefinition {
	out := def.Clone()
	if out.AuthConfig != nil {
		if out.AuthConfig.Token != "" {
			out.AuthConfig.Token = redactedSecret
		}
		if out.AuthConfig.Key != "" {
			out.AuthConfig.Key = redactedSecret
		}
		if out.AuthConfig.Password != "" {
			out.AuthConfig.Password = redactedSecret
		}
	}
	return out
}

func (h *Handlers) view(ctx context.Context, def *registry.ServerDefinition) ServerView {
	v := ServerView{ServerDefinition: redactDefinition(def)}
	if status, err := h.store.GetStatus(ctx, def.ID); err == nil {
		v.Status = status
	}
	return v
}

// Health reports aggregate hub health: ok when every enabled server is
// healthy, degraded when some failed, unhealthy (503) when all did.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	defs, err := h.store.List(r.Context(), registry.ListFilter{EnabledOnly: true})
	if err != nil {
		writeError(w, err)
		return
	}
	statuses, err := h.store.ListStatuses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	var healthy, failed int
	for _, def := range defs {
		status, ok := statuses[def.ID]
		if !ok {
			continue
		}
		switch status.State {
		case registry.StateHealthy:
			healthy++
		case registry.StateFailed:
			failed++
		}
	}

	overall := "ok"
	code := http.StatusOK
	switch {
	case len(defs) > 0 && healthy == 0 && failed > 0:
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	case failed > 0:
		overall = "degraded"
	}

	writeJSON(w, code, map[string]any{
		"status":  overall,
		"servers": len(defs),
		"healthy": healthy,
		"failed":  failed,
	})
}

// CreateServer registers a new definition and kicks off its load in the
// background when it is enabled.
func (h *Handlers) CreateServer(w http.ResponseWriter, r *http.Request) {
	var def registry.ServerDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "invalid JSON body: "+err.Error()))
		return
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}

	if err := h.store.Create(r.Context(), &def); err != nil {
		writeError(w, err)
		return
	}

	if def.Enabled {
		h.loadAsync(def.ID)
	}
	writeJSON(w, http.StatusCreated, h.view(r.Context(), &def))
}

// ListServers lists definitions, optionally filtered by enabled state and
// tags, with cursor pagination when a limit is given.
func (h *Handlers) ListServers(w http.ResponseWriter, r *http.Request) {
	filter := registry.ListFilter{
		EnabledOnly: r.URL.Query().Get("enabled") == "true",
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "limit must be a positive integer"))
			return
		}
		limit = n
	}

	// Pagination works on the full id order; filters apply to unpaged lists
	if limit > 0 {
		page, err := h.store.ListPage(r.Context(), limit, r.URL.Query().Get("cursor"))
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]ServerView, 0, len(page.Definitions))
		for _, def := range page.Definitions {
			views = append(views, h.view(r.Context(), def))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"servers":    views,
			"nextCursor": page.NextCursor,
		})
		return
	}

	defs, err := h.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]ServerView, 0, len(defs))
	for _, def := range defs {
		views = append(views, h.view(r.Context(), def))
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": views})
}

// SearchServers runs a case-insensitive substring search across the
// requested fields (name, description and tags by default).
func (h *Handlers) SearchServers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	var fields []string
	if raw := r.URL.Query().Get("fields"); raw != "" {
		fields = strings.Split(raw, ",")
	}

	defs, err := h.store.Search(r.Context(), query, fields)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]ServerView, 0, len(defs))
	for _, def := range defs {
		views = append(views, h.view(r.Context(), def))
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": views})
}

// GetServer returns one definition with its status
func (h *Handlers) GetServer(w http.ResponseWriter, r *http.Request) {
	def, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(r.Context(), def))
}

// UpdateServer merges a partial body into the stored definition and reloads
// its backend in the background so the mount reflects the new config. Fields
// absent from the body keep their stored values.
func (h *Handlers) UpdateServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	existing, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	def := existing.Clone()
	if err := json.NewDecoder(r.Body).Decode(def); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "invalid JSON body: "+err.Error()))
		return
	}
	def.ID = id

	if err := h.store.Update(r.Context(), id, def); err != nil {
		writeError(w, err)
		return
	}

	h.loadAsync(id)
	writeJSON(w, http.StatusOK, h.view(r.Context(), def))
}

// DeleteServer unmounts and removes a definition
func (h *Handlers) DeleteServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.hub.Remove(r.Context(), id)
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetServerStatus returns the runtime status row for one definition
func (h *Handlers) GetServerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.store.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ReloadServer tears down and re-loads one backend. The load runs in the
// background; poll the status endpoint for the outcome.
func (h *Handlers) ReloadServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.loadAsync(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "reloading"})
}

// EnableServer marks a definition enabled and loads it
func (h *Handlers) EnableServer(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableServer unmounts a definition and marks it disabled
func (h *Handlers) DisableServer(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handlers) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	def, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if def.Enabled != enabled {
		def.Enabled = enabled
		if err := h.store.Update(r.Context(), id, def); err != nil {
			writeError(w, err)
			return
		}
	}

	h.loadAsync(id)
	writeJSON(w, http.StatusOK, h.view(r.Context(), def))
}

// ServeMounted dispatches a request under /servers/{id}/ to the live
// backend. Unknown ids are 404; known-but-unavailable ids are 503 with the
// recorded failure reason.
func (h *Handlers) ServeMounted(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	handle, ok := h.hub.Handle(id)
	if !ok {
		reason := "server is not loaded"
		if status, err := h.store.GetStatus(r.Context(), id); err == nil {
			reason = "server is " + string(status.State)
			if status.Error != "" {
				reason += ": " + status.Error
			}
		}
		writeJSON(w, http.StatusServiceUnavailable, errorBody("server_unavailable", reason))
		return
	}

	http.StripPrefix("/servers/"+id, handle.Handler()).ServeHTTP(w, r)
}

// loadAsync runs a load cycle off the request path; results land in the
// status store.
func (h *Handlers) loadAsync(id string) {
	go func() {
		if err := h.hub.Reload(context.Background(), id); err != nil {
			log.Printf("api: background reload of %s: %v", id, err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func errorBody(code, message string) map[string]string {
	return map[string]string{"error": code, "message": message}
}

// writeError maps registry errors onto HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	var verr *registry.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", verr.Error()))
	case errors.Is(err, registry.ErrDuplicateID):
		writeJSON(w, http.StatusConflict, errorBody("duplicate_id", err.Error()))
	case errors.Is(err, registry.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not_found", err.Error()))
	case errors.Is(err, registry.ErrStorageUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("storage_unavailable", err.Error()))
	default:
		log.Printf("api: internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal", "internal server error"))
	}
}
