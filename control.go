package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/always-cache/offline-cache/cache"

	"github.com/go-chi/chi/v5"
)

// DefaultControlPath is where ControlHandler is usually mounted.
const DefaultControlPath = "/__offline"

const maxMessageBytes = 4 << 10

// ControlHandler returns the routes for managing the cache:
//
//	POST /message  deliver a message such as SKIP_WAITING
//	POST /update   register a new version, e.g. {"version":"v9"}
//	GET  /status   workers and caches as JSON
//	GET  /caches/{name}  URLs stored in a cache as JSON
func (o *OfflineCache) ControlHandler() http.Handler {
	r := chi.NewRouter()
	r.Post("/message", o.handleMessage)
	r.Post("/update", o.handleUpdate)
	r.Get("/status", o.handleStatus)
	r.Get("/caches/{name}", o.handleEntries)
	return r
}

// parseMessage accepts a bare message, a JSON string, or an object with a type.
func parseMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	var s string
	if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
		return s
	}
	var m struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(trimmed), &m); err == nil && m.Type != "" {
		return m.Type
	}
	return trimmed
}

func (o *OfflineCache) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "Could not read message", http.StatusBadRequest)
		return
	}
	err = o.Message(r.Context(), parseMessage(body))
	switch {
	case errors.Is(err, ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNoWaitingWorker):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		o.writeStatus(w, r, http.StatusOK)
	}
}

type updateRequest struct {
	Version string `json:"version"`
}

func (o *OfflineCache) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes)).Decode(&req); err != nil {
		http.Error(w, "Could not parse update request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Version) == "" {
		http.Error(w, "version is required", http.StatusBadRequest)
		return
	}
	// the install outlives the request
	o.tasks.Go("update", func(ctx context.Context) error {
		_, err := o.Update(ctx, req.Version)
		return err
	})
	w.WriteHeader(http.StatusAccepted)
	io.WriteString(w, "Installing "+req.Version+"...")
}

func (o *OfflineCache) handleStatus(w http.ResponseWriter, r *http.Request) {
	o.writeStatus(w, r, http.StatusOK)
}

func (o *OfflineCache) writeStatus(w http.ResponseWriter, r *http.Request, code int) {
	status, err := o.Status(r.Context())
	if err != nil {
		getLogger(r, o.log).Error().Err(err).Msg("Could not get status")
		http.Error(w, "Could not get status", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		getLogger(r, o.log).Error().Err(err).Msg("Could not write status")
	}
}

type cacheEntries struct {
	Name string   `json:"name"`
	URLs []string `json:"urls"`
}

func (o *OfflineCache) handleEntries(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	urls, err := o.Entries(r.Context(), name)
	if errors.Is(err, cache.ErrCacheNotFound) {
		http.Error(w, "No cache named "+name, http.StatusNotFound)
		return
	}
	if err != nil {
		getLogger(r, o.log).Error().Err(err).Str("cache", name).Msg("Could not list cache entries")
		http.Error(w, "Could not list cache entries", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cacheEntries{Name: name, URLs: urls}); err != nil {
		getLogger(r, o.log).Error().Err(err).Msg("Could not write cache entries")
	}
}
