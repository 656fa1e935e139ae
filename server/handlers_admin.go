package server

import (
	"io"
	"net/http"
	"strings"
)

// HandleFlags reads, writes, or clears a named operational flag in the
// key/value store. Path: /api/flags/{name}.
func (h *Handlers) HandleFlags(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/flags/")
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "flag name required", http.StatusBadRequest)
		return
	}
	if h.deps.Flags == nil {
		http.Error(w, "flag store unavailable", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		v, err := h.deps.Flags.GetFlag(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"flag": name, "value": v})
	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if err := h.deps.Flags.SetFlag(r.Context(), name, strings.TrimSpace(string(body))); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"flag": name, "status": "set"})
	case http.MethodDelete:
		if err := h.deps.Flags.DeleteFlag(r.Context(), name); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"flag": name, "status": "deleted"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleBackup forces an immediate synchronous flush of the persistence
// queue, bypassing the debounce.
func (h *Handlers) HandleBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	before := h.deps.Queue.Pending()
	if err := h.deps.Queue.Flush(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"flushed": before - h.deps.Queue.Pending(),
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flushed": before - h.deps.Queue.Pending(),
		"pending": h.deps.Queue.Pending(),
	})
}
