// Package server exposes the HTTP API handlers.
package server

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/onnwee/livetrack/bus"
	"github.com/onnwee/livetrack/monitor"
	"github.com/onnwee/livetrack/recovery"
	"github.com/onnwee/livetrack/session"
)

// Deps holds the wired core components the handlers act on. DB and Flags may
// be nil when the database is unavailable; the affected endpoints degrade.
type Deps struct {
	DB           *sql.DB
	Flags        recovery.FlagStore
	Supervisor   *monitor.Supervisor
	Checker      *monitor.AutoChecker
	Ledger       *session.Ledger
	Queue        *session.WriteQueue
	Gate         *monitor.RateGate
	Bus          *bus.Bus
	Recovery     *recovery.Manager
	AccountsPath string
	CSVExport    bool
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// HandleHealthz responds to liveness probe requests. The process is healthy
// as long as it can serve; database state is a readiness concern.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return errDegraded("database unavailable, running on fallback persistence")
			}
			return h.deps.DB.PingContext(r.Context())
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports the supervisor snapshot, rate gate usage, and queue
// depth in one JSON document.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := h.deps.Supervisor.Snapshot()
	out := map[string]any{
		"accounts":            snap,
		"monitoring":          snap.Monitoring,
		"autochecker_running": h.deps.Checker != nil && h.deps.Checker.Running(),
		"rate_gate":           h.deps.Gate.Status(),
		"pending_writes":      h.deps.Queue.Pending(),
		"sse_subscribers":     h.deps.Bus.Subscribers(),
	}
	writeJSON(w, http.StatusOK, out)
}

type errDegraded string

func (e errDegraded) Error() string { return string(e) }
