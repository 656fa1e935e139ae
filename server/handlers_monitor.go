package server

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/onnwee/livetrack/telemetry"
)

// HandleAccounts lists (GET) or replaces (POST) the tracked-account set. The
// replacement is mirrored to the account list file so restarts keep it.
func (h *Handlers) HandleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		names := h.deps.Supervisor.Tracked()
		out := make([]map[string]string, 0, len(names))
		for _, name := range names {
			class, _ := h.deps.Supervisor.Classification(name)
			out = append(out, map[string]string{"account": name, "status": class.String()})
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var body struct {
			Accounts []string `json:"accounts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		cleaned := normalizeAccounts(body.Accounts)
		if len(cleaned) == 0 {
			http.Error(w, "accounts list empty", http.StatusBadRequest)
			return
		}
		h.deps.Supervisor.SetTracked(cleaned)
		if h.deps.AccountsPath != "" {
			if err := writeAccountList(h.deps.AccountsPath, cleaned); err != nil {
				telemetry.LoggerWithCorr(r.Context()).Warn("account list file write failed", slog.Any("err", err))
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"tracked": cleaned})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleCheckLive re-probes every offline or errored account and returns the
// classification breakdown.
func (h *Handlers) HandleCheckLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := h.deps.Supervisor.ProbeAll(r.Context())
	writeJSON(w, http.StatusOK, snap)
}

// HandleStartMonitoring probes, attaches listeners to everything live, and
// persists the monitoring flag for restart recovery.
func (h *Handlers) HandleStartMonitoring(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	h.deps.Supervisor.ProbeAll(ctx)
	h.deps.Supervisor.BeginMonitoring(ctx)
	if h.deps.Recovery != nil {
		h.deps.Recovery.MarkActive(ctx)
	}
	writeJSON(w, http.StatusOK, h.deps.Supervisor.Snapshot())
}

// HandleStopMonitoring releases every connection and clears the recovery flag.
func (h *Handlers) HandleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.deps.Supervisor.StopAll()
	if h.deps.Recovery != nil {
		h.deps.Recovery.ClearActive(r.Context())
	}
	writeJSON(w, http.StatusOK, h.deps.Supervisor.Snapshot())
}

// HandleStopAndReset stops everything and synchronously flushes the
// persistence queue so no buffered snapshot is lost.
func (h *Handlers) HandleStopAndReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	h.deps.Supervisor.StopAll()
	if h.deps.Recovery != nil {
		h.deps.Recovery.ClearActive(ctx)
	}
	if err := h.deps.Queue.Flush(ctx); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("flush on stop-and-reset", slog.Any("err", err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts":       h.deps.Supervisor.Snapshot(),
		"pending_writes": h.deps.Queue.Pending(),
	})
}

func normalizeAccounts(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(strings.TrimPrefix(a, "@"))
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func writeAccountList(path string, accounts []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	for _, a := range accounts {
		if _, err := bw.WriteString(a + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}
