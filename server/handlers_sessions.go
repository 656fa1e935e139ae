package server

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/onnwee/livetrack/session"
)

// HandleSessions returns session history, optionally scoped by account and
// status, newest first, with a limit.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account := r.URL.Query().Get("account")
	status := r.URL.Query().Get("status")
	limit := parseIntQuery(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	sessions := h.collect(account)
	if status != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if string(s.Status) == status {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	// Newest first.
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	writeJSON(w, http.StatusOK, sessions)
}

// HandleSessionAnalysis aggregates the recorded history into per-account
// rollups: counts, totals, peaks, and watch time.
func (h *Handlers) HandleSessionAnalysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account := r.URL.Query().Get("account")

	type rollup struct {
		Account          string `json:"account"`
		Sessions         int    `json:"sessions"`
		OpenSessions     int    `json:"open_sessions"`
		TotalValue       int    `json:"total_value"`
		PeakViewer       int    `json:"peak_viewer"`
		TotalSeconds     int64  `json:"total_duration_seconds"`
		LongestSeconds   int64  `json:"longest_session_seconds"`
		TopContributor   string `json:"top_contributor,omitempty"`
		ContributorValue int    `json:"top_contributor_value,omitempty"`
	}

	byAccount := make(map[string][]*session.Session)
	if account != "" {
		byAccount[account] = h.deps.Ledger.Sessions(account)
	} else {
		byAccount = h.deps.Ledger.All()
	}

	now := time.Now()
	out := make([]rollup, 0, len(byAccount))
	for name, sessions := range byAccount {
		ru := rollup{Account: name}
		contributors := make(map[string]int)
		for _, s := range sessions {
			ru.Sessions++
			ru.TotalValue += s.TotalValue
			if s.PeakViewer > ru.PeakViewer {
				ru.PeakViewer = s.PeakViewer
			}
			end := s.EndedAt
			if s.Open() {
				ru.OpenSessions++
				end = now
			}
			secs := int64(end.Sub(s.StartedAt) / time.Second)
			if secs < 0 {
				secs = 0
			}
			ru.TotalSeconds += secs
			if secs > ru.LongestSeconds {
				ru.LongestSeconds = secs
			}
			for _, e := range s.Leaderboard {
				contributors[e.Contributor] += e.Value
			}
		}
		for c, v := range contributors {
			if v > ru.ContributorValue || (v == ru.ContributorValue && c < ru.TopContributor) {
				ru.TopContributor, ru.ContributorValue = c, v
			}
		}
		out = append(out, ru)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	writeJSON(w, http.StatusOK, out)
}

// HandleExportCSV streams the session history as CSV.
func (h *Handlers) HandleExportCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := h.collect(r.URL.Query().Get("account"))
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].Account != sessions[j].Account {
			return sessions[i].Account < sessions[j].Account
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "sessions-"+time.Now().UTC().Format("20060102-150405")+".csv"))

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"account", "session_id", "room_id", "status",
		"timestamp_start", "timestamp_monitoring_start", "timestamp_end",
		"duration", "duration_monitored",
		"viewer", "peak_viewer", "total_value", "connection_attempts", "notes"})
	for _, s := range sessions {
		end := ""
		if !s.EndedAt.IsZero() {
			end = s.EndedAt.Format(time.RFC3339)
		}
		_ = cw.Write([]string{
			s.Account, s.ID, s.RoomID, string(s.Status),
			s.StartedAt.Format(time.RFC3339), s.MonitoringStartedAt.Format(time.RFC3339), end,
			s.Duration, s.MonitoredDuration,
			strconv.Itoa(s.Viewer), strconv.Itoa(s.PeakViewer),
			strconv.Itoa(s.TotalValue), strconv.Itoa(s.ConnectionAttempts),
			strconv.Itoa(len(s.Notes)),
		})
	}
	cw.Flush()
}

func (h *Handlers) collect(account string) []*session.Session {
	if account != "" {
		return h.deps.Ledger.Sessions(account)
	}
	var out []*session.Session
	for _, ss := range h.deps.Ledger.All() {
		out = append(out, ss...)
	}
	return out
}
