// Package session tracks one live-broadcast session per account: creation,
// continuation-vs-rollover decisions, event aggregation, and finalization.
package session

import (
	"crypto/md5" //nolint:gosec // G401: session ids need collision resistance, not cryptographic strength
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Status of a session record.
type Status string

const (
	StatusLive      Status = "live"
	StatusFinalized Status = "finalized"
)

// recentGiftCap bounds the most-recent-gifts buffer kept on an open session.
const recentGiftCap = 10

// leaderboardCap bounds the leaderboard retained after finalize.
const leaderboardCap = 10

// GiftEntry is one aggregated entry in the recent-gifts buffer. Consecutive
// identical gifts (same contributor, item, and timestamp) are merged.
type GiftEntry struct {
	Contributor string    `json:"contributor"`
	Item        string    `json:"item"`
	Value       int       `json:"value"`
	Count       int       `json:"count"`
	Timestamp   time.Time `json:"timestamp"`
}

// LeaderboardEntry maps a contributor to their cumulative contributed value.
// Entries keep insertion order; ties at trim time break toward earlier entries.
type LeaderboardEntry struct {
	Contributor string `json:"contributor"`
	Value       int    `json:"value"`
}

// Note is one free-text annotation on a session.
type Note struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Session is one continuous live broadcast by one account.
type Session struct {
	Account string `json:"account"`
	ID      string `json:"session_id"`
	RoomID  string `json:"room_id,omitempty"`

	// StartedAt is the platform-reported broadcast start when known,
	// otherwise the local observation instant.
	StartedAt           time.Time `json:"timestamp_start"`
	MonitoringStartedAt time.Time `json:"timestamp_monitoring_start"`
	LastUpdateAt        time.Time `json:"last_update"`
	EndedAt             time.Time `json:"timestamp_end,omitempty"`

	Status             Status             `json:"status"`
	Viewer             int                `json:"viewer"`
	PeakViewer         int                `json:"peak_viewer"`
	TotalValue         int                `json:"total_value"`
	Gifts              []GiftEntry        `json:"gifts"`
	Leaderboard        []LeaderboardEntry `json:"leaderboard"`
	Notes              []Note             `json:"notes"`
	ConnectionAttempts int                `json:"connection_attempts"`

	// Set at finalize, formatted "<minutes>m <seconds>s".
	Duration          string `json:"duration,omitempty"`
	MonitoredDuration string `json:"duration_monitored,omitempty"`
}

// NewID derives a deterministic, collision-resistant session id from the
// account, room identity, and creation instant.
func NewID(account, roomID string, at time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s-%s-%d", account, roomID, at.UnixMilli()))) //nolint:gosec
	return fmt.Sprintf("%s_%d_%s", account, at.UnixMilli(), hex.EncodeToString(sum[:])[:8])
}

func newSession(account, roomID string, createTime, now time.Time) *Session {
	start := now
	if !createTime.IsZero() {
		start = createTime
	}
	s := &Session{
		Account:             account,
		ID:                  NewID(account, roomID, now),
		RoomID:              roomID,
		StartedAt:           start.UTC(),
		MonitoringStartedAt: now.UTC(),
		LastUpdateAt:        now.UTC(),
		Status:              StatusLive,
		Gifts:               []GiftEntry{},
		Leaderboard:         []LeaderboardEntry{},
	}
	s.addNote(now, fmt.Sprintf("session started, room %q", roomID))
	return s
}

// Open reports whether the session is still accepting events.
func (s *Session) Open() bool { return s.Status == StatusLive }

func (s *Session) addNote(at time.Time, text string) {
	s.Notes = append(s.Notes, Note{At: at.UTC(), Text: text})
}

// recordViewer overwrites the current viewer count and raises the peak.
func (s *Session) recordViewer(count int, now time.Time) {
	s.Viewer = count
	if count > s.PeakViewer {
		s.PeakViewer = count
	}
	s.LastUpdateAt = now.UTC()
}

// recordGift merges a gift into the recent buffer and aggregates totals.
// The newest entry sits at index 0; identical consecutive gifts collapse into
// one entry with summed count and value; the buffer is capped at
// recentGiftCap. Totals and the leaderboard grow regardless of the cap.
func (s *Session) recordGift(g GiftEntry, now time.Time) {
	if len(s.Gifts) > 0 &&
		s.Gifts[0].Contributor == g.Contributor &&
		s.Gifts[0].Item == g.Item &&
		s.Gifts[0].Timestamp.Equal(g.Timestamp) {
		s.Gifts[0].Count += g.Count
		s.Gifts[0].Value += g.Value
	} else {
		s.Gifts = append([]GiftEntry{g}, s.Gifts...)
		if len(s.Gifts) > recentGiftCap {
			s.Gifts = s.Gifts[:recentGiftCap]
		}
	}
	s.TotalValue += g.Value
	s.addToLeaderboard(g.Contributor, g.Value)
	s.LastUpdateAt = now.UTC()
}

func (s *Session) addToLeaderboard(contributor string, value int) {
	if contributor == "" {
		contributor = "unknown"
	}
	for i := range s.Leaderboard {
		if s.Leaderboard[i].Contributor == contributor {
			s.Leaderboard[i].Value += value
			return
		}
	}
	s.Leaderboard = append(s.Leaderboard, LeaderboardEntry{Contributor: contributor, Value: value})
}

// finalize closes the session. Idempotent: a second call is a no-op and
// returns false. The recent-gifts buffer is cleared; the leaderboard is
// trimmed to its top entries by value, earlier contributors winning ties.
func (s *Session) finalize(now time.Time) bool {
	if s.Status == StatusFinalized {
		return false
	}
	s.EndedAt = now.UTC()
	s.Duration = formatDuration(s.EndedAt.Sub(s.StartedAt))
	s.MonitoredDuration = formatDuration(s.EndedAt.Sub(s.MonitoringStartedAt))
	s.Gifts = []GiftEntry{}
	sort.SliceStable(s.Leaderboard, func(i, j int) bool {
		return s.Leaderboard[i].Value > s.Leaderboard[j].Value
	})
	if len(s.Leaderboard) > leaderboardCap {
		s.Leaderboard = s.Leaderboard[:leaderboardCap]
	}
	s.Status = StatusFinalized
	s.LastUpdateAt = s.EndedAt
	return true
}

// formatDuration renders "<minutes>m <seconds>s", floored at zero.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	mins := int(d / time.Minute)
	secs := int(d%time.Minute) / int(time.Second)
	return fmt.Sprintf("%dm %ds", mins, secs)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Gifts = append([]GiftEntry(nil), s.Gifts...)
	cp.Leaderboard = append([]LeaderboardEntry(nil), s.Leaderboard...)
	cp.Notes = append([]Note(nil), s.Notes...)
	return &cp
}
