package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/livetrack/bus"
	"github.com/onnwee/livetrack/platform"
	"github.com/onnwee/livetrack/telemetry"
)

// Store is the durable sink for session records. Implementations must
// tolerate repeated upserts of the same snapshot.
type Store interface {
	UpsertSession(ctx context.Context, s *Session) error
	LoadAllSessions(ctx context.Context) (map[string][]*Session, error)
}

// Ledger owns the per-account ordered session history and the continuation
// heuristic. It is the only writer of session state; all methods are safe for
// concurrent use.
type Ledger struct {
	mu       sync.Mutex
	sessions map[string][]*Session
	// seen holds processed gift event ids for each account's current open
	// session; replaced (not merged) whenever a new session is created.
	seen map[string]map[string]struct{}

	gap    time.Duration
	maxDur time.Duration

	queue *WriteQueue // nil disables persistence
	bus   *bus.Bus    // nil disables notifications
	now   func() time.Time
}

// NewLedger builds a ledger with the given continuation thresholds. queue and
// notifier may be nil.
func NewLedger(gap, maxDur time.Duration, queue *WriteQueue, b *bus.Bus) *Ledger {
	return &Ledger{
		sessions: make(map[string][]*Session),
		seen:     make(map[string]map[string]struct{}),
		gap:      gap,
		maxDur:   maxDur,
		queue:    queue,
		bus:      b,
		now:      time.Now,
	}
}

// Resolve decides continuation vs. rollover for a fresh probe/connect of
// account and returns the governing session. continued is true when the
// existing open session absorbs the new connection.
//
// Room identity rules first: a differing or unknown room id is always a new
// session. Matching room ids continue only when the time since the last
// update is under the gap threshold AND total elapsed duration is under the
// maximum-duration ceiling.
func (l *Ledger) Resolve(account string, meta platform.RoomMetadata) (*Session, bool) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if meta.RoomID == "" {
		slog.Warn("room identity missing in connect metadata", slog.String("account", account), slog.String("component", "session"))
	}

	open := l.openLocked(account)
	if open != nil && l.sameSessionLocked(open, meta, now) {
		slog.Debug("continuing existing session", slog.String("account", account), slog.String("session_id", open.ID), slog.String("room_id", open.RoomID))
		return open, true
	}
	if open != nil {
		slog.Info("rolling over session", slog.String("account", account),
			slog.String("prev_room", open.RoomID), slog.String("new_room", meta.RoomID))
		l.finalizeLocked(account, open, now)
	}

	s := newSession(account, meta.RoomID, meta.CreateTime, now)
	l.sessions[account] = append(l.sessions[account], s)
	l.seen[account] = make(map[string]struct{})
	telemetry.Init()
	telemetry.SessionsCreated.Inc()
	slog.Info("session created", slog.String("account", account), slog.String("session_id", s.ID), slog.String("room_id", s.RoomID))
	l.persistLocked(s)
	l.notify(bus.TypeSessionUpdated, account, s.Clone())
	return s, false
}

func (l *Ledger) sameSessionLocked(open *Session, meta platform.RoomMetadata, now time.Time) bool {
	// Room identity first: unknown on either side never continues.
	if meta.RoomID == "" || open.RoomID == "" || meta.RoomID != open.RoomID {
		return false
	}
	if now.Sub(open.LastUpdateAt) >= l.gap {
		return false
	}
	if now.Sub(open.StartedAt) >= l.maxDur {
		return false
	}
	return true
}

// ShouldProcess reports whether a gift event id is new for the account's
// current open session, recording it when it is. Empty ids are never
// processed. The seen-set resets only when a new session is created.
func (l *Ledger) ShouldProcess(account, eventID string) bool {
	if eventID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := l.seen[account]
	if seen == nil {
		seen = make(map[string]struct{})
		l.seen[account] = seen
	}
	if _, dup := seen[eventID]; dup {
		return false
	}
	seen[eventID] = struct{}{}
	return true
}

// RecordViewer updates the open session's viewer count (and peak).
func (l *Ledger) RecordViewer(account string, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.openLocked(account)
	if s == nil {
		return
	}
	s.recordViewer(count, l.now())
	l.persistLocked(s)
	l.notify(bus.TypeSessionUpdated, account, s.Clone())
}

// RecordGift aggregates a gift into the open session.
func (l *Ledger) RecordGift(account string, g GiftEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.openLocked(account)
	if s == nil {
		return
	}
	s.recordGift(g, l.now())
	telemetry.Init()
	telemetry.GiftsProcessed.Inc()
	l.persistLocked(s)
	l.notify(bus.TypeSessionUpdated, account, s.Clone())
}

// AddNote appends free text to the open session's notes log.
func (l *Ledger) AddNote(account, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.openLocked(account)
	if s == nil {
		return
	}
	now := l.now()
	s.addNote(now, text)
	s.LastUpdateAt = now.UTC()
	l.persistLocked(s)
}

// RecordConnectionAttempt bumps the open session's connection-attempt count
// (reconnects included), recorded for the persisted session record.
func (l *Ledger) RecordConnectionAttempt(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.openLocked(account)
	if s == nil {
		return
	}
	s.ConnectionAttempts++
	l.persistLocked(s)
}

// Finalize closes the account's open session, if any. Idempotent.
func (l *Ledger) Finalize(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.openLocked(account)
	if s == nil {
		return
	}
	l.finalizeLocked(account, s, l.now())
}

func (l *Ledger) finalizeLocked(account string, s *Session, now time.Time) {
	if !s.finalize(now) {
		return
	}
	telemetry.Init()
	telemetry.SessionsFinalized.Inc()
	slog.Info("session finalized", slog.String("account", account), slog.String("session_id", s.ID),
		slog.String("duration", s.Duration), slog.String("duration_monitored", s.MonitoredDuration),
		slog.Int("peak_viewer", s.PeakViewer), slog.Int("total_value", s.TotalValue))
	l.persistLocked(s)
	l.notify(bus.TypeSessionFinalized, account, s.Clone())
}

func (l *Ledger) openLocked(account string) *Session {
	ss := l.sessions[account]
	if len(ss) == 0 {
		return nil
	}
	last := ss[len(ss)-1]
	if !last.Open() {
		return nil
	}
	return last
}

func (l *Ledger) persistLocked(s *Session) {
	if l.queue != nil {
		l.queue.Enqueue(s.Clone())
	}
	l.updateOpenGaugeLocked()
}

func (l *Ledger) updateOpenGaugeLocked() {
	telemetry.Init()
	open := 0
	for _, ss := range l.sessions {
		if len(ss) > 0 && ss[len(ss)-1].Open() {
			open++
		}
	}
	telemetry.OpenSessionsGauge.Set(float64(open))
}

func (l *Ledger) notify(typ, account string, payload any) {
	if l.bus != nil {
		l.bus.Publish(bus.Notification{Type: typ, Account: account, Payload: payload})
	}
}

// Open returns a snapshot of the account's open session, or nil.
func (l *Ledger) Open(account string) *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.openLocked(account); s != nil {
		return s.Clone()
	}
	return nil
}

// Sessions returns snapshots of all sessions recorded for account, oldest first.
func (l *Ledger) Sessions(account string) []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Session, 0, len(l.sessions[account]))
	for _, s := range l.sessions[account] {
		out = append(out, s.Clone())
	}
	return out
}

// All returns snapshots of every account's session history.
func (l *Ledger) All() map[string][]*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]*Session, len(l.sessions))
	for account, ss := range l.sessions {
		cp := make([]*Session, 0, len(ss))
		for _, s := range ss {
			cp = append(cp, s.Clone())
		}
		out[account] = cp
	}
	return out
}

// LoadFrom replaces the in-memory history with the store's contents. Called
// once on startup before any connection is supervised.
func (l *Ledger) LoadFrom(ctx context.Context, store Store) error {
	loaded, err := store.LoadAllSessions(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for account, ss := range loaded {
		l.sessions[account] = ss
		count += len(ss)
	}
	slog.Info("session history loaded", slog.Int("accounts", len(loaded)), slog.Int("sessions", count))
	return nil
}

// FinalizeHanging probes every account that still has an open live session
// (typically after a restart) and finalizes sessions whose probe did not come
// back live. A live account's session stays open for the supervisor to
// reattach.
func (l *Ledger) FinalizeHanging(ctx context.Context, probe func(ctx context.Context, account string) error) {
	l.mu.Lock()
	var hanging []string
	for account := range l.sessions {
		if l.openLocked(account) != nil {
			hanging = append(hanging, account)
		}
	}
	l.mu.Unlock()
	for _, account := range hanging {
		if ctx.Err() != nil {
			return
		}
		if err := probe(ctx, account); err != nil {
			slog.Info("finalizing hanging session", slog.String("account", account), slog.Any("probe_result", err))
			l.Finalize(account)
		}
	}
}
