package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/livetrack/bus"
	"github.com/onnwee/livetrack/platform"
	"github.com/onnwee/livetrack/session"
	"github.com/onnwee/livetrack/telemetry"
)

// Classification is the supervisor-owned connectivity state of one account.
type Classification int

const (
	StatusOffline Classification = iota
	StatusLive
	StatusConnecting
	StatusConnected
	StatusError
)

func (c Classification) String() string {
	switch c {
	case StatusOffline:
		return "offline"
	case StatusLive:
		return "live"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "offline"
	}
}

// Options tunes the supervisor.
type Options struct {
	ProbeTimeout     time.Duration
	ConnectTimeout   time.Duration
	ReconnectBound   int
	ReconnectBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 15 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.ReconnectBound == 0 {
		o.ReconnectBound = 2
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = 30 * time.Second
	}
	return o
}

// account is one supervised slot. opMu serializes lifecycle transitions for
// the account (probe/connect/disconnect never overlap); mu guards field
// access. opMu is never taken while holding mu.
type account struct {
	name string

	opMu sync.Mutex

	mu             sync.Mutex
	class          Classification
	conn           platform.Conn
	pumpCancel     context.CancelFunc
	reconnects     int
	reconnectTimer *time.Timer
	gen            uint64 // bumped on every connection replacement or stop
}

// Supervisor owns the authoritative classification of every tracked account
// and all connection handles. One lifecycle per account; across accounts
// operations run in parallel, globally ordered only by the rate gate.
type Supervisor struct {
	connector platform.Connector
	gate      *RateGate
	ledger    *session.Ledger
	bus       *bus.Bus
	opts      Options

	mu         sync.Mutex
	accounts   map[string]*account
	monitoring bool
	checker    *AutoChecker

	baseCtx context.Context
}

// StatusSnapshot is the account classification breakdown.
type StatusSnapshot struct {
	Live       []string `json:"live"`
	Offline    []string `json:"offline"`
	Error      []string `json:"error"`
	Connected  []string `json:"connected"`
	Monitoring bool     `json:"monitoring"`
}

// NewSupervisor builds a supervisor. Call Start before any other method.
func NewSupervisor(connector platform.Connector, gate *RateGate, ledger *session.Ledger, b *bus.Bus, opts Options) *Supervisor {
	telemetry.Init()
	return &Supervisor{
		connector: connector,
		gate:      gate,
		ledger:    ledger,
		bus:       b,
		opts:      opts.withDefaults(),
		accounts:  make(map[string]*account),
		baseCtx:   context.Background(),
	}
}

// Start binds the supervisor to its lifecycle context. Reconnect timers and
// event pumps stop when ctx is canceled.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.StopAll()
	}()
}

// SetAutoChecker wires the offline sweep so disconnect-without-recovery can
// wake it.
func (s *Supervisor) SetAutoChecker(c *AutoChecker) {
	s.mu.Lock()
	s.checker = c
	s.mu.Unlock()
}

// SetTracked replaces the tracked-account list. New accounts start offline;
// accounts removed from the list are disconnected and dropped (history in
// the ledger is untouched).
func (s *Supervisor) SetTracked(names []string) {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n != "" {
			want[n] = struct{}{}
		}
	}
	var dropped []*account
	s.mu.Lock()
	for n := range want {
		if _, ok := s.accounts[n]; !ok {
			s.accounts[n] = &account{name: n, class: StatusOffline}
		}
	}
	for n, a := range s.accounts {
		if _, ok := want[n]; !ok {
			dropped = append(dropped, a)
			delete(s.accounts, n)
		}
	}
	total := len(s.accounts)
	s.mu.Unlock()
	for _, a := range dropped {
		s.teardown(a)
	}
	s.updateGauges()
	slog.Info("tracked account list updated", slog.Int("tracked", total), slog.Int("dropped", len(dropped)))
}

// Tracked returns the tracked account names, sorted.
func (s *Supervisor) Tracked() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.accounts))
	for n := range s.accounts {
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Classification returns the current classification for one account.
func (s *Supervisor) Classification(name string) (Classification, bool) {
	s.mu.Lock()
	a, ok := s.accounts[name]
	s.mu.Unlock()
	if !ok {
		return StatusOffline, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.class, true
}

// Snapshot returns the current classification breakdown.
func (s *Supervisor) Snapshot() StatusSnapshot {
	s.mu.Lock()
	accounts := make([]*account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a)
	}
	snap := StatusSnapshot{Monitoring: s.monitoring, Live: []string{}, Offline: []string{}, Error: []string{}, Connected: []string{}}
	s.mu.Unlock()
	for _, a := range accounts {
		a.mu.Lock()
		class := a.class
		a.mu.Unlock()
		switch class {
		case StatusLive:
			snap.Live = append(snap.Live, a.name)
		case StatusConnected:
			snap.Connected = append(snap.Connected, a.name)
		case StatusError:
			snap.Error = append(snap.Error, a.name)
		default:
			snap.Offline = append(snap.Offline, a.name)
		}
	}
	sort.Strings(snap.Live)
	sort.Strings(snap.Offline)
	sort.Strings(snap.Error)
	sort.Strings(snap.Connected)
	return snap
}

// Monitoring reports whether global monitoring is active.
func (s *Supervisor) Monitoring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitoring
}

// ProbeLiveness performs a rate-gated, read-only liveness check and updates
// the account's classification. An existing connected handle is reused
// opportunistically (no gateway call); a handle is never created for probing.
func (s *Supervisor) ProbeLiveness(ctx context.Context, name string) (platform.RoomMetadata, Classification, error) {
	a := s.get(name)
	if a == nil {
		return platform.RoomMetadata{}, StatusOffline, errUntracked(name)
	}
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	if a.conn != nil && a.class == StatusConnected {
		meta := a.conn.Room()
		a.mu.Unlock()
		return meta, StatusConnected, nil
	}
	a.mu.Unlock()

	meta, err := s.probe(ctx, name)
	switch {
	case err == nil:
		s.classify(a, StatusLive)
		return meta, StatusLive, nil
	case IsNotLive(err):
		s.classify(a, StatusOffline)
		return platform.RoomMetadata{}, StatusOffline, err
	default:
		if IsRateLimited(err) {
			s.gate.Penalize()
		}
		slog.Warn("probe failed", slog.String("account", name), slog.String("class", ClassifyConnectError(err).String()), slog.Any("err", err))
		s.classify(a, StatusError)
		return platform.RoomMetadata{}, StatusError, err
	}
}

// probe runs the rate-gated platform probe with the configured timeout.
// Callers must not hold any account mutex except the account's opMu.
func (s *Supervisor) probe(ctx context.Context, name string) (platform.RoomMetadata, error) {
	if err := s.gate.Acquire(ctx); err != nil {
		return platform.RoomMetadata{}, err
	}
	telemetry.ProbesStarted.Inc()
	pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()
	var meta platform.RoomMetadata
	var err error
	telemetry.TimeFunc(telemetry.ProbeDuration, func() {
		meta, err = s.connector.Probe(pctx, name)
	})
	switch {
	case err == nil:
		telemetry.ProbesLive.Inc()
	case IsNotLive(err):
		telemetry.ProbesNotLive.Inc()
	default:
		telemetry.ProbesFailed.Inc()
	}
	return meta, err
}

// ProbeAll re-probes every account currently classified offline or error and
// returns the resulting breakdown. Accounts already live or connected are
// left alone.
func (s *Supervisor) ProbeAll(ctx context.Context) StatusSnapshot {
	var toCheck []string
	for _, name := range s.Tracked() {
		if class, ok := s.Classification(name); ok && (class == StatusOffline || class == StatusError) {
			toCheck = append(toCheck, name)
		}
	}
	slog.Info("probing accounts", slog.Int("count", len(toCheck)))
	for _, name := range toCheck {
		if ctx.Err() != nil {
			break
		}
		_, _, _ = s.ProbeLiveness(ctx, name)
	}
	snap := s.Snapshot()
	gs := s.gate.Status()
	slog.Info("probe sweep complete",
		slog.Int("live", len(snap.Live)), slog.Int("offline", len(snap.Offline)), slog.Int("error", len(snap.Error)),
		slog.Int("gate_minute_used", gs.MinuteUsed), slog.Int("gate_hour_used", gs.HourUsed))
	s.nudgeChecker()
	return snap
}

// BeginMonitoring enables global monitoring and attaches an event listener to
// every account currently classified live. Idempotent: already-connected
// accounts are untouched; re-attachment tears down the prior listener first.
func (s *Supervisor) BeginMonitoring(ctx context.Context) {
	s.mu.Lock()
	was := s.monitoring
	s.monitoring = true
	s.mu.Unlock()
	if !was {
		s.publish(bus.TypeMonitoringStatus, "", map[string]bool{"monitoring": true})
	}
	for _, name := range s.Tracked() {
		if ctx.Err() != nil {
			return
		}
		class, ok := s.Classification(name)
		if !ok || class != StatusLive {
			continue
		}
		a := s.get(name)
		if a == nil {
			continue
		}
		a.opMu.Lock()
		err := s.attach(ctx, a)
		a.opMu.Unlock()
		if err != nil {
			slog.Warn("monitoring attach failed", slog.String("account", name), slog.Any("err", err))
		}
	}
	s.nudgeChecker()
}

// MonitorAccount connects and attaches a single account (used by the
// autochecker when a swept account turns out to be live).
func (s *Supervisor) MonitorAccount(ctx context.Context, name string) error {
	a := s.get(name)
	if a == nil {
		return errUntracked(name)
	}
	a.opMu.Lock()
	defer a.opMu.Unlock()
	return s.attach(ctx, a)
}

// attach ensures a connection exists for the account and (re)attaches the
// event pump. Callers hold a.opMu. On connect failure the account is
// classified error for this cycle and stays eligible for re-probe.
func (s *Supervisor) attach(ctx context.Context, a *account) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	if conn == nil {
		if err := s.gate.Acquire(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		var err error
		telemetry.TimeFunc(telemetry.ConnectDuration, func() {
			conn, err = s.connector.Connect(cctx, a.name)
		})
		cancel()
		if err != nil {
			telemetry.ConnectsFailed.Inc()
			if IsNotLive(err) {
				s.classify(a, StatusOffline)
			} else {
				if IsRateLimited(err) {
					s.gate.Penalize()
				}
				s.classify(a, StatusError)
			}
			return err
		}
		telemetry.ConnectsSucceeded.Inc()
	}

	// Resolve the governing session before the pump starts delivering events.
	_, continued := s.ledger.Resolve(a.name, conn.Room())
	s.ledger.RecordConnectionAttempt(a.name)
	if continued {
		s.ledger.AddNote(a.name, "listener re-attached to ongoing session")
	}

	pctx, pumpCancel := context.WithCancel(s.base())

	a.mu.Lock()
	// Tear down any prior listener so attaching twice never duplicates
	// delivery; replacing the generation makes the old pump's disconnect
	// signal stale.
	if a.pumpCancel != nil {
		a.pumpCancel()
	}
	if a.conn != nil && a.conn != conn {
		_ = a.conn.Close()
	}
	a.gen++
	gen := a.gen
	a.conn = conn
	a.pumpCancel = pumpCancel
	a.reconnects = 0
	a.mu.Unlock()

	s.classify(a, StatusConnected)
	go s.pump(pctx, a, conn, gen)
	return nil
}

// pump consumes the connection's event stream. Each event is handled inside
// a recover boundary so one malformed event never kills the account's worker.
func (s *Supervisor) pump(ctx context.Context, a *account, conn platform.Conn, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event pump panic", slog.String("account", a.name), slog.Any("panic", r))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok || ev.Kind == platform.EventDisconnect {
				telemetry.Disconnects.Inc()
				s.onDisconnect(a, gen)
				return
			}
			s.handleEvent(a.name, ev)
		}
	}
}

func (s *Supervisor) handleEvent(name string, ev platform.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handling panic", slog.String("account", name), slog.Any("panic", r))
		}
	}()
	switch ev.Kind {
	case platform.EventViewerCount:
		s.ledger.RecordViewer(name, ev.ViewerCount)
	case platform.EventGift:
		g := ev.Gift
		if g == nil {
			return
		}
		// In-progress streak repeats are suppressed before dedup so partial
		// combos never consume the event id.
		if g.Streak && !g.StreakEnd {
			return
		}
		if !s.ledger.ShouldProcess(name, g.ID) {
			telemetry.GiftsDeduplicated.Inc()
			return
		}
		s.ledger.RecordGift(name, session.GiftEntry{
			Contributor: g.Contributor,
			Item:        g.Item,
			Value:       g.UnitValue * maxInt(1, g.RepeatCount),
			Count:       maxInt(1, g.RepeatCount),
			Timestamp:   g.Timestamp,
		})
	}
}

// onDisconnect implements the reconnect-or-retire branch. The account's
// liveness is re-probed exactly once synchronously; a still-live account with
// reconnect headroom gets a delayed reconnect, anything else retires to
// offline and finalizes the session.
func (s *Supervisor) onDisconnect(a *account, gen uint64) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	if gen != a.gen {
		// A newer connection replaced this one (or StopAll ran); this
		// disconnect signal is stale.
		a.mu.Unlock()
		return
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	if a.pumpCancel != nil {
		a.pumpCancel()
		a.pumpCancel = nil
	}
	a.gen++
	reconnects := a.reconnects
	a.mu.Unlock()

	slog.Info("push connection lost", slog.String("account", a.name), slog.Int("reconnect_attempts", reconnects))
	if !s.Monitoring() {
		// StopAll is tearing everything down; it owns the final state.
		return
	}
	s.classify(a, StatusConnecting)

	ctx := s.base()
	_, err := s.probe(ctx, a.name)
	stillLive := err == nil

	if stillLive && reconnects < s.opts.ReconnectBound {
		a.mu.Lock()
		a.reconnects++
		attempt := a.reconnects
		gen := a.gen
		a.reconnectTimer = time.AfterFunc(s.opts.ReconnectBackoff, func() {
			s.reconnect(a, gen)
		})
		a.mu.Unlock()
		telemetry.ReconnectAttempts.Inc()
		s.ledger.AddNote(a.name, "disconnected while live, reconnect scheduled")
		slog.Info("reconnect scheduled", slog.String("account", a.name), slog.Int("attempt", attempt), slog.Duration("backoff", s.opts.ReconnectBackoff))
		return
	}

	// Retire: finalize the open session and hand the account to the sweep.
	a.mu.Lock()
	a.reconnects = 0
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	a.mu.Unlock()
	s.ledger.Finalize(a.name)
	s.classify(a, StatusOffline)
	slog.Info("account retired to offline", slog.String("account", a.name), slog.Bool("still_live", stillLive))
	s.nudgeChecker()
}

// reconnect runs after the backoff timer: fresh handle, re-attached
// listeners, back to connected on success. The attempt counter resets only
// when the new connection is fully established (inside attach).
func (s *Supervisor) reconnect(a *account, gen uint64) {
	ctx := s.base()
	if ctx.Err() != nil {
		return
	}
	a.opMu.Lock()
	defer a.opMu.Unlock()
	a.mu.Lock()
	stale := gen != a.gen
	a.mu.Unlock()
	if stale || !s.Monitoring() {
		return
	}
	err := s.attach(ctx, a)
	if err == nil {
		slog.Info("reconnected", slog.String("account", a.name))
		return
	}
	slog.Warn("reconnect attempt failed", slog.String("account", a.name), slog.Any("err", err))

	a.mu.Lock()
	reconnects := a.reconnects
	a.mu.Unlock()
	if !IsNotLive(err) && reconnects < s.opts.ReconnectBound {
		a.mu.Lock()
		a.reconnects++
		gen := a.gen
		a.reconnectTimer = time.AfterFunc(s.opts.ReconnectBackoff, func() {
			s.reconnect(a, gen)
		})
		a.mu.Unlock()
		telemetry.ReconnectAttempts.Inc()
		return
	}
	a.mu.Lock()
	a.reconnects = 0
	a.mu.Unlock()
	s.ledger.Finalize(a.name)
	s.classify(a, StatusOffline)
	s.nudgeChecker()
}

// StopAll releases every handle, aborts pending reconnect timers, finalizes
// open sessions, and resets every account to offline. Session history is
// untouched.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	was := s.monitoring
	s.monitoring = false
	accounts := make([]*account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a)
	}
	checker := s.checker
	s.mu.Unlock()
	if was {
		s.publish(bus.TypeMonitoringStatus, "", map[string]bool{"monitoring": false})
	}
	if checker != nil {
		checker.Stop()
	}
	for _, a := range accounts {
		s.teardown(a)
		s.ledger.Finalize(a.name)
		s.classify(a, StatusOffline)
	}
	slog.Info("all accounts stopped", slog.Int("count", len(accounts)))
}

// teardown releases the account's connection and timers without touching the
// ledger.
func (s *Supervisor) teardown(a *account) {
	a.mu.Lock()
	a.gen++ // invalidate in-flight pump results
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	if a.pumpCancel != nil {
		a.pumpCancel()
		a.pumpCancel = nil
	}
	conn := a.conn
	a.conn = nil
	a.reconnects = 0
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Supervisor) classify(a *account, class Classification) {
	a.mu.Lock()
	prev := a.class
	a.class = class
	a.mu.Unlock()
	if prev != class {
		slog.Info("account status changed", slog.String("account", a.name),
			slog.String("from", prev.String()), slog.String("to", class.String()))
		s.publish(bus.TypeAccountStatus, a.name, map[string]string{"from": prev.String(), "to": class.String()})
	}
	s.updateGauges()
}

func (s *Supervisor) updateGauges() {
	snap := s.Snapshot()
	telemetry.SetAccountCounts(len(snap.Live), len(snap.Offline), len(snap.Error), len(snap.Connected))
}

// nudgeChecker wakes the autochecker when monitoring is active and offline
// accounts remain.
func (s *Supervisor) nudgeChecker() {
	s.mu.Lock()
	checker := s.checker
	monitoring := s.monitoring
	s.mu.Unlock()
	if checker == nil || !monitoring {
		return
	}
	snap := s.Snapshot()
	if len(snap.Offline) > 0 || len(snap.Error) > 0 {
		checker.Wake()
	}
}

func (s *Supervisor) get(name string) *account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[name]
}

func (s *Supervisor) base() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Supervisor) publish(typ, account string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.Notification{Type: typ, Account: account, Payload: payload})
	}
}

type errUntracked string

func (e errUntracked) Error() string { return "account not tracked: " + string(e) }
