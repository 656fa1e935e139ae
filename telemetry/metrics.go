// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ProbesStarted      prometheus.Counter
	ProbesLive         prometheus.Counter
	ProbesNotLive      prometheus.Counter
	ProbesFailed       prometheus.Counter
	ConnectsSucceeded  prometheus.Counter
	ConnectsFailed     prometheus.Counter
	ReconnectAttempts  prometheus.Counter
	Disconnects        prometheus.Counter
	GiftsProcessed     prometheus.Counter
	GiftsDeduplicated  prometheus.Counter
	SessionsCreated    prometheus.Counter
	SessionsFinalized  prometheus.Counter
	PersistWrites      prometheus.Counter
	PersistFailures    prometheus.Counter
	AutoCheckSweeps    prometheus.Counter

	// Histograms (seconds)
	ProbeDuration    prometheus.Observer
	ConnectDuration  prometheus.Observer
	RateGateWait     prometheus.Observer

	// Gauges
	AccountsLive      prometheus.Gauge
	AccountsOffline   prometheus.Gauge
	AccountsError     prometheus.Gauge
	AccountsConnected prometheus.Gauge
	AutoCheckerGauge  prometheus.Gauge // 1=running,0=stopped
	OpenSessionsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ProbesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_probes_started_total", Help: "Number of liveness probes started"})
		ProbesLive = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_probes_live_total", Help: "Number of probes that found the account live"})
		ProbesNotLive = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_probes_not_live_total", Help: "Number of probes that found the account offline"})
		ProbesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_probes_failed_total", Help: "Number of probes that failed with an operational error"})
		ConnectsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_connects_succeeded_total", Help: "Number of push connections established"})
		ConnectsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_connects_failed_total", Help: "Number of push connection attempts that failed"})
		ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_reconnect_attempts_total", Help: "Number of scheduled reconnect attempts"})
		Disconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_disconnects_total", Help: "Number of transport-level disconnect signals"})
		GiftsProcessed = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_gifts_processed_total", Help: "Number of gift events recorded"})
		GiftsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_gifts_deduplicated_total", Help: "Number of duplicate gift events suppressed"})
		SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_sessions_created_total", Help: "Number of sessions created"})
		SessionsFinalized = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_sessions_finalized_total", Help: "Number of sessions finalized"})
		PersistWrites = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_persist_writes_total", Help: "Number of session snapshots written to the sink"})
		PersistFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_persist_failures_total", Help: "Number of failed sink writes"})
		AutoCheckSweeps = promauto.NewCounter(prometheus.CounterOpts{Name: "livetrack_autochecker_sweeps_total", Help: "Number of autochecker sweep ticks"})
		ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "livetrack_probe_duration_seconds", Help: "Probe duration seconds", Buckets: prometheus.DefBuckets})
		ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "livetrack_connect_duration_seconds", Help: "Connect duration seconds", Buckets: prometheus.DefBuckets})
		RateGateWait = promauto.NewHistogram(prometheus.HistogramOpts{Name: "livetrack_rategate_wait_seconds", Help: "Time spent blocked in RateGate.Acquire", Buckets: prometheus.DefBuckets})
		AccountsLive = promauto.NewGauge(prometheus.GaugeOpts{Name: "livetrack_accounts_live", Help: "Accounts currently classified live"})
		AccountsOffline = promauto.NewGauge(prometheus.GaugeOpts{Name: "livetrack_accounts_offline", Help: "Accounts currently classified offline"})
		AccountsError = promauto.NewGauge(prometheus.GaugeOpts{Name: "livetrack_accounts_error", Help: "Accounts currently classified error"})
		AccountsConnected = promauto.NewGauge(prometheus.GaugeOpts{Name: "livetrack_accounts_connected", Help: "Accounts with an attached push connection"})
		AutoCheckerGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "livetrack_autochecker_running", Help: "Autochecker running=1 stopped=0"})
		OpenSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "livetrack_open_sessions", Help: "Sessions currently in live status"})
	})
}

// SetAccountCounts records the current classification breakdown.
func SetAccountCounts(live, offline, errored, connected int) {
	if AccountsLive == nil {
		return
	}
	AccountsLive.Set(float64(live))
	AccountsOffline.Set(float64(offline))
	AccountsError.Set(float64(errored))
	AccountsConnected.Set(float64(connected))
}

// UpdateAutoCheckerGauge sets gauge to 1 if running else 0.
func UpdateAutoCheckerGauge(running bool) {
	if AutoCheckerGauge == nil {
		return
	}
	if running {
		AutoCheckerGauge.Set(1)
	} else {
		AutoCheckerGauge.Set(0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
