package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/livetrack/telemetry"
)

// RateGate throttles outbound probe/connect calls against two independent
// sliding windows (per-minute and per-hour) plus a fixed inter-call delay.
// Acquire blocks until both windows have headroom; it never fails for being
// busy, only when ctx ends. Ceilings shrink adaptively when the platform
// reports near-exhausted quota and restore on the next healthy report.
type RateGate struct {
	mu     sync.Mutex
	minute []time.Time
	hour   []time.Time

	perMinute     int
	perHour       int
	basePerMinute int
	basePerHour   int
	delay         time.Duration
	enabled       bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// GateStatus is a point-in-time view of the gate for the status endpoint.
type GateStatus struct {
	MinuteUsed    int           `json:"minute_used"`
	MinuteCeiling int           `json:"minute_ceiling"`
	HourUsed      int           `json:"hour_used"`
	HourCeiling   int           `json:"hour_ceiling"`
	Delay         time.Duration `json:"delay"`
	Adaptive      bool          `json:"adaptive"`
}

// NewRateGate builds a gate. A nil gate or disabled gate passes calls through
// with only the fixed delay. Ceilings below 1 are clamped to 1.
func NewRateGate(perMinute, perHour int, delay time.Duration, enabled bool) *RateGate {
	if perMinute < 1 {
		perMinute = 1
	}
	if perHour < 1 {
		perHour = 1
	}
	return &RateGate{
		perMinute:     perMinute,
		perHour:       perHour,
		basePerMinute: perMinute,
		basePerHour:   perHour,
		delay:         delay,
		enabled:       enabled,
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire blocks until one outbound call may start, consuming one slot in
// both windows and applying the fixed delay before returning.
func (g *RateGate) Acquire(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	start := g.now()
	for {
		g.mu.Lock()
		now := g.now()
		g.prune(now)
		if !g.enabled {
			g.mu.Unlock()
			break
		}
		var wait time.Duration
		if len(g.minute) >= g.perMinute {
			wait = g.minute[0].Add(time.Minute).Sub(now)
		}
		if len(g.hour) >= g.perHour {
			if hw := g.hour[0].Add(time.Hour).Sub(now); hw > wait {
				wait = hw
			}
		}
		if wait <= 0 {
			g.minute = append(g.minute, now)
			g.hour = append(g.hour, now)
			g.mu.Unlock()
			break
		}
		g.mu.Unlock()
		slog.Debug("rate gate saturated, waiting", slog.Duration("wait", wait), slog.String("component", "rategate"))
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
	telemetry.Init()
	telemetry.RateGateWait.Observe(g.now().Sub(start).Seconds())
	if g.delay > 0 {
		return g.sleep(ctx, g.delay)
	}
	return ctx.Err()
}

func (g *RateGate) prune(now time.Time) {
	cutMin := now.Add(-time.Minute)
	for len(g.minute) > 0 && !g.minute[0].After(cutMin) {
		g.minute = g.minute[1:]
	}
	cutHour := now.Add(-time.Hour)
	for len(g.hour) > 0 && !g.hour[0].After(cutHour) {
		g.hour = g.hour[1:]
	}
}

// ReportQuota feeds an externally reported remaining-call budget into the
// gate. Near-exhaustion shrinks the ceilings conservatively; a healthy report
// restores the configured ceilings. Negative fields are ignored.
func (g *RateGate) ReportQuota(minuteRemaining, hourRemaining int) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	perMinute := g.basePerMinute
	perHour := g.basePerHour
	if minuteRemaining >= 0 {
		switch {
		case minuteRemaining < 5:
			perMinute = minInt(perMinute, 2)
		case minuteRemaining < 8:
			perMinute = minInt(perMinute, 5)
		}
	}
	if hourRemaining >= 0 && hourRemaining < 10 {
		perHour = maxInt(5, hourRemaining*8/10)
	}
	if perMinute != g.perMinute || perHour != g.perHour {
		slog.Info("rate gate ceilings adjusted",
			slog.Int("per_minute", perMinute), slog.Int("per_hour", perHour),
			slog.Int("minute_remaining", minuteRemaining), slog.Int("hour_remaining", hourRemaining),
			slog.String("component", "rategate"))
	}
	g.perMinute = perMinute
	g.perHour = perHour
}

// Penalize halves the minute ceiling after a platform rate-limit rejection,
// until the next quota report restores it.
func (g *RateGate) Penalize() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.perMinute > 1 {
		g.perMinute = maxInt(1, g.perMinute/2)
		slog.Warn("rate gate penalized after platform throttle", slog.Int("per_minute", g.perMinute), slog.String("component", "rategate"))
	}
}

// Status returns current window usage for observability.
func (g *RateGate) Status() GateStatus {
	if g == nil {
		return GateStatus{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(g.now())
	return GateStatus{
		MinuteUsed:    len(g.minute),
		MinuteCeiling: g.perMinute,
		HourUsed:      len(g.hour),
		HourCeiling:   g.perHour,
		Delay:         g.delay,
		Adaptive:      g.perMinute != g.basePerMinute || g.perHour != g.basePerHour,
	}
}

// StartQuotaWatcher periodically polls the reporter and feeds the gate.
// Returns immediately if reporter is nil.
func (g *RateGate) StartQuotaWatcher(ctx context.Context, reporter QuotaFunc, interval time.Duration) {
	if reporter == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("quota watcher started", slog.Duration("interval", interval), slog.String("component", "rategate"))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			minuteRem, hourRem, err := reporter(ctx)
			if err != nil {
				slog.Debug("quota check failed", slog.Any("err", err), slog.String("component", "rategate"))
				continue
			}
			g.ReportQuota(minuteRem, hourRem)
		}
	}
}

// QuotaFunc fetches remaining minute/hour quota from the platform.
type QuotaFunc func(ctx context.Context) (minuteRemaining, hourRemaining int, err error)

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
