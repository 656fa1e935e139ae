package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/livetrack/bus"
	"github.com/onnwee/livetrack/telemetry"
)

// AutoChecker periodically re-probes accounts that are offline or errored
// while monitoring is active, promoting the ones that went live. It stops
// itself once no account is left to sweep and is woken again by the
// supervisor when accounts retire to offline.
type AutoChecker struct {
	sup      *Supervisor
	bus      *bus.Bus
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	baseCtx context.Context
}

// NewAutoChecker builds a checker bound to the supervisor. Register it with
// Supervisor.SetAutoChecker so retires can wake it.
func NewAutoChecker(sup *Supervisor, b *bus.Bus, interval time.Duration) *AutoChecker {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &AutoChecker{sup: sup, bus: b, interval: interval, baseCtx: context.Background()}
}

// Bind sets the lifecycle context used for sweep loops started by Wake.
func (c *AutoChecker) Bind(ctx context.Context) {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()
}

// Running reports whether a sweep loop is active.
func (c *AutoChecker) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Wake starts the sweep loop if it is not already running. Safe to call from
// any goroutine; redundant wakes are no-ops.
func (c *AutoChecker) Wake() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	telemetry.UpdateAutoCheckerGauge(true)
	c.publish(true)
	slog.Info("autochecker started", slog.Duration("interval", c.interval))
	go c.loop(ctx)
}

// Stop halts the sweep loop. Idempotent.
func (c *AutoChecker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	cancel()
	telemetry.UpdateAutoCheckerGauge(false)
	c.publish(false)
	slog.Info("autochecker stopped")
}

func (c *AutoChecker) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := c.sweep(ctx); done {
				c.Stop()
				return
			}
		}
	}
}

// sweep snapshots the accounts eligible for re-probe and checks each one.
// Accounts found live are promoted and, since monitoring is active, attached
// immediately. Returns true when nothing is left to sweep.
func (c *AutoChecker) sweep(ctx context.Context) bool {
	telemetry.Init()
	telemetry.AutoCheckSweeps.Inc()

	if !c.sup.Monitoring() {
		slog.Debug("autochecker sweep skipped, monitoring inactive")
		return true
	}

	snap := c.sup.Snapshot()
	targets := append(append([]string{}, snap.Offline...), snap.Error...)
	if len(targets) == 0 {
		return true
	}
	slog.Info("autochecker sweep", slog.Int("accounts", len(targets)))

	promoted := 0
	for _, name := range targets {
		if ctx.Err() != nil {
			return false
		}
		// Accounts promoted by a concurrent manual probe drop out here.
		if class, ok := c.sup.Classification(name); !ok || (class != StatusOffline && class != StatusError) {
			continue
		}
		_, class, err := c.sup.ProbeLiveness(ctx, name)
		if err != nil || class != StatusLive {
			continue
		}
		promoted++
		if err := c.sup.MonitorAccount(ctx, name); err != nil {
			slog.Warn("autochecker attach failed", slog.String("account", name), slog.Any("err", err))
		}
	}

	after := c.sup.Snapshot()
	remaining := len(after.Offline) + len(after.Error)
	slog.Info("autochecker sweep complete", slog.Int("promoted", promoted), slog.Int("remaining", remaining))
	return remaining == 0
}

func (c *AutoChecker) publish(running bool) {
	if c.bus != nil {
		c.bus.Publish(bus.Notification{Type: bus.TypeAutoCheckerStatus, Payload: map[string]bool{"running": running}})
	}
}
