// Package recovery persists the monitoring-active flag across restarts so a
// crashed or redeployed process resumes supervision without operator action.
// The flag is written to the key/value store and mirrored to a local file;
// either surviving copy triggers recovery.
package recovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/onnwee/livetrack/monitor"
	"github.com/onnwee/livetrack/session"
)

// FlagStore is the durable key/value flag sink (kv table when the database is
// up).
type FlagStore interface {
	SetFlag(ctx context.Context, key, value string) error
	GetFlag(ctx context.Context, key string) (string, error)
	DeleteFlag(ctx context.Context, key string) error
}

// FlagMonitoringActive marks that monitoring was running when the process
// last wrote state.
const FlagMonitoringActive = "monitoring_active"

type fileFlag struct {
	MonitoringActive bool      `json:"monitoring_active"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Manager owns the redundant flag persistence. flags may be nil (file only).
type Manager struct {
	flags    FlagStore
	filePath string
}

// NewManager builds a manager. filePath may be empty to disable the file
// mirror.
func NewManager(flags FlagStore, filePath string) *Manager {
	return &Manager{flags: flags, filePath: filePath}
}

// MarkActive records that monitoring is running, in both sinks. Partial
// failure is logged, not returned: one surviving copy is enough.
func (m *Manager) MarkActive(ctx context.Context) {
	m.set(ctx, true)
}

// ClearActive records that monitoring was stopped deliberately.
func (m *Manager) ClearActive(ctx context.Context) {
	m.set(ctx, false)
}

func (m *Manager) set(ctx context.Context, active bool) {
	if m.flags != nil {
		var err error
		if active {
			err = m.flags.SetFlag(ctx, FlagMonitoringActive, "1")
		} else {
			err = m.flags.DeleteFlag(ctx, FlagMonitoringActive)
		}
		if err != nil {
			slog.Warn("flag store write failed", slog.String("flag", FlagMonitoringActive), slog.Any("err", err))
		}
	}
	if m.filePath == "" {
		return
	}
	data, _ := json.Marshal(fileFlag{MonitoringActive: active, UpdatedAt: time.Now().UTC()})
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0o755); err == nil {
		if err := os.WriteFile(m.filePath, data, 0o644); err != nil {
			slog.Warn("flag file write failed", slog.String("path", m.filePath), slog.Any("err", err))
		}
	}
}

// WasActive reports whether monitoring was running when state was last
// written. The store is consulted first; the file mirror covers a store that
// was down at write time.
func (m *Manager) WasActive(ctx context.Context) bool {
	if m.flags != nil {
		if v, err := m.flags.GetFlag(ctx, FlagMonitoringActive); err == nil && v == "1" {
			return true
		} else if err != nil {
			slog.Warn("flag store read failed", slog.String("flag", FlagMonitoringActive), slog.Any("err", err))
		}
	}
	if m.filePath == "" {
		return false
	}
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		return false
	}
	var f fileFlag
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("flag file corrupt", slog.String("path", m.filePath), slog.Any("err", err))
		return false
	}
	return f.MonitoringActive
}

// Resume restores supervision after a restart: hanging sessions whose
// accounts stopped broadcasting are finalized, every tracked account is
// re-probed, and monitoring restarts when the flag says it was running.
func (m *Manager) Resume(ctx context.Context, sup *monitor.Supervisor, ledger *session.Ledger) {
	probe := func(ctx context.Context, account string) error {
		_, _, err := sup.ProbeLiveness(ctx, account)
		return err
	}
	ledger.FinalizeHanging(ctx, probe)

	if !m.WasActive(ctx) {
		slog.Info("no monitoring flag found, staying idle")
		return
	}
	slog.Info("monitoring flag found, resuming supervision")
	sup.ProbeAll(ctx)
	sup.BeginMonitoring(ctx)
	m.MarkActive(ctx)
}
