// Command livetrack is the main entrypoint for the live-tracking API and
// connection supervisor. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations (degrading to a
//     local JSON fallback file when the database is unavailable).
//   - Starts the persistence queue, rate-gate quota watcher, and the
//     restart-recovery pass that resumes monitoring after a crash.
//   - Exposes the HTTP API with /healthz, /status, /metrics, and the
//     account/session/SSE endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/livetrack/bus"
	"github.com/onnwee/livetrack/config"
	"github.com/onnwee/livetrack/db"
	"github.com/onnwee/livetrack/monitor"
	"github.com/onnwee/livetrack/platform"
	"github.com/onnwee/livetrack/recovery"
	"github.com/onnwee/livetrack/server"
	"github.com/onnwee/livetrack/session"
	"github.com/onnwee/livetrack/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateGatewayReady(); err != nil {
		slog.Error("gateway config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("livetrack", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB. Unavailability is not fatal: the persistence queue degrades to the
	// local fallback file and the flag mirror carries recovery state.
	var database *sql.DB
	var store *db.Store
	if d, err := db.Connect(cfg.DBDsn); err != nil {
		slog.Warn("failed to open db, running on fallback persistence", slog.Any("err", err))
	} else {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.PingContext(pingCtx); err != nil {
			slog.Warn("database unreachable, running on fallback persistence", slog.Any("err", err))
			_ = d.Close()
		} else {
			migrateCtx, mcancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := db.Migrate(migrateCtx, d); err != nil {
				slog.Error("failed to migrate db", slog.Any("err", err))
				os.Exit(1)
			}
			mcancel()
			database = d
			store = db.NewStore(d)
			defer func() {
				if err := d.Close(); err != nil {
					slog.Error("failed to close database", slog.Any("err", err))
				}
			}()
		}
		cancel()
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Core wiring: bus, persistence queue, ledger, rate gate, supervisor.
	notifier := bus.New()

	var sessionStore session.Store
	var flagStore recovery.FlagStore
	if store != nil {
		sessionStore = store
		flagStore = store
	}
	queue := session.NewWriteQueue(sessionStore, cfg.BackupDebounce, cfg.BackupForceInterval, cfg.BackupBatchSize,
		filepath.Join(cfg.DataDir, "sessions-fallback.json"))
	go queue.Start(ctx)

	ledger := session.NewLedger(cfg.SessionGapThreshold, cfg.SessionMaxDuration, queue, notifier)
	if sessionStore != nil {
		loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := ledger.LoadFrom(loadCtx, sessionStore); err != nil {
			slog.Warn("session history load failed", slog.Any("err", err))
		}
		cancel()
	}

	gate := monitor.NewRateGate(cfg.RequestsPerMinute, cfg.RequestsPerHour, cfg.RequestDelay, cfg.RateLimitEnabled)
	connector := &platform.WebcastConnector{BaseURL: cfg.GatewayURL, APIKey: cfg.GatewayKey}
	if cfg.AdaptiveRateLimit {
		go gate.StartQuotaWatcher(ctx, func(ctx context.Context) (int, int, error) {
			q, err := connector.Quota(ctx)
			return q.MinuteRemaining, q.HourRemaining, err
		}, cfg.QuotaCheckInterval)
	}

	sup := monitor.NewSupervisor(connector, gate, ledger, notifier, monitor.Options{
		ProbeTimeout:     cfg.ProbeTimeout,
		ConnectTimeout:   cfg.ConnectTimeout,
		ReconnectBound:   cfg.ReconnectBound,
		ReconnectBackoff: cfg.ReconnectBackoff,
	})
	sup.Start(ctx)
	checker := monitor.NewAutoChecker(sup, notifier, cfg.AutoCheckInterval)
	checker.Bind(ctx)
	sup.SetAutoChecker(checker)

	if accounts := loadAccountList(cfg.AccountListPath); len(accounts) > 0 {
		sup.SetTracked(accounts)
	} else {
		slog.Warn("no tracked accounts configured", slog.String("path", cfg.AccountListPath))
	}

	rec := recovery.NewManager(flagStore, filepath.Join(cfg.DataDir, "monitoring-flag.json"))
	go rec.Resume(ctx, sup, ledger)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	deps := server.Deps{
		DB:           database,
		Flags:        flagStore,
		Supervisor:   sup,
		Checker:      checker,
		Ledger:       ledger,
		Queue:        queue,
		Gate:         gate,
		Bus:          notifier,
		Recovery:     rec,
		AccountsPath: cfg.AccountListPath,
		CSVExport:    cfg.CSVExportEnabled,
	}
	if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
		os.Exit(1)
	}
}

// loadAccountList reads one account name per line, ignoring blanks and
// comment lines.
func loadAccountList(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, strings.TrimPrefix(line, "@"))
	}
	return out
}
