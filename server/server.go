// Package server exposes the HTTP API: health, status, metrics, account and
// session endpoints, and the SSE update feed. It includes permissive CORS for
// development and injects correlation IDs into request contexts for
// consistent logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/livetrack/telemetry"
)

// NewMux returns the HTTP handler with all routes. The context bounds the
// per-IP limiter's cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newIPLimiter(ctx, loadHTTPLimitConfig())
	handlers := NewHandlers(deps)

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/status", handlers.HandleStatus)

	mux.HandleFunc("/api/accounts", handlers.HandleAccounts)
	mux.HandleFunc("/api/check-live", handlers.HandleCheckLive)
	mux.HandleFunc("/api/start-monitoring", handlers.HandleStartMonitoring)
	mux.HandleFunc("/api/stop-monitoring", handlers.HandleStopMonitoring)
	mux.HandleFunc("/api/stop-and-reset", handlers.HandleStopAndReset)
	mux.HandleFunc("/api/sessions", handlers.HandleSessions)
	mux.HandleFunc("/api/sessions/analysis", handlers.HandleSessionAnalysis)
	if deps.CSVExport {
		mux.HandleFunc("/api/export.csv", handlers.HandleExportCSV)
	}
	mux.HandleFunc("/api/flags/", handlers.HandleFlags)
	mux.HandleFunc("/api/backup", handlers.HandleBackup)
	mux.HandleFunc("/api/events", handlers.HandleEvents)

	// Mutating control endpoints require auth when configured and are
	// rate-limited per client IP.
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isMutating(r) {
			adminAuth(rateLimit(mux, limiter), authCfg).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Wrap with correlation ID injector and tracing middleware.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORS(handler)
}

// isMutating reports whether the request changes supervisor or flag state.
func isMutating(r *http.Request) bool {
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/flags/"):
		return r.Method == http.MethodPut || r.Method == http.MethodDelete
	case r.URL.Path == "/api/accounts":
		return r.Method == http.MethodPost
	case r.URL.Path == "/api/check-live",
		r.URL.Path == "/api/start-monitoring",
		r.URL.Path == "/api/stop-monitoring",
		r.URL.Path == "/api/stop-and-reset",
		r.URL.Path == "/api/backup":
		return true
	}
	return false
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
