// Package logging builds the service's slog loggers and carries the request,
// job and asset identifiers that annotate every log line on a context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mattn/go-isatty"

	"securevod/internal/observability/metrics"
)

type Config struct {
	Level  string
	Format string
	Writer io.Writer
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
	// FormatAuto selects text on an interactive terminal and JSON otherwise.
	FormatAuto LogFormat = "auto"
)

// Init builds a logger and installs it as slog's default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to cfg.Writer, or stdout when unset.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if useText(cfg.Format, writer) {
		return slog.New(slog.NewTextHandler(writer, options))
	}
	return slog.New(slog.NewJSONHandler(writer, options))
}

func useText(format string, writer io.Writer) bool {
	switch LogFormat(strings.ToLower(strings.TrimSpace(format))) {
	case FormatText:
		return true
	case FormatAuto:
		file, ok := writer.(*os.File)
		return ok && isatty.IsTerminal(file.Fd())
	}
	return false
}

// parseLevel accepts slog's level names plus "warning". Anything else logs
// at info.
func parseLevel(value string) slog.Level {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "warning" {
		value = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// WithComponent tags a logger with the subsystem it belongs to.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// trace holds the identifiers a unit of work carries through the pipeline.
type trace struct {
	requestID string
	jobID     string
	assetID   int64
}

type (
	traceKey  struct{}
	loggerKey struct{}
)

func traceFrom(ctx context.Context) trace {
	if ctx == nil {
		return trace{}
	}
	t, _ := ctx.Value(traceKey{}).(trace)
	return t
}

func withTrace(ctx context.Context, update func(*trace)) context.Context {
	t := traceFrom(ctx)
	update(&t)
	return context.WithValue(ctx, traceKey{}, t)
}

// ContextWithRequestID records the HTTP request ID. Blank IDs are ignored.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withTrace(ctx, func(t *trace) { t.requestID = id })
}

// RequestIDFromContext returns the request ID, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id := traceFrom(ctx).requestID
	return id, id != ""
}

// ContextWithAssetID records the asset being worked on.
func ContextWithAssetID(ctx context.Context, id int64) context.Context {
	if id <= 0 {
		return ctx
	}
	return withTrace(ctx, func(t *trace) { t.assetID = id })
}

// ContextWithJobID records the queue job being handled.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withTrace(ctx, func(t *trace) { t.jobID = id })
}

// ContextWithLogger attaches a request-scoped logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey{}).(*slog.Logger)
	return logger
}

// WithContext annotates logger with whichever of request_id, job_id and
// asset_id the context carries.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	t := traceFrom(ctx)
	var attrs []any
	if t.requestID != "" {
		attrs = append(attrs, "request_id", t.requestID)
	}
	if t.jobID != "" {
		attrs = append(attrs, "job_id", t.jobID)
	}
	if t.assetID > 0 {
		attrs = append(attrs, "asset_id", t.assetID)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// RequestLogger logs one line per request. Server errors log at error and
// client errors at warn, so throttled or unauthorised license calls stand
// out from normal playback traffic.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)

			status := recorder.Status()
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					attrs = append(attrs, "route", pattern)
				}
			}
			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			WithContext(r.Context(), logger).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
