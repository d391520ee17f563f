package serverutil

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"securevod/internal/observability/logging"
)

// WriteJSON writes payload with the given status code.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("encode response failed", "error", err)
	}
}

// WriteError writes {"error": message}.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// RequestID returns middleware that propagates or assigns X-Request-Id and
// stores a request-scoped logger on the context.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	return RequestIDWithGenerator(logger, newRequestID)
}

// RequestIDWithGenerator is RequestID with an injectable ID source.
func RequestIDWithGenerator(logger *slog.Logger, generator func() string) func(http.Handler) http.Handler {
	if generator == nil {
		generator = newRequestID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if requestID == "" {
				requestID = generator()
			}
			ctx := logging.ContextWithRequestID(r.Context(), requestID)
			ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
			w.Header().Set("X-Request-Id", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromRequest returns the request-scoped logger, falling back to
// fallback annotated with the context identifiers.
func LoggerFromRequest(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger := logging.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	if fallback == nil {
		fallback = slog.Default()
	}
	return logging.WithContext(ctx, fallback)
}

// BearerAuth rejects requests whose Authorization header does not carry
// token. An empty token disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorized(r, token) {
				WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorized(r *http.Request, token string) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return false
	}
	presented := strings.TrimSpace(header[7:])
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func newRequestID() string {
	return uuid.NewString()
}
