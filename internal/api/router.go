package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"securevod/internal/models"
	"securevod/internal/observability/logging"
	"securevod/internal/observability/metrics"
	"securevod/internal/serverutil"
	"securevod/internal/storage"
)

// DefaultMediaURL prefixes manifest paths in asset responses.
const DefaultMediaURL = "/media/"

// AssetReader is the read side of the asset store used by the API.
type AssetReader interface {
	Ping(ctx context.Context) error
	GetAsset(ctx context.Context, id int64) (models.Asset, error)
	ListAssets(ctx context.Context, filter storage.AssetFilter) ([]models.Asset, error)
}

// Probe reports the health of a dependency other than the datastore.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type Config struct {
	Store AssetReader
	// MediaURL is the public URL under which the media root is served.
	MediaURL string
	CORS     CORSConfig
	// RateLimit applies to the license endpoints only.
	RateLimit RateLimitConfig
	Probes    []Probe
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

// Handler serves the consumer-facing endpoints.
type Handler struct {
	store    AssetReader
	mediaURL string
	cors     corsPolicy
	limiter  *licenseLimiter
	probes   []Probe
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("asset store is required")
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	mediaURL := strings.TrimSpace(cfg.MediaURL)
	if mediaURL == "" {
		mediaURL = DefaultMediaURL
	}
	if !strings.HasSuffix(mediaURL, "/") {
		mediaURL += "/"
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    cfg.Store,
		mediaURL: mediaURL,
		cors:     policy,
		limiter:  newLicenseLimiter(cfg.RateLimit),
		probes:   cfg.Probes,
		metrics:  recorder,
		logger:   logger,
	}, nil
}

// Routes assembles the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(serverutil.RequestID(h.logger))
	r.Use(logging.RequestLogger(h.logger))
	r.Use(metrics.Middleware(h.metrics))
	r.Use(securityHeaders)
	r.Use(func(next http.Handler) http.Handler {
		return corsMiddleware(h.cors, h.logger, next)
	})

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	r.Get("/assets", h.handleListAssets)
	r.Get("/assets/{id}", h.handleGetAsset)
	r.Group(func(r chi.Router) {
		r.Use(h.rateLimitLicenses)
		r.Get("/license/{id}", h.handleLicense)
		r.Post("/license/{id}", h.handleLicense)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})
	return r
}

var errNotFound = errors.New("not found")

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	serverutil.WriteJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	serverutil.WriteError(w, status, err.Error())
}

func decodeJSONAllowUnknown(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}
