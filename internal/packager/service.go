package packager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/semaphore"

	"securevod/internal/models"
	"securevod/internal/observability/logging"
	"securevod/internal/observability/metrics"
	"securevod/internal/packaging"
	"securevod/internal/serverutil"
)

const (
	maxRequestBytes = 1 << 20
	// finishedRetention bounds how long a completed run whose client left
	// waits for the retry that collects it.
	finishedRetention = time.Hour
)

var errInvalidPath = errors.New("path escapes media root")

type ServiceConfig struct {
	Config  Config
	Runner  Runner
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Service serves GET /health and POST /pack.
type Service struct {
	cfg     Config
	root    string
	runner  Runner
	slots   *semaphore.Weighted
	metrics *metrics.Recorder
	logger  *slog.Logger

	// runs outlive their HTTP request; ctx cancels them on Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	finished map[string]finishedRun
}

// runKey identifies a pack request's inputs. A finished run is only handed
// to a retry carrying the same inputs.
type runKey struct {
	input       string
	keyID       string
	contentKey  string
	compression bool
}

type finishedRun struct {
	key     runKey
	outcome runOutcome
	at      time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	conf := cfg.Config.withDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(conf.MediaRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	runner := cfg.Runner
	if runner == nil {
		runner = CommandRunner{Command: conf.Command}
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      conf,
		root:     filepath.Clean(root),
		runner:   runner,
		slots:    semaphore.NewWeighted(int64(conf.MaxConcurrent)),
		metrics:  recorder,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]struct{}),
		finished: make(map[string]finishedRun),
	}, nil
}

// Routes returns the worker's HTTP handler.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(serverutil.RequestID(s.logger))
	r.Use(logging.RequestLogger(s.logger))
	r.Use(metrics.Middleware(s.metrics))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.With(serverutil.BearerAuth(s.cfg.Token)).Post("/pack", s.handlePack)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		serverutil.WriteError(w, http.StatusNotFound, "not found")
	})
	return r
}

// Close cancels running commands and waits for them to exit or ctx to
// expire.
func (s *Service) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	serverutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runOutcome struct {
	result RunResult
	err    error
}

func (s *Service) handlePack(w http.ResponseWriter, r *http.Request) {
	logger := serverutil.LoggerFromRequest(r.Context(), s.logger)

	var req packaging.Request
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := decoder.Decode(&req); err != nil {
		serverutil.WriteError(w, http.StatusBadRequest, packaging.ErrMessageInvalidJSON)
		return
	}
	if missing := req.MissingFields(); len(missing) > 0 {
		logger.Warn("pack request missing fields", "fields", strings.Join(missing, ","))
		serverutil.WriteError(w, http.StatusBadRequest, packaging.ErrMessageMissingFields)
		return
	}
	req.KeyID = strings.ToLower(strings.TrimSpace(req.KeyID))
	req.ContentKey = strings.ToLower(strings.TrimSpace(req.ContentKey))
	if !models.ValidKeyHex(req.KeyID) || !models.ValidKeyHex(req.ContentKey) {
		serverutil.WriteError(w, http.StatusBadRequest, packaging.ErrMessageInvalidKey)
		return
	}
	outputRel, outputAbs, err := s.resolve(req.OutputDir)
	if err != nil {
		serverutil.WriteError(w, http.StatusBadRequest, packaging.ErrMessageInvalidPath)
		return
	}
	inputRel, inputAbs, err := s.resolve(req.InputPath)
	if err != nil || inputAbs == s.root {
		serverutil.WriteError(w, http.StatusBadRequest, packaging.ErrMessageInvalidPath)
		return
	}
	if outputAbs == s.root {
		serverutil.WriteError(w, http.StatusBadRequest, packaging.ErrMessageInvalidPath)
		return
	}

	if !s.claim(outputRel) {
		logger.Info("output directory already being packaged", "output_dir", outputRel)
		serverutil.WriteJSON(w, http.StatusConflict, packaging.Response{Status: packaging.StatusBusy})
		return
	}
	key := runKey{input: inputRel, keyID: req.KeyID, contentKey: req.ContentKey, compression: req.Compression}
	if outcome, ok := s.takeFinished(outputRel, key); ok {
		s.release(outputRel)
		logger.Info("returning run finished after its client left", "output_dir", outputRel)
		s.respond(w, logger, outputRel, outcome)
		return
	}
	if err := s.slots.Acquire(r.Context(), 1); err != nil {
		s.release(outputRel)
		serverutil.WriteJSON(w, http.StatusServiceUnavailable, packaging.Response{Status: packaging.StatusBusy, Error: "request cancelled while waiting for a slot"})
		return
	}
	if err := os.MkdirAll(outputAbs, 0o755); err != nil {
		s.slots.Release(1)
		s.release(outputRel)
		logger.Error("create output directory failed", "output_dir", outputRel, "error", err)
		serverutil.WriteJSON(w, http.StatusInternalServerError, packaging.Response{Status: packaging.StatusFailed, Error: "create output directory failed"})
		return
	}

	compress := "0"
	if req.Compression {
		compress = "1"
	}
	spec := RunSpec{
		Env: []string{
			"IN=" + inputAbs,
			"OUT=" + outputAbs,
			"KID_HEX=" + req.KeyID,
			"KEY_HEX=" + req.ContentKey,
			"COMPRESS=" + compress,
		},
		Timeout: s.cfg.CommandTimeout,
		Logger:  logger.With("output_dir", outputRel),
	}

	// The run is detached from the request so a client that gives up does
	// not leave the output directory claimed forever. A successful result
	// nobody received is kept for the client's retry.
	done := make(chan runOutcome)
	abandoned := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(outputRel)
		defer s.slots.Release(1)
		outcome := s.execute(spec)
		select {
		case done <- outcome:
		case <-abandoned:
			s.keepFinished(outputRel, key, outcome)
		}
	}()

	select {
	case outcome := <-done:
		s.respond(w, logger, outputRel, outcome)
	case <-r.Context().Done():
		close(abandoned)
		logger.Warn("client went away; packaging continues", "output_dir", outputRel)
	}
}

func (s *Service) execute(spec RunSpec) runOutcome {
	s.metrics.PackagerRunStarted()
	start := time.Now()
	result, err := s.runner.Run(s.ctx, spec)
	status := packaging.StatusOK
	switch {
	case err != nil:
		status = packaging.StatusFailed
	case result.TimedOut:
		status = packaging.StatusTimeout
	case result.ExitCode != 0:
		status = packaging.StatusFailed
	}
	s.metrics.PackagerRunFinished(status, time.Since(start))
	return runOutcome{result: result, err: err}
}

func (s *Service) respond(w http.ResponseWriter, logger *slog.Logger, outputRel string, outcome runOutcome) {
	result := outcome.result
	switch {
	case outcome.err != nil:
		logger.Error("packaging command could not run", "output_dir", outputRel, "error", outcome.err)
		serverutil.WriteJSON(w, http.StatusInternalServerError, packaging.Response{
			Status: packaging.StatusFailed,
			Stdout: result.Stdout,
			Stderr: result.Stderr,
			Error:  outcome.err.Error(),
		})
	case result.TimedOut:
		logger.Error("packaging command timed out", "output_dir", outputRel, "timeout", s.cfg.CommandTimeout.String())
		serverutil.WriteJSON(w, http.StatusGatewayTimeout, packaging.Response{
			Status: packaging.StatusTimeout,
			Stdout: result.Stdout,
			Stderr: result.Stderr,
		})
	case result.ExitCode != 0:
		exitCode := result.ExitCode
		logger.Error("packaging command failed", "output_dir", outputRel, "exit_code", exitCode)
		serverutil.WriteJSON(w, http.StatusInternalServerError, packaging.Response{
			Status:   packaging.StatusFailed,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			ExitCode: &exitCode,
		})
	default:
		manifest := path.Join(outputRel, models.ManifestName)
		logger.Info("packaging complete", "manifest_path", manifest)
		serverutil.WriteJSON(w, http.StatusOK, packaging.Response{
			Status:       packaging.StatusOK,
			ManifestPath: manifest,
			Stdout:       result.Stdout,
		})
	}
}

// resolve maps a media-root-relative path to its cleaned relative and
// absolute forms, rejecting anything that escapes the root.
func (s *Service) resolve(rel string) (string, string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" || strings.ContainsRune(rel, 0) || strings.Contains(rel, `\`) {
		return "", "", errInvalidPath
	}
	if path.IsAbs(rel) {
		return "", "", errInvalidPath
	}
	cleaned := path.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", "", errInvalidPath
	}
	abs := filepath.Join(s.root, filepath.FromSlash(cleaned))
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", "", errInvalidPath
	}
	return cleaned, abs, nil
}

func (s *Service) claim(outputRel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[outputRel]; busy {
		return false
	}
	s.inFlight[outputRel] = struct{}{}
	return true
}

func (s *Service) keepFinished(outputRel string, key runKey, outcome runOutcome) {
	if outcome.err != nil || outcome.result.TimedOut || outcome.result.ExitCode != 0 {
		return
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for dir, run := range s.finished {
		if now.Sub(run.at) > finishedRetention {
			delete(s.finished, dir)
		}
	}
	s.finished[outputRel] = finishedRun{key: key, outcome: outcome, at: now}
}

// takeFinished hands out a kept result once. The caller must hold the claim
// on outputRel.
func (s *Service) takeFinished(outputRel string, key runKey) (runOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.finished[outputRel]
	if !ok {
		return runOutcome{}, false
	}
	delete(s.finished, outputRel)
	if run.key != key || time.Since(run.at) > finishedRetention {
		return runOutcome{}, false
	}
	return run.outcome, true
}

func (s *Service) release(outputRel string) {
	s.mu.Lock()
	delete(s.inFlight, outputRel)
	s.mu.Unlock()
}
