package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"securevod/internal/keys"
	"securevod/internal/locks"
	"securevod/internal/models"
	"securevod/internal/observability/metrics"
	"securevod/internal/packaging"
	"securevod/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type packResult struct {
	response packaging.Response
	err      error
}

// scriptedPackager replays results in order and repeats the last one.
type scriptedPackager struct {
	mu       sync.Mutex
	results  []packResult
	requests []packaging.Request
	block    bool
}

func (p *scriptedPackager) Pack(ctx context.Context, request packaging.Request) (packaging.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, request)
	idx := len(p.requests) - 1
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return packaging.Response{}, &packaging.TransportError{Err: ctx.Err()}
	}
	if idx >= len(p.results) {
		idx = len(p.results) - 1
	}
	return p.results[idx].response, p.results[idx].err
}

func (p *scriptedPackager) calls() []packaging.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]packaging.Request(nil), p.requests...)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func()
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ctx.Err()
}

type harness struct {
	store     *storage.JSONRepository
	packager  *scriptedPackager
	sleeper   *recordingSleeper
	locker    *locks.MemoryLocker
	recorder  *metrics.Recorder
	processor *Processor
}

func newHarness(t *testing.T, results ...packResult) *harness {
	t.Helper()
	store, err := storage.NewJSONStore(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	h := &harness{
		store:    store,
		packager: &scriptedPackager{results: results},
		sleeper:  &recordingSleeper{},
		locker:   locks.NewMemoryLocker(),
		recorder: metrics.New(),
	}
	h.processor, err = NewProcessor(ProcessorConfig{
		Store:    store,
		Keys:     keys.NewProvisioner(store, keys.WithLogger(discardLogger())),
		Packager: h.packager,
		Locker:   h.locker,
		Sleeper:  h.sleeper,
		Metrics:  h.recorder,
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return h
}

func (h *harness) createAsset(t *testing.T, status models.Status) models.Asset {
	t.Helper()
	asset, err := h.store.CreateAsset(context.Background(), storage.CreateAssetParams{
		Title:   "Sample",
		FileRef: "uploads/sample.mp4",
		Status:  status,
	})
	if err != nil {
		t.Fatalf("create asset: %v", err)
	}
	return asset
}

func (h *harness) reload(t *testing.T, id int64) models.Asset {
	t.Helper()
	asset, err := h.store.GetAsset(context.Background(), id)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	return asset
}

func ok(manifest string) packResult {
	return packResult{response: packaging.Response{Status: packaging.StatusOK, ManifestPath: manifest}}
}

func fail(code int) packResult {
	return packResult{err: &packaging.ExecutionError{ExitCode: code, Stderr: "boom"}}
}

func TestProcessExhaustsAttemptsThenFails(t *testing.T) {
	h := newHarness(t, fail(1))
	asset := h.createAsset(t, models.StatusProcessing)

	outcome, err := h.processor.Process(context.Background(), asset.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", outcome)
	}
	if got := len(h.packager.calls()); got != 8 {
		t.Fatalf("expected exactly 8 attempts, got %d", got)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second, 25 * time.Second, 30 * time.Second, 30 * time.Second}
	if diff := cmp.Diff(want, h.sleeper.delays); diff != "" {
		t.Fatalf("backoff mismatch (-want +got):\n%s", diff)
	}

	stored := h.reload(t, asset.ID)
	if stored.Status != models.StatusFailed {
		t.Fatalf("expected failed status, got %s", stored.Status)
	}
	if stored.EncryptedPath != "" {
		t.Fatalf("failed asset must not carry an encrypted path, got %q", stored.EncryptedPath)
	}
	if !stored.HasValidKeys() {
		t.Fatal("expected keys to be provisioned before packaging")
	}
}

func TestProcessSucceedsOnThirdAttempt(t *testing.T) {
	h := newHarness(t, fail(1), fail(2), ok("encrypted/1/stream.mpd"))
	asset := h.createAsset(t, models.StatusProcessing)

	outcome, err := h.processor.Process(context.Background(), asset.ID)
	if err != nil || outcome != OutcomeReady {
		t.Fatalf("expected ready, got %s, %v", outcome, err)
	}
	calls := h.packager.calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(calls))
	}
	if diff := cmp.Diff([]time.Duration{5 * time.Second, 10 * time.Second}, h.sleeper.delays); diff != "" {
		t.Fatalf("backoff mismatch (-want +got):\n%s", diff)
	}

	stored := h.reload(t, asset.ID)
	if stored.Status != models.StatusReady || stored.EncryptedPath != "encrypted/1/stream.mpd" {
		t.Fatalf("unexpected stored asset: %+v", stored)
	}
	if err := stored.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	want := packaging.Request{
		InputPath:  "uploads/sample.mp4",
		OutputDir:  "encrypted/1",
		KeyID:      stored.KeyID,
		ContentKey: stored.ContentKey,
	}
	for i, call := range calls {
		if diff := cmp.Diff(want, call); diff != "" {
			t.Fatalf("attempt %d request mismatch (-want +got):\n%s", i+1, diff)
		}
	}
}

func TestProcessFallsBackToDeterministicManifest(t *testing.T) {
	h := newHarness(t, ok(""))
	asset := h.createAsset(t, models.StatusProcessing)

	if outcome, err := h.processor.Process(context.Background(), asset.ID); err != nil || outcome != OutcomeReady {
		t.Fatalf("expected ready, got %s, %v", outcome, err)
	}
	stored := h.reload(t, asset.ID)
	if stored.EncryptedPath != models.ManifestPathFor(asset.ID) {
		t.Fatalf("expected default manifest path, got %q", stored.EncryptedPath)
	}
}

func TestProcessKeepsExistingKeys(t *testing.T) {
	h := newHarness(t, ok(""))
	asset := h.createAsset(t, models.StatusProcessing)
	kid := "000102030405060708090a0b0c0d0e0f"
	key := "0f0e0d0c0b0a09080706050403020100"
	if _, err := h.store.UpdateKeys(context.Background(), asset.ID, storage.KeyUpdate{KeyID: &kid, ContentKey: &key}); err != nil {
		t.Fatalf("seed keys: %v", err)
	}

	if _, err := h.processor.Process(context.Background(), asset.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	calls := h.packager.calls()
	if calls[0].KeyID != kid || calls[0].ContentKey != key {
		t.Fatalf("expected stored keys to be reused, got %+v", calls[0])
	}
}

func TestProcessDoesNotRetryValidationErrors(t *testing.T) {
	h := newHarness(t, packResult{err: &packaging.ValidationError{Message: "missing fields"}})
	asset := h.createAsset(t, models.StatusProcessing)

	outcome, _ := h.processor.Process(context.Background(), asset.ID)
	if outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", outcome)
	}
	if got := len(h.packager.calls()); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	if len(h.sleeper.delays) != 0 {
		t.Fatalf("expected no backoff, got %v", h.sleeper.delays)
	}
}

func TestProcessRetriesEveryNonValidationFailure(t *testing.T) {
	cases := map[string]error{
		"busy":            &packaging.ResponseError{StatusCode: 409, Status: packaging.StatusBusy},
		"server error":    &packaging.ResponseError{StatusCode: 502, Body: "bad gateway"},
		"command timeout": &packaging.CommandTimeoutError{},
		"unreachable":     &packaging.TransportError{Err: errors.New("connection refused")},
	}
	for name, cause := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, packResult{err: cause})
			asset := h.createAsset(t, models.StatusProcessing)

			outcome, err := h.processor.Process(context.Background(), asset.ID)
			if err != nil || outcome != OutcomeFailed {
				t.Fatalf("expected failed, got %s, %v", outcome, err)
			}
			if got := len(h.packager.calls()); got != 8 {
				t.Fatalf("expected exactly 8 attempts, got %d", got)
			}
		})
	}
}

func TestProcessMissingAsset(t *testing.T) {
	h := newHarness(t, ok(""))

	outcome, err := h.processor.Process(context.Background(), 404)
	if outcome != OutcomeNotFound {
		t.Fatalf("expected not found outcome, got %s", outcome)
	}
	var notFound *NotFoundError
	if !errors.As(err, &notFound) || notFound.AssetID != 404 {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("expected NotFoundError to unwrap to storage.ErrNotFound")
	}
	if len(h.packager.calls()) != 0 {
		t.Fatal("packager must not be called for a missing asset")
	}
}

func TestProcessSkipsAssetsNotProcessing(t *testing.T) {
	h := newHarness(t, ok(""))
	asset := h.createAsset(t, models.StatusUploading)

	outcome, err := h.processor.Process(context.Background(), asset.ID)
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s, %v", outcome, err)
	}
	stored := h.reload(t, asset.ID)
	if stored.Status != models.StatusUploading || stored.KeyID != "" {
		t.Fatalf("skipped asset must be untouched: %+v", stored)
	}

	// A second delivery after READY is also a no-op.
	ready := h.createAsset(t, models.StatusProcessing)
	if _, err := h.processor.Process(context.Background(), ready.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	before := h.reload(t, ready.ID)
	outcome, _ = h.processor.Process(context.Background(), ready.ID)
	if outcome != OutcomeSkipped {
		t.Fatalf("expected duplicate delivery to be skipped, got %s", outcome)
	}
	if diff := cmp.Diff(before, h.reload(t, ready.ID)); diff != "" {
		t.Fatalf("terminal asset changed (-before +after):\n%s", diff)
	}
}

func TestProcessDropsJobWhenLocked(t *testing.T) {
	h := newHarness(t, ok(""))
	asset := h.createAsset(t, models.StatusProcessing)
	lease, err := h.locker.Acquire(context.Background(), locks.AssetKey(asset.ID), time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release(context.Background())

	outcome, err := h.processor.Process(context.Background(), asset.ID)
	if err != nil || outcome != OutcomeLocked {
		t.Fatalf("expected locked, got %s, %v", outcome, err)
	}
	if len(h.packager.calls()) != 0 {
		t.Fatal("locked job must not reach the packager")
	}
}

func TestProcessInterruptedLeavesAssetProcessing(t *testing.T) {
	h := newHarness(t, fail(1))
	asset := h.createAsset(t, models.StatusProcessing)
	ctx, cancel := context.WithCancel(context.Background())
	h.sleeper.hook = cancel

	outcome, err := h.processor.Process(ctx, asset.ID)
	if outcome != OutcomeInterrupted || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interrupted, got %s, %v", outcome, err)
	}
	if stored := h.reload(t, asset.ID); stored.Status != models.StatusProcessing {
		t.Fatalf("interrupted asset must stay processing, got %s", stored.Status)
	}
	if _, err := h.locker.Acquire(context.Background(), locks.AssetKey(asset.ID), time.Minute); err != nil {
		t.Fatalf("lock must be released after interruption: %v", err)
	}
}

func TestProcessAppliesAttemptTimeout(t *testing.T) {
	h := newHarness(t)
	h.packager.block = true
	h.processor.policy.MaxAttempts = 2
	h.processor.policy.AttemptTimeout = 20 * time.Millisecond
	asset := h.createAsset(t, models.StatusProcessing)

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := h.processor.Process(context.Background(), asset.ID)
		done <- outcome
	}()
	select {
	case outcome := <-done:
		if outcome != OutcomeFailed {
			t.Fatalf("expected failed after timeouts, got %s", outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("attempt timeout was not applied")
	}
	if got := len(h.packager.calls()); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestProcessRecordsAttemptMetrics(t *testing.T) {
	h := newHarness(t, fail(1), ok(""))
	asset := h.createAsset(t, models.StatusProcessing)
	if _, err := h.processor.Process(context.Background(), asset.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	rr := httptest.NewRecorder()
	h.recorder.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`securevod_packaging_attempts_total{result="execution"} 1`,
		`securevod_packaging_attempts_total{result="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics to contain %q", want)
		}
	}
}

func TestNewProcessorRequiresDependencies(t *testing.T) {
	if _, err := NewProcessor(ProcessorConfig{}); err == nil {
		t.Fatal("expected error without dependencies")
	}
}

// slowPackager holds each call for a fixed time and tracks overlap.
type slowPackager struct {
	hold    time.Duration
	entered chan struct{}

	mu      sync.Mutex
	running int
	peak    int
}

func (p *slowPackager) Pack(ctx context.Context, request packaging.Request) (packaging.Response, error) {
	p.mu.Lock()
	p.running++
	if p.running > p.peak {
		p.peak = p.running
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()
	select {
	case p.entered <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return packaging.Response{}, &packaging.TransportError{Err: ctx.Err()}
	case <-time.After(p.hold):
		return packaging.Response{Status: packaging.StatusOK}, nil
	}
}

func TestProcessHoldsLockPastTTLWhilePackaging(t *testing.T) {
	h := newHarness(t)
	slow := &slowPackager{hold: 500 * time.Millisecond, entered: make(chan struct{}, 1)}
	h.processor.packager = slow
	h.processor.lockTTL = 150 * time.Millisecond
	asset := h.createAsset(t, models.StatusProcessing)

	first := make(chan Outcome, 1)
	go func() {
		outcome, _ := h.processor.Process(context.Background(), asset.ID)
		first <- outcome
	}()
	select {
	case <-slow.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first job never reached the packager")
	}
	// Wait past the TTL so only the refreshed lease keeps the second job out.
	time.Sleep(300 * time.Millisecond)

	outcome, err := h.processor.Process(context.Background(), asset.ID)
	if err != nil || outcome != OutcomeLocked {
		t.Fatalf("expected second job to be locked out, got %s, %v", outcome, err)
	}
	select {
	case outcome := <-first:
		if outcome != OutcomeReady {
			t.Fatalf("expected first job ready, got %s", outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first job did not finish")
	}
	slow.mu.Lock()
	defer slow.mu.Unlock()
	if slow.peak != 1 {
		t.Fatalf("expected one packaging call at a time, saw %d", slow.peak)
	}
}

type lostLocker struct{}

func (lostLocker) Acquire(_ context.Context, key string, _ time.Duration) (locks.Lease, error) {
	return lostLease{key: key}, nil
}

type lostLease struct{ key string }

func (l lostLease) Key() string                                { return l.key }
func (lostLease) Refresh(context.Context, time.Duration) error { return locks.ErrLeaseLost }
func (lostLease) Release(context.Context) error                { return nil }

func TestProcessStopsWhenLeaseIsLost(t *testing.T) {
	h := newHarness(t)
	h.packager.block = true
	h.processor.locker = lostLocker{}
	h.processor.lockTTL = 30 * time.Millisecond
	asset := h.createAsset(t, models.StatusProcessing)

	done := make(chan struct{})
	var (
		outcome Outcome
		err     error
	)
	go func() {
		defer close(done)
		outcome, err = h.processor.Process(context.Background(), asset.ID)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job kept running after losing its lease")
	}
	if outcome != OutcomeInterrupted || !errors.Is(err, locks.ErrLeaseLost) {
		t.Fatalf("expected interrupted with lost lease, got %s, %v", outcome, err)
	}
	if stored := h.reload(t, asset.ID); stored.Status != models.StatusProcessing {
		t.Fatalf("asset must stay processing after a lost lease, got %s", stored.Status)
	}
}
