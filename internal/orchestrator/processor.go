// Package orchestrator drives committed assets through key provisioning and
// packaging, and records the outcome on the asset's status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"securevod/internal/keys"
	"securevod/internal/locks"
	"securevod/internal/models"
	"securevod/internal/observability/logging"
	"securevod/internal/observability/metrics"
	"securevod/internal/packaging"
	"securevod/internal/storage"
)

// Outcome labels how a job ended.
type Outcome string

const (
	OutcomeReady       Outcome = "ready"
	OutcomeFailed      Outcome = "failed"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeLocked      Outcome = "locked"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeError       Outcome = "error"
)

// DefaultLockTTL bounds how long a crashed worker can block an asset. A
// running job refreshes its lease every third of the TTL.
const DefaultLockTTL = 5 * time.Minute

// NotFoundError reports a job for an asset that does not exist.
type NotFoundError struct {
	AssetID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("asset %d not found", e.AssetID)
}

func (e *NotFoundError) Unwrap() error {
	return storage.ErrNotFound
}

// AssetStore is the slice of the repository the processor needs.
type AssetStore interface {
	GetAsset(ctx context.Context, id int64) (models.Asset, error)
	TransitionAsset(ctx context.Context, id int64, transition storage.Transition) (models.Asset, error)
}

// KeyProvisioner ensures an asset carries valid key material.
type KeyProvisioner interface {
	EnsureKeys(ctx context.Context, asset models.Asset) (keys.Material, error)
}

// Packager performs one packaging attempt.
type Packager interface {
	Pack(ctx context.Context, request packaging.Request) (packaging.Response, error)
}

// Sleeper waits between attempts. Implementations return early with the
// context's error when it is cancelled.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// TimerSleeper sleeps on a real timer.
var TimerSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
})

type ProcessorConfig struct {
	Store    AssetStore
	Keys     KeyProvisioner
	Packager Packager
	Locker   locks.Locker
	LockTTL  time.Duration
	Policy   packaging.RetryPolicy
	Sleeper  Sleeper
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

// Processor runs packaging jobs.
type Processor struct {
	store    AssetStore
	keys     KeyProvisioner
	packager Packager
	locker   locks.Locker
	lockTTL  time.Duration
	policy   packaging.RetryPolicy
	sleeper  Sleeper
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil {
		return nil, errors.New("processor requires an asset store")
	}
	if cfg.Keys == nil {
		return nil, errors.New("processor requires a key provisioner")
	}
	if cfg.Packager == nil {
		return nil, errors.New("processor requires a packager")
	}
	p := &Processor{
		store:    cfg.Store,
		keys:     cfg.Keys,
		packager: cfg.Packager,
		locker:   cfg.Locker,
		lockTTL:  cfg.LockTTL,
		policy:   cfg.Policy.Normalize(),
		sleeper:  cfg.Sleeper,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	if p.locker == nil {
		p.locker = locks.NewMemoryLocker()
	}
	if p.lockTTL <= 0 {
		p.lockTTL = DefaultLockTTL
	}
	if p.sleeper == nil {
		p.sleeper = TimerSleeper
	}
	if p.metrics == nil {
		p.metrics = metrics.Default()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// Process drives one asset to READY or failed.
//
// A missing asset ends the job with a *NotFoundError and no mutation. An
// asset that is no longer processing is skipped. Cancelling ctx interrupts
// the job without marking the asset failed.
func (p *Processor) Process(ctx context.Context, assetID int64) (Outcome, error) {
	ctx = logging.ContextWithAssetID(ctx, assetID)
	logger := logging.WithContext(ctx, p.logger)

	lease, err := p.locker.Acquire(ctx, locks.AssetKey(assetID), p.lockTTL)
	if err != nil {
		if errors.Is(err, locks.ErrLocked) {
			logger.Info("asset already being processed; dropping duplicate job")
			return OutcomeLocked, nil
		}
		return OutcomeError, fmt.Errorf("lock asset %d: %w", assetID, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			logger.Warn("failed to release asset lock", "error", err)
		}
	}()

	ctx, stopKeepalive := p.keepLease(ctx, logger, lease)
	defer stopKeepalive()

	asset, err := p.store.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Error("asset does not exist; ending job")
			return OutcomeNotFound, &NotFoundError{AssetID: assetID}
		}
		if ctx.Err() != nil {
			return OutcomeInterrupted, context.Cause(ctx)
		}
		return OutcomeError, fmt.Errorf("load asset %d: %w", assetID, err)
	}
	if asset.Status != models.StatusProcessing {
		logger.Info("asset not awaiting packaging; skipping", "status", asset.Status)
		return OutcomeSkipped, nil
	}

	material, err := p.keys.EnsureKeys(ctx, asset)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeInterrupted, context.Cause(ctx)
		}
		return p.markFailed(ctx, logger, assetID, fmt.Errorf("provision keys: %w", err))
	}

	request := packaging.Request{
		InputPath:   asset.FileRef,
		OutputDir:   models.OutputDirFor(assetID),
		KeyID:       material.KeyID,
		ContentKey:  material.ContentKey,
		Compression: asset.CompressionEnabled,
	}

	var lastErr error
	for attempt := 0; attempt < p.policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.policy.AttemptTimeout)
		response, err := p.packager.Pack(attemptCtx, request)
		cancel()
		p.metrics.PackagingAttempt(packaging.Kind(err))
		if err == nil {
			if lost := leaseLost(ctx); lost != nil {
				logger.Error("asset lock lost before recording result", "attempt", attempt+1)
				return OutcomeInterrupted, lost
			}
			return p.markReady(ctx, logger, assetID, response, attempt+1)
		}
		lastErr = err
		if ctx.Err() != nil {
			logger.Warn("packaging interrupted", "attempt", attempt+1, "error", err)
			return OutcomeInterrupted, context.Cause(ctx)
		}
		if !packaging.Retryable(err) {
			logger.Error("packaging rejected; not retrying", "attempt", attempt+1, "error", err)
			break
		}
		if attempt == p.policy.MaxAttempts-1 {
			break
		}
		delay := p.policy.Backoff(attempt)
		logger.Warn("packaging attempt failed",
			"attempt", attempt+1,
			"max_attempts", p.policy.MaxAttempts,
			"kind", packaging.Kind(err),
			"retry_in", delay.String(),
			"error", err,
		)
		if err := p.sleeper.Sleep(ctx, delay); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return OutcomeInterrupted, cause
			}
			return OutcomeInterrupted, err
		}
	}
	if lost := leaseLost(ctx); lost != nil {
		logger.Error("asset lock lost before recording failure")
		return OutcomeInterrupted, lost
	}
	return p.markFailed(ctx, logger, assetID, lastErr)
}

// keepLease refreshes the lease in the background until the returned stop
// function runs. A lease that is lost cancels the returned context with
// locks.ErrLeaseLost so the job stops before another worker takes over.
func (p *Processor) keepLease(ctx context.Context, logger *slog.Logger, lease locks.Lease) (context.Context, func()) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	interval := p.lockTTL / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-jobCtx.Done():
				return
			case <-ticker.C:
			}
			err := lease.Refresh(jobCtx, p.lockTTL)
			switch {
			case err == nil:
			case errors.Is(err, locks.ErrLeaseLost):
				logger.Error("asset lock lost; stopping job", "error", err)
				cancel(locks.ErrLeaseLost)
				return
			case jobCtx.Err() == nil:
				logger.Warn("failed to refresh asset lock", "error", err)
			}
		}
	}()
	return jobCtx, func() {
		close(done)
		wg.Wait()
		cancel(nil)
	}
}

func leaseLost(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, locks.ErrLeaseLost) {
		return cause
	}
	return nil
}

func (p *Processor) markReady(ctx context.Context, logger *slog.Logger, assetID int64, response packaging.Response, attempts int) (Outcome, error) {
	manifest := strings.TrimSpace(response.ManifestPath)
	if manifest == "" {
		manifest = models.ManifestPathFor(assetID)
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := p.store.TransitionAsset(writeCtx, assetID, storage.Transition{To: models.StatusReady, EncryptedPath: manifest}); err != nil {
		logger.Error("failed to mark asset ready", "error", err)
		return OutcomeError, fmt.Errorf("mark asset %d ready: %w", assetID, err)
	}
	logger.Info("asset packaged", "encrypted_path", manifest, "attempts", attempts)
	return OutcomeReady, nil
}

// markFailed records exhaustion. The cause is logged, not persisted.
func (p *Processor) markFailed(ctx context.Context, logger *slog.Logger, assetID int64, cause error) (Outcome, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := p.store.TransitionAsset(writeCtx, assetID, storage.Transition{To: models.StatusFailed}); err != nil {
		logger.Error("failed to mark asset failed", "error", err, "cause", cause)
		return OutcomeError, fmt.Errorf("mark asset %d failed: %w", assetID, err)
	}
	logger.Error("asset packaging failed", "error", cause)
	return OutcomeFailed, nil
}
