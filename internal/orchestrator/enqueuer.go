package orchestrator

import (
	"context"
	"log/slog"

	"securevod/internal/observability/logging"
	"securevod/internal/observability/metrics"
	"securevod/internal/queue"
)

// Publisher hands a job to the task queue.
type Publisher interface {
	Publish(ctx context.Context, job queue.Job) error
}

// OutboxMarker clears an asset's outbox rows after a successful publish.
type OutboxMarker interface {
	MarkOutboxDispatched(ctx context.Context, assetID int64) error
}

// Enqueuer schedules packaging jobs after the asset row has been committed.
// With a nil publisher every job stays in the outbox for a Dispatcher
// running in another process.
type Enqueuer struct {
	publisher Publisher
	outbox    OutboxMarker
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

func NewEnqueuer(publisher Publisher, outbox OutboxMarker, recorder *metrics.Recorder, logger *slog.Logger) *Enqueuer {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{publisher: publisher, outbox: outbox, metrics: recorder, logger: logger}
}

// Submit publishes a job for assetID. Failures are logged and swallowed: the
// outbox row written with the asset keeps the job alive until the
// dispatcher republishes it.
func (e *Enqueuer) Submit(ctx context.Context, assetID int64) {
	e.submit(ctx, assetID, "submit")
}

func (e *Enqueuer) submit(ctx context.Context, assetID int64, reason string) bool {
	job := queue.NewJob(assetID, reason)
	logger := logging.WithContext(logging.ContextWithJobID(logging.ContextWithAssetID(ctx, assetID), job.ID), e.logger)
	if e.publisher == nil {
		logger.Info("packaging job left for the dispatcher", "reason", reason)
		return false
	}
	if err := e.publisher.Publish(ctx, job); err != nil {
		e.metrics.EnqueueFailed()
		logger.Error("failed to enqueue packaging job", "reason", reason, "error", err)
		return false
	}
	if e.outbox != nil {
		if err := e.outbox.MarkOutboxDispatched(ctx, assetID); err != nil {
			logger.Warn("failed to clear outbox entry", "error", err)
		}
	}
	logger.Debug("packaging job enqueued", "reason", reason)
	return true
}
