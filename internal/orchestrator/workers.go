package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"securevod/internal/models"
	"securevod/internal/observability/logging"
	"securevod/internal/observability/metrics"
	"securevod/internal/queue"
	"securevod/internal/storage"
)

const defaultWorkers = 2

// JobProcessor runs one job to completion.
type JobProcessor interface {
	Process(ctx context.Context, assetID int64) (Outcome, error)
}

// PendingLister finds assets left in processing by a previous run.
type PendingLister interface {
	ListAssets(ctx context.Context, filter storage.AssetFilter) ([]models.Asset, error)
}

type WorkerPoolConfig struct {
	Queue     queue.Queue
	Processor JobProcessor
	// Pending, when set, is scanned on Start and every processing asset is
	// re-enqueued.
	Pending PendingLister
	Workers int
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// WorkerPool consumes packaging jobs from the queue. Each worker holds its
// own subscription and runs one job at a time.
type WorkerPool struct {
	queue     queue.Queue
	processor JobProcessor
	pending   PendingLister
	workers   int
	metrics   *metrics.Recorder
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func NewWorkerPool(cfg WorkerPoolConfig) *WorkerPool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
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
	return &WorkerPool{
		queue:     cfg.Queue,
		processor: cfg.Processor,
		pending:   cfg.Pending,
		workers:   workers,
		metrics:   recorder,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the workers and the recovery scan. It is a no-op after the
// first call.
func (p *WorkerPool) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		sub := p.queue.Subscribe()
		p.wg.Add(1)
		go p.worker(sub)
	}

	if p.pending != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.recoverPending()
		}()
	}
}

// Shutdown interrupts running jobs and waits for the workers to exit or
// ctx to expire. Interrupted assets stay processing and are recovered on
// the next start.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) worker(sub queue.Subscription) {
	defer p.wg.Done()
	defer sub.Close()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-sub.Jobs():
			if !ok {
				return
			}
			p.run(job)
		}
	}
}

func (p *WorkerPool) run(job queue.Job) {
	ctx := logging.ContextWithJobID(p.ctx, job.ID)
	ctx = logging.ContextWithAssetID(ctx, job.AssetID)

	p.metrics.JobStarted()
	outcome, err := p.processor.Process(ctx, job.AssetID)
	p.metrics.JobFinished(string(outcome))

	if err != nil && !errors.Is(err, context.Canceled) {
		var notFound *NotFoundError
		if !errors.As(err, &notFound) {
			logging.WithContext(ctx, p.logger).Error("packaging job ended with error", "outcome", outcome, "error", err)
		}
	}
}

func (p *WorkerPool) recoverPending() {
	assets, err := p.pending.ListAssets(p.ctx, storage.AssetFilter{Status: models.StatusProcessing})
	if err != nil {
		if p.ctx.Err() == nil {
			p.logger.Error("failed to list pending assets", "error", err)
		}
		return
	}
	for _, asset := range assets {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		if err := p.queue.Publish(p.ctx, queue.NewJob(asset.ID, "recovery")); err != nil {
			p.logger.Error("failed to re-enqueue pending asset", "asset_id", asset.ID, "error", err)
			continue
		}
	}
	if len(assets) > 0 {
		p.logger.Info("re-enqueued pending assets", "count", len(assets))
	}
}
