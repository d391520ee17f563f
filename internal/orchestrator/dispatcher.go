package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"securevod/internal/models"
	"securevod/internal/observability/metrics"
	"securevod/internal/storage"
)

const (
	DefaultDispatchInterval = 10 * time.Second
	defaultDispatchBatch    = 100
)

// DispatchStore is what the dispatcher reads and clears.
type DispatchStore interface {
	PendingOutbox(ctx context.Context, limit int) ([]storage.OutboxEntry, error)
	MarkOutboxDispatched(ctx context.Context, assetID int64) error
	ListAssets(ctx context.Context, filter storage.AssetFilter) ([]models.Asset, error)
}

type DispatcherConfig struct {
	Store     DispatchStore
	Publisher Publisher
	Interval  time.Duration
	// Grace leaves fresh outbox rows to the Enqueuer that created them.
	Grace time.Duration
	// StaleAfter re-drives processing assets untouched for this long.
	// Zero disables the sweep.
	StaleAfter time.Duration
	BatchSize  int
	Clock      func() time.Time
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
}

// Dispatcher republishes jobs whose original submit never landed, and
// re-drives assets stuck in processing.
type Dispatcher struct {
	store      DispatchStore
	enqueuer   *Enqueuer
	interval   time.Duration
	grace      time.Duration
	staleAfter time.Duration
	batch      int
	clock      func() time.Time
	metrics    *metrics.Recorder
	logger     *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		store:      cfg.Store,
		interval:   cfg.Interval,
		grace:      cfg.Grace,
		staleAfter: cfg.StaleAfter,
		batch:      cfg.BatchSize,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
	if d.interval <= 0 {
		d.interval = DefaultDispatchInterval
	}
	if d.grace < 0 {
		d.grace = 0
	}
	if d.batch <= 0 {
		d.batch = defaultDispatchBatch
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	if d.metrics == nil {
		d.metrics = metrics.Default()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.enqueuer = NewEnqueuer(cfg.Publisher, cfg.Store, d.metrics, d.logger)
	return d
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce performs one poll and returns how many jobs it published.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	now := d.clock()
	published := 0

	entries, err := d.store.PendingOutbox(ctx, d.batch)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("failed to read outbox", "error", err)
		}
		return 0
	}
	d.metrics.SetOutboxPending(len(entries))
	seen := make(map[int64]struct{}, len(entries))
	dispatched := 0
	for _, entry := range entries {
		if _, dup := seen[entry.AssetID]; dup {
			continue
		}
		if d.grace > 0 && now.Sub(entry.CreatedAt) < d.grace {
			continue
		}
		seen[entry.AssetID] = struct{}{}
		if d.enqueuer.submit(ctx, entry.AssetID, entry.Reason) {
			dispatched++
		}
	}
	d.metrics.OutboxDispatched(dispatched)
	published += dispatched

	if d.staleAfter > 0 {
		stale, err := d.store.ListAssets(ctx, storage.AssetFilter{
			Status:        models.StatusProcessing,
			UpdatedBefore: now.Add(-d.staleAfter),
			Limit:         d.batch,
		})
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("failed to list stale assets", "error", err)
			}
			return published
		}
		for _, asset := range stale {
			if _, done := seen[asset.ID]; done {
				continue
			}
			if d.enqueuer.submit(ctx, asset.ID, "stale") {
				published++
			}
		}
	}
	if published > 0 {
		d.logger.Info("dispatched packaging jobs", "count", published)
	}
	return published
}
