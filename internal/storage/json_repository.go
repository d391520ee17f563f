package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"

	"securevod/internal/models"
)

const jsonLockRetryDelay = 10 * time.Millisecond

type dataset struct {
	NextAssetID  int64                   `json:"nextAssetId"`
	NextOutboxID int64                   `json:"nextOutboxId"`
	Assets       map[string]models.Asset `json:"assets"`
	Outbox       []OutboxEntry           `json:"outbox"`
}

func newDataset() dataset {
	return dataset{NextAssetID: 1, NextOutboxID: 1, Assets: make(map[string]models.Asset)}
}

// JSONRepository stores assets in a single JSON document. Every operation
// reloads the file under an exclusive file lock and replaces it atomically,
// so several processes (worker, CLI) can share one file.
type JSONRepository struct {
	mu       sync.Mutex
	filePath string
	fileLock *flock.Flock
	clock    func() time.Time
	logger   *slog.Logger
}

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewJSONStore(path, opts...)
}

// NewJSONStore opens the JSON-backed datastore.
func NewJSONStore(path string, opts ...Option) (*JSONRepository, error) {
	if path == "" {
		return nil, fmt.Errorf("json store path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	repo := &JSONRepository{
		filePath: path,
		fileLock: flock.New(path + ".lock"),
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(repo)
		}
	}
	err := repo.withDataset(context.Background(), false, func(*dataset) error { return nil })
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *JSONRepository) Ping(ctx context.Context) error {
	return r.withDataset(ctx, false, func(*dataset) error { return nil })
}

func (r *JSONRepository) Close(context.Context) error {
	if r == nil || r.fileLock == nil {
		return nil
	}
	return r.fileLock.Close()
}

func (r *JSONRepository) CreateAsset(ctx context.Context, params CreateAssetParams) (models.Asset, error) {
	params, err := normalizeCreateParams(params)
	if err != nil {
		return models.Asset{}, err
	}
	var created models.Asset
	err = r.withDataset(ctx, true, func(data *dataset) error {
		now := r.clock()
		created = newAsset(data.NextAssetID, params, now)
		data.NextAssetID++
		data.Assets[assetKey(created.ID)] = created
		if created.Status == models.StatusProcessing {
			data.appendOutbox(created.ID, OutboxReasonCreated, now)
		}
		return nil
	})
	return created, err
}

func (r *JSONRepository) CommitUpload(ctx context.Context, id int64) (models.Asset, error) {
	return r.transitionWithOutbox(ctx, id, models.StatusUploading, OutboxReasonCommitted)
}

func (r *JSONRepository) Reprocess(ctx context.Context, id int64) (models.Asset, error) {
	return r.transitionWithOutbox(ctx, id, models.StatusFailed, OutboxReasonReprocess)
}

func (r *JSONRepository) transitionWithOutbox(ctx context.Context, id int64, from models.Status, reason string) (models.Asset, error) {
	var updated models.Asset
	err := r.withDataset(ctx, true, func(data *dataset) error {
		current, ok := data.Assets[assetKey(id)]
		if !ok {
			return ErrNotFound
		}
		if current.Status != from {
			return fmt.Errorf("%w: asset %d is %s, expected %s", models.ErrInvalidTransition, id, current.Status, from)
		}
		now := r.clock()
		next, err := applyTransition(current, Transition{To: models.StatusProcessing}, now)
		if err != nil {
			return err
		}
		data.Assets[assetKey(id)] = next
		data.appendOutbox(id, reason, now)
		updated = next
		return nil
	})
	return updated, err
}

func (r *JSONRepository) GetAsset(ctx context.Context, id int64) (models.Asset, error) {
	var asset models.Asset
	err := r.withDataset(ctx, false, func(data *dataset) error {
		found, ok := data.Assets[assetKey(id)]
		if !ok {
			return ErrNotFound
		}
		asset = found
		return nil
	})
	return asset, err
}

func (r *JSONRepository) ListAssets(ctx context.Context, filter AssetFilter) ([]models.Asset, error) {
	var assets []models.Asset
	err := r.withDataset(ctx, false, func(data *dataset) error {
		for _, asset := range data.Assets {
			if matchesFilter(asset, filter) {
				assets = append(assets, asset)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].ID > assets[j].ID
		}
		return assets[i].CreatedAt.After(assets[j].CreatedAt)
	})
	if filter.Limit > 0 && len(assets) > filter.Limit {
		assets = assets[:filter.Limit]
	}
	return assets, nil
}

func (r *JSONRepository) UpdateKeys(ctx context.Context, id int64, update KeyUpdate) (models.Asset, error) {
	var updated models.Asset
	err := r.withDataset(ctx, true, func(data *dataset) error {
		current, ok := data.Assets[assetKey(id)]
		if !ok {
			return ErrNotFound
		}
		next, err := applyKeyUpdate(current, update, r.clock())
		if err != nil {
			return err
		}
		data.Assets[assetKey(id)] = next
		updated = next
		return nil
	})
	return updated, err
}

func (r *JSONRepository) TransitionAsset(ctx context.Context, id int64, transition Transition) (models.Asset, error) {
	var updated models.Asset
	err := r.withDataset(ctx, true, func(data *dataset) error {
		current, ok := data.Assets[assetKey(id)]
		if !ok {
			return ErrNotFound
		}
		next, err := applyTransition(current, transition, r.clock())
		if err != nil {
			return err
		}
		data.Assets[assetKey(id)] = next
		updated = next
		return nil
	})
	return updated, err
}

func (r *JSONRepository) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := r.withDataset(ctx, false, func(data *dataset) error {
		entries = append(entries, data.Outbox...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (r *JSONRepository) MarkOutboxDispatched(ctx context.Context, assetID int64) error {
	return r.withDataset(ctx, true, func(data *dataset) error {
		kept := data.Outbox[:0]
		for _, entry := range data.Outbox {
			if entry.AssetID != assetID {
				kept = append(kept, entry)
			}
		}
		data.Outbox = kept
		return nil
	})
}

func (d *dataset) appendOutbox(assetID int64, reason string, now time.Time) {
	d.Outbox = append(d.Outbox, OutboxEntry{ID: d.NextOutboxID, AssetID: assetID, Reason: reason, CreatedAt: now})
	d.NextOutboxID++
}

// withDataset loads the document under the process mutex and the file lock,
// runs fn, and when write is set persists the result atomically.
func (r *JSONRepository) withDataset(ctx context.Context, write bool, fn func(*dataset) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	locked, err := r.fileLock.TryLockContext(ctx, jsonLockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock store file: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock store file: %w", ctx.Err())
	}
	defer func() {
		if err := r.fileLock.Unlock(); err != nil {
			r.logger.Warn("unlock store file failed", "path", r.filePath, "error", err)
		}
	}()

	data, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(&data); err != nil {
		return err
	}
	if !write {
		return nil
	}
	return r.persist(data)
}

func (r *JSONRepository) load() (dataset, error) {
	file, err := os.Open(r.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return newDataset(), nil
	} else if err != nil {
		return dataset{}, fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	data := newDataset()
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return newDataset(), nil
		}
		return dataset{}, fmt.Errorf("decode store file: %w", err)
	}
	if data.Assets == nil {
		data.Assets = make(map[string]models.Asset)
	}
	if data.NextAssetID <= 0 {
		data.NextAssetID = 1
	}
	if data.NextOutboxID <= 0 {
		data.NextOutboxID = 1
	}
	return data, nil
}

func (r *JSONRepository) persist(data dataset) error {
	pending, err := renameio.NewPendingFile(r.filePath, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			r.logger.Debug("cleanup temp store file", "error", err)
		}
	}()

	encoder := json.NewEncoder(pending)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

func assetKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
