package orchestrator

import (
	"context"
	"errors"

	"securevod/internal/models"
	"securevod/internal/storage"
)

// IntakeStore is the write side used when assets enter the pipeline.
type IntakeStore interface {
	CreateAsset(ctx context.Context, params storage.CreateAssetParams) (models.Asset, error)
	CommitUpload(ctx context.Context, id int64) (models.Asset, error)
	Reprocess(ctx context.Context, id int64) (models.Asset, error)
}

// Intake writes assets and submits their jobs once the write has
// committed.
type Intake struct {
	store    IntakeStore
	enqueuer *Enqueuer
}

func NewIntake(store IntakeStore, enqueuer *Enqueuer) (*Intake, error) {
	if store == nil || enqueuer == nil {
		return nil, errors.New("intake requires a store and an enqueuer")
	}
	return &Intake{store: store, enqueuer: enqueuer}, nil
}

// Create inserts an asset. Assets created in processing are submitted
// immediately; uploading assets wait for Commit.
func (i *Intake) Create(ctx context.Context, params storage.CreateAssetParams) (models.Asset, error) {
	asset, err := i.store.CreateAsset(ctx, params)
	if err != nil {
		return models.Asset{}, err
	}
	if asset.Status == models.StatusProcessing {
		i.enqueuer.Submit(ctx, asset.ID)
	}
	return asset, nil
}

// Commit moves an uploading asset to processing and submits it.
func (i *Intake) Commit(ctx context.Context, id int64) (models.Asset, error) {
	asset, err := i.store.CommitUpload(ctx, id)
	if err != nil {
		return models.Asset{}, err
	}
	i.enqueuer.Submit(ctx, asset.ID)
	return asset, nil
}

// Reprocess moves a failed asset back to processing and submits it.
func (i *Intake) Reprocess(ctx context.Context, id int64) (models.Asset, error) {
	asset, err := i.store.Reprocess(ctx, id)
	if err != nil {
		return models.Asset{}, err
	}
	i.enqueuer.Submit(ctx, asset.ID)
	return asset, nil
}
