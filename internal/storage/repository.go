package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"securevod/internal/models"
)

var (
	// ErrNotFound is returned when an asset does not exist.
	ErrNotFound = errors.New("asset not found")
	// ErrConflict is returned when a conditional update lost a race with
	// another writer.
	ErrConflict = errors.New("asset changed concurrently")
)

// Repository exposes the datastore operations required by the pipeline,
// the admin API and the operator CLI.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	// CreateAsset inserts an asset. When it starts in processing an outbox
	// row is written in the same transaction.
	CreateAsset(ctx context.Context, params CreateAssetParams) (models.Asset, error)
	// CommitUpload moves an uploading asset to processing and records an
	// outbox row atomically.
	CommitUpload(ctx context.Context, id int64) (models.Asset, error)
	// Reprocess moves a failed asset back to processing with a new outbox row.
	Reprocess(ctx context.Context, id int64) (models.Asset, error)
	GetAsset(ctx context.Context, id int64) (models.Asset, error)
	ListAssets(ctx context.Context, filter AssetFilter) ([]models.Asset, error)
	UpdateKeys(ctx context.Context, id int64, update KeyUpdate) (models.Asset, error)
	TransitionAsset(ctx context.Context, id int64, transition Transition) (models.Asset, error)

	PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkOutboxDispatched(ctx context.Context, assetID int64) error
}

// CreateAssetParams describes a new asset. Status defaults to processing,
// matching an upload that is committed together with its row.
type CreateAssetParams struct {
	Title              string
	FileRef            string
	CompressionEnabled bool
	Status             models.Status
}

// AssetFilter narrows ListAssets. Results are ordered newest first.
type AssetFilter struct {
	Status        models.Status
	UpdatedBefore time.Time
	Limit         int
}

// KeyUpdate carries the key fields to persist. Nil fields are left untouched.
type KeyUpdate struct {
	KeyID      *string
	ContentKey *string
}

// Empty reports whether the update writes nothing.
func (u KeyUpdate) Empty() bool {
	return u.KeyID == nil && u.ContentKey == nil
}

// Transition requests a status change. EncryptedPath is required when To is
// READY and ignored otherwise.
type Transition struct {
	To            models.Status
	EncryptedPath string
}

// OutboxEntry records that an asset needs a packaging job published.
type OutboxEntry struct {
	ID        int64
	AssetID   int64
	Reason    string
	CreatedAt time.Time
}

const (
	OutboxReasonCreated   = "created"
	OutboxReasonCommitted = "committed"
	OutboxReasonReprocess = "reprocess"
)

func normalizeCreateParams(params CreateAssetParams) (CreateAssetParams, error) {
	params.FileRef = strings.TrimSpace(params.FileRef)
	if params.FileRef == "" {
		return params, fmt.Errorf("file reference is required")
	}
	params.FileRef = path.Clean(params.FileRef)
	if path.IsAbs(params.FileRef) || strings.HasPrefix(params.FileRef, "..") {
		return params, fmt.Errorf("file reference must be relative to the media root")
	}
	params.Title = norm.NFC.String(strings.TrimSpace(params.Title))
	if params.Title == "" {
		params.Title = strings.TrimSuffix(path.Base(params.FileRef), path.Ext(params.FileRef))
	}
	if params.Status == "" {
		params.Status = models.StatusProcessing
	}
	if params.Status != models.StatusProcessing && params.Status != models.StatusUploading {
		return params, fmt.Errorf("assets must start in %s or %s, not %s", models.StatusUploading, models.StatusProcessing, params.Status)
	}
	return params, nil
}

func newAsset(id int64, params CreateAssetParams, now time.Time) models.Asset {
	return models.Asset{
		ID:                 id,
		Title:              params.Title,
		FileRef:            params.FileRef,
		Status:             params.Status,
		CompressionEnabled: params.CompressionEnabled,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// applyTransition validates the requested move against the current row and
// returns the asset as it must be written.
func applyTransition(current models.Asset, transition Transition, now time.Time) (models.Asset, error) {
	if err := models.ValidateTransition(current.Status, transition.To); err != nil {
		return models.Asset{}, err
	}
	next := current
	next.Status = transition.To
	next.UpdatedAt = now
	if transition.To == models.StatusReady {
		next.EncryptedPath = strings.TrimSpace(transition.EncryptedPath)
	} else {
		next.EncryptedPath = ""
	}
	if err := next.CheckInvariants(); err != nil {
		return models.Asset{}, fmt.Errorf("%w: %v", models.ErrInvalidTransition, err)
	}
	return next, nil
}

func applyKeyUpdate(current models.Asset, update KeyUpdate, now time.Time) (models.Asset, error) {
	next := current
	if update.KeyID != nil {
		if !models.ValidKeyHex(*update.KeyID) {
			return models.Asset{}, fmt.Errorf("key id must be %d hex characters", models.KeyHexLength)
		}
		next.KeyID = *update.KeyID
	}
	if update.ContentKey != nil {
		if !models.ValidKeyHex(*update.ContentKey) {
			return models.Asset{}, fmt.Errorf("content key must be %d hex characters", models.KeyHexLength)
		}
		next.ContentKey = *update.ContentKey
	}
	next.UpdatedAt = now
	return next, nil
}

func matchesFilter(asset models.Asset, filter AssetFilter) bool {
	if filter.Status != "" && asset.Status != filter.Status {
		return false
	}
	if !filter.UpdatedBefore.IsZero() && !asset.UpdatedAt.Before(filter.UpdatedBefore) {
		return false
	}
	return true
}
