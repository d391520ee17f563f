// Package keys provisions the ClearKey material attached to each asset.
package keys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"securevod/internal/models"
	"securevod/internal/storage"
)

// Material is the key pair handed to the packaging worker.
type Material struct {
	KeyID      string
	ContentKey string
}

// Store persists generated key fields. Only non-nil fields of the update are
// written, together with a refreshed updatedAt, in one atomic operation.
type Store interface {
	UpdateKeys(ctx context.Context, id int64, update storage.KeyUpdate) (models.Asset, error)
}

// Provisioner fills in missing or malformed key material.
//
// Calls for the same asset must be serialized by the caller; the processor
// does this through its per-asset lock.
type Provisioner struct {
	store  Store
	random io.Reader
	logger *slog.Logger
}

// Option customizes a Provisioner.
type Option func(*Provisioner)

// WithRandom overrides the entropy source. Intended for tests.
func WithRandom(r io.Reader) Option {
	return func(p *Provisioner) {
		if r != nil {
			p.random = r
		}
	}
}

// WithLogger sets the logger used for provisioning events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provisioner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProvisioner builds a Provisioner writing through store.
func NewProvisioner(store Store, opts ...Option) *Provisioner {
	p := &Provisioner{store: store, random: rand.Reader, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnsureKeys returns the asset's key material, generating and persisting
// only the fields that are absent or not 32 hex characters. Valid material
// is returned unchanged without touching the store.
func (p *Provisioner) EnsureKeys(ctx context.Context, asset models.Asset) (Material, error) {
	material := Material{KeyID: asset.KeyID, ContentKey: asset.ContentKey}
	var update storage.KeyUpdate

	if !models.ValidKeyHex(asset.KeyID) {
		kid, err := p.generate()
		if err != nil {
			return Material{}, fmt.Errorf("generate key id: %w", err)
		}
		material.KeyID = kid
		update.KeyID = &kid
	}
	if !models.ValidKeyHex(asset.ContentKey) {
		key, err := p.generate()
		if err != nil {
			return Material{}, fmt.Errorf("generate content key: %w", err)
		}
		material.ContentKey = key
		update.ContentKey = &key
	}
	if update.Empty() {
		return material, nil
	}
	if p.store == nil {
		return Material{}, fmt.Errorf("key store unavailable")
	}
	if _, err := p.store.UpdateKeys(ctx, asset.ID, update); err != nil {
		return Material{}, fmt.Errorf("persist keys for asset %d: %w", asset.ID, err)
	}
	p.logger.Info("provisioned key material",
		"asset_id", asset.ID,
		"key_id_generated", update.KeyID != nil,
		"content_key_generated", update.ContentKey != nil,
	)
	return material, nil
}

func (p *Provisioner) generate() (string, error) {
	buf := make([]byte, models.KeyBytes)
	if _, err := io.ReadFull(p.random, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
