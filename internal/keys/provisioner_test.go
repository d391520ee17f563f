package keys

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"securevod/internal/models"
	"securevod/internal/storage"
)

type fakeKeyStore struct {
	mu      sync.Mutex
	updates []storage.KeyUpdate
	err     error
}

func (s *fakeKeyStore) UpdateKeys(_ context.Context, id int64, update storage.KeyUpdate) (models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return models.Asset{}, s.err
	}
	s.updates = append(s.updates, update)
	return models.Asset{ID: id}, nil
}

func newTestProvisioner(store Store, random io.Reader) *Provisioner {
	return NewProvisioner(store,
		WithRandom(random),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func sequentialBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}

func TestEnsureKeysGeneratesBothWhenMissing(t *testing.T) {
	store := &fakeKeyStore{}
	p := newTestProvisioner(store, bytes.NewReader(sequentialBytes(32)))

	material, err := p.EnsureKeys(context.Background(), models.Asset{ID: 1, Status: models.StatusProcessing})
	if err != nil {
		t.Fatalf("EnsureKeys: %v", err)
	}
	if material.KeyID != "000102030405060708090a0b0c0d0e0f" {
		t.Fatalf("unexpected key id %q", material.KeyID)
	}
	if material.ContentKey != "101112131415161718191a1b1c1d1e1f" {
		t.Fatalf("unexpected content key %q", material.ContentKey)
	}
	if len(store.updates) != 1 {
		t.Fatalf("expected a single atomic update, got %d", len(store.updates))
	}
	update := store.updates[0]
	if update.KeyID == nil || update.ContentKey == nil {
		t.Fatalf("expected both fields persisted, got %+v", update)
	}
}

func TestEnsureKeysIsIdempotent(t *testing.T) {
	store := &fakeKeyStore{}
	p := newTestProvisioner(store, bytes.NewReader(nil))
	asset := models.Asset{
		ID:         2,
		KeyID:      "000102030405060708090a0b0c0d0e0f",
		ContentKey: "0f0e0d0c0b0a09080706050403020100",
	}

	for i := 0; i < 3; i++ {
		material, err := p.EnsureKeys(context.Background(), asset)
		if err != nil {
			t.Fatalf("EnsureKeys: %v", err)
		}
		if material.KeyID != asset.KeyID || material.ContentKey != asset.ContentKey {
			t.Fatalf("material changed: %+v", material)
		}
	}
	if len(store.updates) != 0 {
		t.Fatalf("expected no writes, got %d", len(store.updates))
	}
}

func TestEnsureKeysRepairsOnlyInvalidField(t *testing.T) {
	store := &fakeKeyStore{}
	p := newTestProvisioner(store, bytes.NewReader(sequentialBytes(16)))
	asset := models.Asset{
		ID:         3,
		KeyID:      "000102030405060708090a0b0c0d0e0f",
		ContentKey: "not-hex-and-too-short",
	}

	material, err := p.EnsureKeys(context.Background(), asset)
	if err != nil {
		t.Fatalf("EnsureKeys: %v", err)
	}
	if material.KeyID != asset.KeyID {
		t.Fatalf("valid key id was replaced: %q", material.KeyID)
	}
	if !models.ValidKeyHex(material.ContentKey) {
		t.Fatalf("content key not repaired: %q", material.ContentKey)
	}
	if len(store.updates) != 1 {
		t.Fatalf("expected one update, got %d", len(store.updates))
	}
	if store.updates[0].KeyID != nil {
		t.Fatal("key id must not be rewritten")
	}
}

func TestEnsureKeysPropagatesStoreError(t *testing.T) {
	store := &fakeKeyStore{err: errors.New("disk full")}
	p := newTestProvisioner(store, bytes.NewReader(sequentialBytes(32)))
	if _, err := p.EnsureKeys(context.Background(), models.Asset{ID: 4}); err == nil {
		t.Fatal("expected error")
	}
}

func TestEnsureKeysShortEntropy(t *testing.T) {
	p := newTestProvisioner(&fakeKeyStore{}, bytes.NewReader(sequentialBytes(4)))
	if _, err := p.EnsureKeys(context.Background(), models.Asset{ID: 5}); err == nil {
		t.Fatal("expected error when entropy source is exhausted")
	}
}
