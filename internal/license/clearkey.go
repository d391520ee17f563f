// Package license renders ClearKey license responses for ready assets.
package license

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"securevod/internal/models"
)

// ErrNotReady is returned when a license is requested for an asset that has
// not finished packaging.
var ErrNotReady = errors.New("asset not ready")

// Key is one entry of a ClearKey JSON Web Key set.
type Key struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	K   string `json:"k"`
}

// Response is the ClearKey license body.
type Response struct {
	Keys []Key  `json:"keys"`
	Type string `json:"type,omitempty"`
}

// HexToBase64URL converts hex to unpadded base64url.
func HexToBase64URL(value string) (string, error) {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("decode hex: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ForAsset builds the license for a READY asset with valid key material.
func ForAsset(asset models.Asset) (Response, error) {
	if asset.Status != models.StatusReady {
		return Response{}, ErrNotReady
	}
	if !asset.HasValidKeys() {
		return Response{}, fmt.Errorf("asset %d has malformed key material", asset.ID)
	}
	kid, err := HexToBase64URL(asset.KeyID)
	if err != nil {
		return Response{}, err
	}
	k, err := HexToBase64URL(asset.ContentKey)
	if err != nil {
		return Response{}, err
	}
	return Response{Keys: []Key{{Kty: "oct", Kid: kid, K: k}}}, nil
}
