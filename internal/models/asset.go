package models

import (
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	// KeyBytes is the size of both the content key and the key identifier.
	KeyBytes = 16
	// KeyHexLength is the length of the lowercase hex rendering of a key.
	KeyHexLength = KeyBytes * 2

	// UploadsDir is the media-root relative directory holding source uploads.
	UploadsDir = "uploads"
	// EncryptedDir is the media-root relative directory holding packaged output.
	EncryptedDir = "encrypted"
	// ManifestName is the DASH manifest written into every output directory.
	ManifestName = "stream.mpd"
)

// Asset is an uploaded media item tracked through the encryption pipeline.
// KeyID and ContentKey are empty until provisioned; EncryptedPath is empty
// until the asset reaches StatusReady.
type Asset struct {
	ID                 int64     `json:"id"`
	Title              string    `json:"title"`
	FileRef            string    `json:"fileRef"`
	Status             Status    `json:"status"`
	KeyID              string    `json:"keyId,omitempty"`
	ContentKey         string    `json:"contentKey,omitempty"`
	EncryptedPath      string    `json:"encryptedPath,omitempty"`
	CompressionEnabled bool      `json:"compressionEnabled"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// HasValidKeys reports whether both key fields are well-formed.
func (a Asset) HasValidKeys() bool {
	return ValidKeyHex(a.KeyID) && ValidKeyHex(a.ContentKey)
}

// OutputDir is the deterministic media-root relative output directory.
func (a Asset) OutputDir() string {
	return OutputDirFor(a.ID)
}

// CheckInvariants validates the relationships between status, output path
// and key material that every persisted asset must satisfy.
func (a Asset) CheckInvariants() error {
	if !a.Status.Valid() {
		return fmt.Errorf("asset %d: unknown status %q", a.ID, a.Status)
	}
	ready := a.Status == StatusReady
	if ready && strings.TrimSpace(a.EncryptedPath) == "" {
		return fmt.Errorf("asset %d: ready without encrypted path", a.ID)
	}
	if !ready && strings.TrimSpace(a.EncryptedPath) != "" {
		return fmt.Errorf("asset %d: encrypted path set in status %s", a.ID, a.Status)
	}
	if ready && !a.HasValidKeys() {
		return fmt.Errorf("asset %d: ready without valid key material", a.ID)
	}
	if a.KeyID != "" && !ValidKeyHex(a.KeyID) {
		return fmt.Errorf("asset %d: malformed key id", a.ID)
	}
	if a.ContentKey != "" && !ValidKeyHex(a.ContentKey) {
		return fmt.Errorf("asset %d: malformed content key", a.ID)
	}
	return nil
}

// ValidKeyHex reports whether value is exactly 32 hex characters.
func ValidKeyHex(value string) bool {
	if len(value) != KeyHexLength {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}

// OutputDirFor returns encrypted/<id>.
func OutputDirFor(id int64) string {
	return path.Join(EncryptedDir, strconv.FormatInt(id, 10))
}

// ManifestPathFor returns encrypted/<id>/stream.mpd.
func ManifestPathFor(id int64) string {
	return path.Join(OutputDirFor(id), ManifestName)
}

// UploadRef returns the media-root relative reference for an uploaded file name.
func UploadRef(name string) string {
	return path.Join(UploadsDir, path.Base(strings.TrimSpace(name)))
}
