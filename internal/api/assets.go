package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"securevod/internal/models"
	"securevod/internal/serverutil"
	"securevod/internal/storage"
)

const maxListLimit = 500

// assetResponse is the public rendering of a ready asset. Key material is
// deliberately absent.
type assetResponse struct {
	ID                 int64     `json:"id"`
	Title              string    `json:"title"`
	ManifestPath       string    `json:"manifestPath"`
	ManifestURL        string    `json:"manifestUrl"`
	LicenseURL         string    `json:"licenseUrl"`
	CompressionEnabled bool      `json:"compressionEnabled"`
	CreatedAt          time.Time `json:"createdAt"`
}

func (h *Handler) newAssetResponse(asset models.Asset) assetResponse {
	return assetResponse{
		ID:                 asset.ID,
		Title:              asset.Title,
		ManifestPath:       asset.EncryptedPath,
		ManifestURL:        h.mediaURL + strings.TrimPrefix(asset.EncryptedPath, "/"),
		LicenseURL:         "/license/" + strconv.FormatInt(asset.ID, 10),
		CompressionEnabled: asset.CompressionEnabled,
		CreatedAt:          asset.CreatedAt.UTC(),
	}
}

func (h *Handler) handleListAssets(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxListLimit)
	}
	assets, err := h.store.ListAssets(r.Context(), storage.AssetFilter{Status: models.StatusReady, Limit: limit})
	if err != nil {
		serverutil.LoggerFromRequest(r.Context(), h.logger).Error("list ready assets failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("list assets failed"))
		return
	}
	response := make([]assetResponse, 0, len(assets))
	for _, asset := range assets {
		response = append(response, h.newAssetResponse(asset))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.readyAsset(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.newAssetResponse(asset))
}

// readyAsset loads the asset named by the {id} URL parameter and writes a 404
// unless it exists and is ready.
func (h *Handler) readyAsset(w http.ResponseWriter, r *http.Request) (models.Asset, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, errNotFound)
		return models.Asset{}, false
	}
	asset, err := h.store.GetAsset(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, errNotFound)
			return models.Asset{}, false
		}
		serverutil.LoggerFromRequest(r.Context(), h.logger).Error("load asset failed", "asset_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("load asset failed"))
		return models.Asset{}, false
	}
	if asset.Status != models.StatusReady {
		writeError(w, http.StatusNotFound, errNotFound)
		return models.Asset{}, false
	}
	return asset, true
}
