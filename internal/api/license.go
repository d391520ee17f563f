package api

import (
	"errors"
	"net/http"

	"securevod/internal/license"
	"securevod/internal/serverutil"
)

// licenseRequest is the body a ClearKey CDM sends. Only the session type is
// used; the key ids requested are not checked since each asset has one key.
type licenseRequest struct {
	Kids []string `json:"kids"`
	Type string   `json:"type"`
}

func (h *Handler) handleLicense(w http.ResponseWriter, r *http.Request) {
	var req licenseRequest
	if r.Method == http.MethodPost {
		if err := decodeJSONAllowUnknown(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	asset, ok := h.readyAsset(w, r)
	if !ok {
		return
	}
	response, err := license.ForAsset(asset)
	if err != nil {
		serverutil.LoggerFromRequest(r.Context(), h.logger).Error("build license failed", "asset_id", asset.ID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("license unavailable"))
		return
	}
	response.Type = req.Type
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, response)
}
