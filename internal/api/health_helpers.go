package api

import (
	"context"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 1+len(h.probes))
	components = append(components, recordComponent("datastore", h.store.Ping(ctx)))
	for _, probe := range h.probes {
		components = append(components, recordComponent(probe.Name, probe.Check(ctx)))
	}
	return components, overallStatus, statusCode
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, healthResponse{Status: status, Components: components})
}
