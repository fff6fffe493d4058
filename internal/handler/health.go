package handler

import (
	"net/http"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Services  map[string]string `json:"services"`
	Providers int               `json:"providers"`
}

// Health returns the health status of the service
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	services := make(map[string]string)
	for name, dep := range map[string]HealthChecker{"postgres": h.db, "redis": h.rdb} {
		if dep == nil {
			continue
		}
		if err := dep.HealthCheck(ctx); err != nil {
			services[name] = "unhealthy"
		} else {
			services[name] = "healthy"
		}
	}

	providers := len(h.emailSvc.ListProviders())
	if providers == 0 {
		services["providers"] = "unhealthy"
	} else {
		services["providers"] = "healthy"
	}

	// Determine overall status
	status := "healthy"
	for _, s := range services {
		if s == "unhealthy" {
			status = "degraded"
			break
		}
	}

	resp := HealthResponse{
		Status:    status,
		Version:   Version,
		Services:  services,
		Providers: providers,
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// Ready returns whether the service is ready to accept requests
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.db != nil {
		if err := h.db.HealthCheck(ctx); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
	}

	if h.rdb != nil {
		if err := h.rdb.HealthCheck(ctx); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}

	if h.emailSvc.GetDefaultProvider() == "" {
		http.Error(w, "no email provider available", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
