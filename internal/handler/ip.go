package handler

import (
	"errors"
	"net/http"

	"github.com/bulkmail/bulkmail/internal/service"
)

// AddIPRequest is the body of POST /api/v1/email/providers/{name}/ips
type AddIPRequest struct {
	IPAddress string `json:"ipAddress" validate:"required,ip"`
	IsActive  *bool  `json:"isActive,omitempty"`
}

// AddProviderIP handles POST /api/v1/email/providers/{name}/ips
func (h *Handler) AddProviderIP(w http.ResponseWriter, r *http.Request) {
	if h.ipSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "IP_ROTATION_DISABLED", "IP rotation is not enabled")
		return
	}

	var req AddIPRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if err := service.Validate(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	ip, err := h.ipSvc.AddIPToProvider(r.Context(), r.PathValue("name"), req.IPAddress, active)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidIPAddress):
			writeError(w, http.StatusBadRequest, "INVALID_IP", err.Error())
		case errors.Is(err, service.ErrProviderNotFound):
			writeError(w, http.StatusNotFound, "PROVIDER_NOT_FOUND", err.Error())
		case errors.Is(err, service.ErrIPExists):
			writeError(w, http.StatusConflict, "IP_EXISTS", err.Error())
		default:
			h.log.Error().Err(err).Msg("failed to add provider ip")
			writeError(w, http.StatusInternalServerError, "ADD_IP_FAILED", h.internalMessage(err))
		}
		return
	}

	writeJSON(w, http.StatusCreated, ip)
}

// IPStats handles GET /api/v1/email/ips/stats
func (h *Handler) IPStats(w http.ResponseWriter, r *http.Request) {
	if h.ipSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "IP_ROTATION_DISABLED", "IP rotation is not enabled")
		return
	}

	stats, err := h.ipSvc.GetIPStats(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		if errors.Is(err, service.ErrProviderNotFound) {
			writeError(w, http.StatusNotFound, "PROVIDER_NOT_FOUND", err.Error())
			return
		}
		h.log.Error().Err(err).Msg("failed to load ip stats")
		writeError(w, http.StatusInternalServerError, "IP_STATS_FAILED", h.internalMessage(err))
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// CheckIP handles GET /api/v1/ip/check/{ip}
func (h *Handler) CheckIP(w http.ResponseWriter, r *http.Request) {
	result, err := h.blocklist.Check(r.Context(), r.PathValue("ip"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidIPAddress) {
			writeError(w, http.StatusBadRequest, "INVALID_IP", "A valid IPv4 address is required")
			return
		}
		h.log.Error().Err(err).Msg("blocklist lookup failed")
		writeError(w, http.StatusBadGateway, "DNSBL_LOOKUP_FAILED", "Blocklist lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
