package handler

import (
	"net/http"
	"time"

	"github.com/bulkmail/bulkmail/internal/service"
)

// TrackEvent handles POST /api/v1/email/events
func (h *Handler) TrackEvent(w http.ResponseWriter, r *http.Request) {
	if h.eventSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "EVENTS_DISABLED", "Event tracking is not enabled")
		return
	}

	var req service.TrackEventRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	event, err := h.eventSvc.Track(r.Context(), &req)
	if err != nil {
		if service.IsValidationError(err) {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		h.log.Error().Err(err).Msg("failed to track email event")
		writeError(w, http.StatusInternalServerError, "TRACK_FAILED", h.internalMessage(err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"id":      event.ID,
	})
}

// EmailStats handles GET /api/v1/email/stats?from=&to= (RFC 3339)
func (h *Handler) EmailStats(w http.ResponseWriter, r *http.Request) {
	if h.eventSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "EVENTS_DISABLED", "Event tracking is not enabled")
		return
	}

	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FROM", "from must be an RFC 3339 timestamp")
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_TO", "to must be an RFC 3339 timestamp")
		return
	}

	stats, err := h.eventSvc.Stats(r.Context(), from, to)
	if err != nil {
		if service.IsValidationError(err) {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		h.log.Error().Err(err).Msg("failed to load email stats")
		writeError(w, http.StatusInternalServerError, "STATS_FAILED", h.internalMessage(err))
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// ProviderHealth handles GET /api/v1/email/health
func (h *Handler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	if h.eventSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "EVENTS_DISABLED", "Event tracking is not enabled")
		return
	}

	health, err := h.eventSvc.ProviderHealth(r.Context(), service.DefaultStatsWindow)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load provider health")
		writeError(w, http.StatusInternalServerError, "HEALTH_FAILED", h.internalMessage(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": health,
	})
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}
