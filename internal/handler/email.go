package handler

import (
	"errors"
	"net/http"

	"github.com/bulkmail/bulkmail/internal/model"
	"github.com/bulkmail/bulkmail/internal/service"
)

// SetDefaultProviderRequest is the body of POST /api/v1/email/providers/default
type SetDefaultProviderRequest struct {
	Provider string `json:"provider" validate:"required"`
}

// SendEmail handles POST /api/v1/email/send
func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req model.SendRequest
	if err := readJSON(w, r, &req); err != nil {
		writeSendError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), nil)
		return
	}

	result, err := h.emailSvc.SendOne(r.Context(), &req, "")
	if err != nil {
		h.writeSendFailure(w, err)
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

// SendBatch handles POST /api/v1/email/send-batch
func (h *Handler) SendBatch(w http.ResponseWriter, r *http.Request) {
	var req model.BatchRequest
	if err := readJSON(w, r, &req); err != nil {
		writeSendError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), nil)
		return
	}

	if err := service.Validate(&req); err != nil {
		h.writeSendFailure(w, err)
		return
	}
	if req.Provider != "" && !h.emailSvc.HasProvider(req.Provider) {
		writeSendError(w, http.StatusBadRequest, "Unknown provider: "+req.Provider, nil)
		return
	}

	results := h.emailSvc.SendBatch(r.Context(), req.Emails, req.Concurrency, req.Provider)
	summary := model.NewBatchSummary(results)

	h.log.Info().
		Int("total", summary.Total).
		Int("success", summary.Success).
		Int("failed", summary.Failed).
		Msg("Batch send completed")

	writeJSON(w, http.StatusOK, summary)
}

// ListProviders handles GET /api/v1/email/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers":       h.emailSvc.ListProviders(),
		"defaultProvider": h.emailSvc.GetDefaultProvider(),
		"details":         h.emailSvc.ProviderStatuses(),
	})
}

// SetDefaultProvider handles POST /api/v1/email/providers/default
func (h *Handler) SetDefaultProvider(w http.ResponseWriter, r *http.Request) {
	var req SetDefaultProviderRequest
	if err := readJSON(w, r, &req); err != nil {
		writeSendError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), nil)
		return
	}
	if err := service.Validate(&req); err != nil {
		h.writeSendFailure(w, err)
		return
	}

	if !h.emailSvc.SetDefaultProvider(req.Provider) {
		writeSendError(w, http.StatusBadRequest, "Unknown or inactive provider: "+req.Provider, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"defaultProvider": req.Provider,
	})
}

func (h *Handler) writeSendFailure(w http.ResponseWriter, err error) {
	switch {
	case service.IsValidationError(err):
		writeSendError(w, http.StatusBadRequest, "Validation failed", map[string]interface{}{
			"fields": validationFields(err),
		})
	case errors.Is(err, service.ErrUnknownProvider):
		writeSendError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, service.ErrNoProvider):
		writeSendError(w, http.StatusInternalServerError, service.ErrNoProvider.Error(), nil)
	default:
		h.log.Error().Err(err).Msg("failed to send email")
		writeSendError(w, http.StatusInternalServerError, h.internalMessage(err), nil)
	}
}
