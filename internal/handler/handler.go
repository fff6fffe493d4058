package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bulkmail/bulkmail/internal/config"
	"github.com/bulkmail/bulkmail/internal/logger"
	"github.com/bulkmail/bulkmail/internal/service"
)

// maxBodyBytes bounds request bodies, attachments included
const maxBodyBytes = 25 << 20

// HealthChecker is a dependency probed by the health endpoints
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds all HTTP handlers
type Handler struct {
	db        HealthChecker
	rdb       HealthChecker
	log       *logger.Logger
	cfg       *config.Config
	emailSvc  *service.EmailService
	ipSvc     *service.IPRotationService
	eventSvc  *service.EventService
	blocklist *service.BlacklistService
}

// New creates a new Handler instance. ipSvc and eventSvc may be nil when
// their features are disabled; their routes then answer 503.
func New(db, rdb HealthChecker, log *logger.Logger, cfg *config.Config, emailSvc *service.EmailService, ipSvc *service.IPRotationService, eventSvc *service.EventService, blocklist *service.BlacklistService) *Handler {
	return &Handler{
		db:        db,
		rdb:       rdb,
		log:       log.WithComponent("handler"),
		cfg:       cfg,
		emailSvc:  emailSvc,
		ipSvc:     ipSvc,
		eventSvc:  eventSvc,
		blocklist: blocklist,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

// writeSendError answers the email endpoints, which use a flat envelope
func writeSendError(w http.ResponseWriter, status int, message string, extra map[string]interface{}) {
	body := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// internalMessage hides err from clients in production
func (h *Handler) internalMessage(err error) string {
	if h.cfg.Server.Production {
		return "internal server error"
	}
	return err.Error()
}

func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func validationFields(err error) map[string]string {
	var ve *service.ValidationError
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}
