package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/bulkmail/bulkmail/internal/config"
	"github.com/bulkmail/bulkmail/internal/logger"
	"github.com/bulkmail/bulkmail/internal/ratelimit"
)

// Middleware holds all HTTP middleware
type Middleware struct {
	limiter *ratelimit.Limiter
	log     *logger.Logger
	cfg     *config.Config
}

// New creates a new Middleware instance. A nil limiter disables rate limiting.
func New(limiter *ratelimit.Limiter, log *logger.Logger, cfg *config.Config) *Middleware {
	return &Middleware{
		limiter: limiter,
		log:     log.WithComponent("http"),
		cfg:     cfg,
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
