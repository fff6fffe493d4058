package router

import (
	"net/http"

	"github.com/bulkmail/bulkmail/internal/config"
	"github.com/bulkmail/bulkmail/internal/handler"
	"github.com/bulkmail/bulkmail/internal/middleware"
)

// Rate limit scopes, configured under security.rate_limiting.scopes
const (
	ScopeAPI   = "api"
	ScopeAuth  = "auth"
	ScopeEmail = "email"
	ScopeBatch = "batch"
)

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (no auth required)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	mux.HandleFunc("GET /api/v1/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"BulkMail API v1","version":"` + handler.Version + `"}`))
	})

	authMw := mw.Auth
	apiLimit := mw.RateLimit(ScopeAPI, middleware.SubjectOrIPKey)
	emailLimit := mw.RateLimit(ScopeEmail, middleware.SubjectOrIPKey)
	batchLimit := mw.RateLimit(ScopeBatch, middleware.SubjectOrIPKey)
	adminLimit := mw.RateLimit(ScopeAuth, middleware.IPKey)

	// Sending
	mux.Handle("POST /api/v1/email/send", authMw(emailLimit(http.HandlerFunc(h.SendEmail))))
	mux.Handle("POST /api/v1/email/send-batch", authMw(batchLimit(http.HandlerFunc(h.SendBatch))))

	// Provider management
	mux.Handle("GET /api/v1/email/providers", authMw(apiLimit(http.HandlerFunc(h.ListProviders))))
	mux.Handle("POST /api/v1/email/providers/default", adminLimit(authMw(http.HandlerFunc(h.SetDefaultProvider))))

	// IP pool
	mux.Handle("POST /api/v1/email/providers/{name}/ips", adminLimit(authMw(http.HandlerFunc(h.AddProviderIP))))
	mux.Handle("GET /api/v1/email/ips/stats", authMw(apiLimit(http.HandlerFunc(h.IPStats))))
	mux.Handle("GET /api/v1/ip/check/{ip}", authMw(apiLimit(http.HandlerFunc(h.CheckIP))))

	// Delivery events
	mux.Handle("POST /api/v1/email/events", apiLimit(http.HandlerFunc(h.TrackEvent)))
	mux.Handle("GET /api/v1/email/stats", authMw(apiLimit(http.HandlerFunc(h.EmailStats))))
	mux.Handle("GET /api/v1/email/health", authMw(apiLimit(http.HandlerFunc(h.ProviderHealth))))

	// Apply middleware stack
	var handler http.Handler = mux

	handler = mw.CORS(cfg.Server.CORSOrigins)(handler)

	// Security headers
	handler = mw.SecurityHeaders(handler)

	// Request logging
	handler = mw.Logger(handler)

	// Timing
	handler = mw.Timing(handler)

	// Request ID
	handler = mw.RequestID(handler)

	// Panic recovery (outermost)
	handler = mw.Recover(handler)

	return handler
}
