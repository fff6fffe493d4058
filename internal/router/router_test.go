package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bulkmail/bulkmail/internal/config"
	"github.com/bulkmail/bulkmail/internal/handler"
	"github.com/bulkmail/bulkmail/internal/logger"
	"github.com/bulkmail/bulkmail/internal/middleware"
	"github.com/bulkmail/bulkmail/internal/model"
	"github.com/bulkmail/bulkmail/internal/provider"
	"github.com/bulkmail/bulkmail/internal/ratelimit"
	"github.com/bulkmail/bulkmail/internal/service"
)

func newTestRouter(t *testing.T, cfg *config.Config, policies map[string]ratelimit.Policy) http.Handler {
	t.Helper()
	reg := provider.NewRegistry("mock")
	if err := reg.Register(provider.Entry{Name: "mock", Type: model.ProviderTypeMock, Adapter: provider.NewMock("mock", false), Active: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var limiter *ratelimit.Limiter
	if policies != nil {
		limiter = ratelimit.New(ratelimit.NewMemoryStore(), policies, logger.Nop())
	}

	emailSvc := service.NewEmailService(reg, nil, logger.Nop())
	h := handler.New(nil, nil, logger.Nop(), cfg, emailSvc, nil, nil, service.NewBlacklistService(nil, "", logger.Nop()))
	return New(h, middleware.New(limiter, logger.Nop(), cfg), cfg)
}

func bearer(t *testing.T, secret string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + s
}

const sendBody = `{"to":"x@y.com","subject":"s","text":"t"}`

func TestRoutes(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.JWTSecret = "k"
	r := newTestRouter(t, cfg, nil)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		auth       bool
		wantStatus int
	}{
		{name: "health", method: http.MethodGet, path: "/health", wantStatus: http.StatusOK},
		{name: "index", method: http.MethodGet, path: "/api/v1/", wantStatus: http.StatusOK},
		{name: "send unauthenticated", method: http.MethodPost, path: "/api/v1/email/send", body: sendBody, wantStatus: http.StatusUnauthorized},
		{name: "send", method: http.MethodPost, path: "/api/v1/email/send", body: sendBody, auth: true, wantStatus: http.StatusOK},
		{name: "providers", method: http.MethodGet, path: "/api/v1/email/providers", auth: true, wantStatus: http.StatusOK},
		{name: "ip stats disabled", method: http.MethodGet, path: "/api/v1/email/ips/stats", auth: true, wantStatus: http.StatusServiceUnavailable},
		{name: "events disabled", method: http.MethodPost, path: "/api/v1/email/events", body: `{}`, wantStatus: http.StatusServiceUnavailable},
		{name: "wrong method", method: http.MethodGet, path: "/api/v1/email/send", auth: true, wantStatus: http.StatusMethodNotAllowed},
		{name: "unknown", method: http.MethodGet, path: "/api/v1/nope", wantStatus: http.StatusNotFound},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			if tc.auth {
				req.Header.Set("Authorization", bearer(t, "k"))
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body.String())
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Fatalf("missing request id header")
			}
		})
	}
}

func TestSendRateLimited(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.RateLimiting.Enabled = true
	r := newTestRouter(t, cfg, map[string]ratelimit.Policy{
		ScopeEmail: {Points: 1, Duration: time.Minute},
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/email/send", strings.NewReader(sendBody))
		req.RemoteAddr = "203.0.113.9:5555"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("first send: expected 200, got %d", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second send: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}
