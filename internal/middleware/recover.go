package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
)

// Recover recovers from panics and logs the error. Outside production the
// panic value is included in the response.
func (m *Middleware) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				m.log.Error().
					Interface("error", err).
					Str("stack", string(debug.Stack())).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", GetRequestID(r.Context())).
					Msg("panic recovered")

				message := "An unexpected error occurred"
				if !m.cfg.Server.Production {
					message = fmt.Sprintf("panic: %v", err)
				}
				writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
					"success": false,
					"error":   message,
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}
