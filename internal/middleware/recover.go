package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/mkarlsen/skadi/internal/telemetry"
)

// Recover converts handler panics into 500 responses instead of dropping
// the connection. The panic value and stack are logged and forwarded to
// Sentry when a hub is attached to the request context.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := GetLogger(r.Context())
				logger.Error("panic recovered",
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				if err, ok := rec.(error); ok {
					telemetry.CaptureError(r.Context(), err)
				}

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{
						"code":    "internal",
						"message": "An unexpected error occurred",
					},
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
