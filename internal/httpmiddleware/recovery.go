// Package httpmiddleware provides the HTTP middleware chain wrapped around
// every AEX handler: panic recovery, request timeouts, structured logging,
// CORS, and security headers.
package httpmiddleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/Auro-rium/aex/internal/logging"
)

// Recovery recovers from a panic in an inner handler, logs it with a stack
// trace, and returns a 500 instead of crashing the process.
func Recovery(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if log != nil {
						log.WithContext(r.Context()).WithFields(map[string]any{
							"panic":  fmt.Sprintf("%v", err),
							"stack":  string(debug.Stack()),
							"path":   r.URL.Path,
							"method": r.Method,
						}).Error("panic recovered")
					}
					writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
