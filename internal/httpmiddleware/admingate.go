package httpmiddleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

// AdminGate requires the X-Admin-Control-Key header to match controlKey
// via constant-time comparison, for every /admin/* route.
func AdminGate(controlKey string) func(http.Handler) http.Handler {
	expected := sha256.Sum256([]byte(controlKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received := r.Header.Get("X-Admin-Control-Key")
			if received == "" {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing admin control key")
				return
			}
			got := sha256.Sum256([]byte(received))
			if subtle.ConstantTimeCompare(got[:], expected[:]) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid admin control key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
