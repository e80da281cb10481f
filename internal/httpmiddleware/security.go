package httpmiddleware

import "net/http"

// DefaultSecurityHeaders are applied to every response regardless of route.
func DefaultSecurityHeaders() map[string]string {
	return map[string]string{
		"X-Content-Type-Options":   "nosniff",
		"X-Frame-Options":          "DENY",
		"Referrer-Policy":          "strict-origin-when-cross-origin",
		"Content-Security-Policy":  "default-src 'none'",
		"Cache-Control":            "no-store",
	}
}

// SecurityHeaders attaches headers to every response.
func SecurityHeaders(headers map[string]string) func(http.Handler) http.Handler {
	if headers == nil {
		headers = DefaultSecurityHeaders()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}
