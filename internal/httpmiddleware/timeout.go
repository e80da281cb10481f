package httpmiddleware

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Timeout bounds handler execution to d. The router does not wrap streaming
// handlers (SSE) with this middleware. The dispatcher bounds an upstream
// stream only by Config.ProviderTimeout over its whole length; there is no
// per-frame inactivity timeout, and Config.StreamInactivityTimeout is not
// read.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	if d <= 0 {
		d = 30 * time.Second
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			done := make(chan struct{})
			tw := &timeoutWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				tw.mu.Lock()
				wrote := tw.wroteHeader
				tw.mu.Unlock()
				if !wrote && ctx.Err() == context.DeadlineExceeded {
					writeJSONError(w, http.StatusGatewayTimeout, "request_timeout", "request timed out")
				}
			}
		})
	}
}

type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.ResponseWriter.WriteHeader(code)
	}
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	if !tw.wroteHeader {
		tw.wroteHeader = true
	}
	tw.mu.Unlock()
	return tw.ResponseWriter.Write(b)
}
