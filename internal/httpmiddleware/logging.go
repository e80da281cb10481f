package httpmiddleware

import (
	"net/http"
	"time"

	"github.com/Auro-rium/aex/internal/logging"
)

// Logging assigns (or propagates) a trace ID and logs each completed
// request with its method, path, status code, and duration.
func Logging(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			r.Header.Set("X-Trace-ID", traceID)
			w.Header().Set("X-Trace-ID", traceID)

			wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			if log != nil {
				log.LogRequest(ctx, r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	wrote      bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.statusCode = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}
