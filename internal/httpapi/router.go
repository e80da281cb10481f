// Package httpapi exposes AEX's two HTTP surfaces: a northbound,
// OpenAI-compatible API (chat completions, responses, embeddings, tool
// execution) built on go-chi, and an operator-facing admin surface (health,
// metrics, activity, replay, control-plane) built on gorilla/mux.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Auro-rium/aex/internal/admission"
	"github.com/Auro-rium/aex/internal/dispatch"
	"github.com/Auro-rium/aex/internal/httpmiddleware"
	"github.com/Auro-rium/aex/internal/runtime"
)

// Northbound wires the caller-facing gateway routes onto a chi.Router,
// mirrored under both /v1 and /openai/v1 so existing OpenAI SDK
// configurations work unmodified regardless of which base path they use.
func Northbound(rt *runtime.Runtime, admit *admission.Controller, dispatcher *dispatch.Dispatcher, deps RouteDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(httpmiddleware.Recovery(rt.Logger))
	r.Use(httpmiddleware.Logging(rt.Logger))
	r.Use(httpmiddleware.SecurityHeaders(nil))
	r.Use(httpmiddleware.CORS(httpmiddleware.CORSConfig{AllowedOrigins: []string{"*"}}))

	h := &handlers{rt: rt, admission: admit, dispatch: dispatcher, deps: deps}

	mount := func(r chi.Router) {
		// chat/completions and responses may stream (caller sets "stream":
		// true in the body), so they are not wrapped in Timeout: it abandons
		// the handler goroutine on expiry while that goroutine may still be
		// writing SSE frames to the ResponseWriter, which is unsafe once the
		// wrapper has returned. dispatch.Dispatch/StreamDispatch already
		// bound the upstream provider call to Config.ProviderTimeout
		// themselves, so the route still has a real ceiling.
		r.Post("/chat/completions", h.handleChat)
		r.Post("/responses", h.handleResponses)
		r.With(httpmiddleware.Timeout(rt.Config.ProviderTimeout + 10*time.Second)).Post("/embeddings", h.handleEmbeddings)
		r.With(httpmiddleware.Timeout(30 * time.Second)).Post("/tools/execute", h.handleToolsExecute)
	}

	r.Route("/v1", mount)
	r.Route("/openai/v1", mount)

	return r
}

// RouteDeps bundles the collaborators handlers need beyond the Runtime.
type RouteDeps struct {
	Streaming dispatch.StreamingUpstreamClient
}

type handlers struct {
	rt        *runtime.Runtime
	admission *admission.Controller
	dispatch  *dispatch.Dispatcher
	deps      RouteDeps
}
