package httpapi

import (
	"bufio"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/Auro-rium/aex/internal/admission"
	"github.com/Auro-rium/aex/internal/dispatch"
	"github.com/Auro-rium/aex/internal/domain"
)

func (h *handlers) handleChat(w http.ResponseWriter, r *http.Request) {
	h.handleCompletionRoute(w, r, domain.RouteChat)
}

func (h *handlers) handleResponses(w http.ResponseWriter, r *http.Request) {
	h.handleCompletionRoute(w, r, domain.RouteResponses)
}

func (h *handlers) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}
	result, err := h.admit(r, domain.RouteEmbeddings, payload)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	h.settleNonStreaming(w, r, result, payload)
}

func (h *handlers) handleCompletionRoute(w http.ResponseWriter, r *http.Request, route domain.Route) {
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}

	result, err := h.admit(r, route, payload)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	if result.Replayed {
		writeReplayedResponse(w, result)
		return
	}

	if gjson.GetBytes(payload, "stream").Bool() {
		h.streamCompletion(w, r, result, payload)
		return
	}
	h.settleNonStreaming(w, r, result, payload)
}

func (h *handlers) settleNonStreaming(w http.ResponseWriter, r *http.Request, result admission.Result, payload []byte) {
	if result.Replayed {
		writeReplayedResponse(w, result)
		return
	}

	catalog := h.rt.Catalog()
	model, _ := catalog.Lookup(result.Execution.Model)

	committed, err := h.dispatch.Dispatch(r.Context(), result.Execution, model, result.Patch, payload)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", "provider call failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(committed.StatusCode)
	_, _ = w.Write(committed.ResponseCache)
}

func writeReplayedResponse(w http.ResponseWriter, result admission.Result) {
	status := result.Execution.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(result.Execution.ResponseCache)
}

func (h *handlers) streamCompletion(w http.ResponseWriter, r *http.Request, result admission.Result, payload []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusNotImplemented, "streaming_unsupported", "server does not support streaming responses")
		return
	}
	if h.deps.Streaming == nil {
		writeError(w, http.StatusNotImplemented, "streaming_unsupported", "no streaming provider configured")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writer := bufio.NewWriter(w)
	catalog := h.rt.Catalog()
	model, _ := catalog.Lookup(result.Execution.Model)

	_, err := h.dispatch.StreamDispatch(r.Context(), result.Execution, model, result.Patch, payload, h.deps.Streaming, func(frame dispatch.StreamFrame) error {
		if frame.Err != nil {
			return frame.Err
		}
		if len(frame.Data) == 0 {
			return nil
		}
		if _, werr := fmt.Fprintf(writer, "data: %s\n\n", frame.Data); werr != nil {
			return werr
		}
		if ferr := writer.Flush(); ferr != nil {
			return ferr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		return
	}
	fmt.Fprint(writer, "data: [DONE]\n\n")
	writer.Flush()
	flusher.Flush()
}
