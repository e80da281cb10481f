package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Auro-rium/aex/internal/admission"
	"github.com/Auro-rium/aex/internal/domain"
	"github.com/Auro-rium/aex/internal/identity"
	"github.com/Auro-rium/aex/internal/store"
)

const maxBodyBytes = 2 << 20 // 2 MiB

func readPayload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "could not read request body")
		return nil, false
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds the size limit")
		return nil, false
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return nil, false
	}
	return body, true
}

func idempotencyKey(r *http.Request) string {
	if k := r.Header.Get("Idempotency-Key"); k != "" {
		return k
	}
	return uuid.NewString()
}

// admit runs the admission pipeline for one route, deriving the model name
// from the payload's "model" field.
func (h *handlers) admit(r *http.Request, route domain.Route, payload []byte) (admission.Result, error) {
	model := gjson.GetBytes(payload, "model").String()
	return h.admission.Admit(r.Context(), admission.Request{
		AuthorizationHeader: r.Header.Get("Authorization"),
		IdempotencyKey:      idempotencyKey(r),
		Route:               route,
		Model:               model,
		Payload:             payload,
	})
}

func writeAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrMissingToken), errors.Is(err, identity.ErrWeakToken), errors.Is(err, identity.ErrUnknownToken), errors.Is(err, identity.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, admission.ErrPaused):
		writeError(w, http.StatusServiceUnavailable, "paused", "the gateway is currently paused")
	case errors.Is(err, admission.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	case errors.Is(err, admission.ErrPolicyDenied):
		writeError(w, http.StatusForbidden, "policy_denied", err.Error())
	case errors.Is(err, admission.ErrLockTimeout):
		writeError(w, http.StatusConflict, "duplicate_in_flight", "a duplicate request is already in flight")
	case errors.Is(err, store.ErrBudgetExceeded):
		writeError(w, http.StatusPaymentRequired, "budget_exceeded", "agent budget exhausted")
	case errors.Is(err, store.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency_conflict", "idempotency key reused with a different request body")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}
