package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Auro-rium/aex/internal/dispatch/toolexec"
	"github.com/Auro-rium/aex/internal/domain"
)

const defaultToolBudget = 2 * time.Second

type toolsExecuteResponse struct {
	Output any      `json:"output"`
	Logs   []string `json:"logs"`
	Ms     int64    `json:"duration_ms"`
}

func (h *handlers) handleToolsExecute(w http.ResponseWriter, r *http.Request) {
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}

	result, err := h.admit(r, domain.RouteTools, payload)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	if result.Replayed {
		writeReplayedResponse(w, result)
		return
	}

	source := gjson.GetBytes(payload, "source").String()
	if source == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing tool source")
		return
	}
	var params map[string]any
	if p := gjson.GetBytes(payload, "params"); p.Exists() {
		_ = json.Unmarshal([]byte(p.Raw), &params)
	}

	budget := defaultToolBudget
	if ms := gjson.GetBytes(payload, "timeout_ms").Int(); ms > 0 {
		budget = time.Duration(ms) * time.Millisecond
	}

	dispatchPayload, _ := json.Marshal(map[string]any{"model": result.Execution.Model, "source": source})
	if err := h.rt.Store.MarkDispatched(r.Context(), result.Execution.ExecutionID, dispatchPayload); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	execResult, execErr := toolexec.Execute(r.Context(), source, params, budget)

	body, _ := json.Marshal(toolsExecuteResponse{
		Output: execResult.Output,
		Logs:   execResult.Logs,
		Ms:     execResult.Duration.Milliseconds(),
	})

	statusCode := http.StatusOK
	if execErr != nil {
		statusCode = http.StatusUnprocessableEntity
		body, _ = json.Marshal(map[string]any{
			"error": map[string]any{"code": "tool_execution_failed", "message": execErr.Error()},
			"logs":  execResult.Logs,
		})
	}

	commitPayload, _ := json.Marshal(map[string]any{
		"agent_id":     result.Execution.AgentID,
		"commit_micro": result.Execution.ReserveMicro,
	})
	if _, cerr := h.rt.Store.Commit(r.Context(), result.Execution.ExecutionID, result.Execution.ReserveMicro, body, statusCode, commitPayload); cerr != nil && h.rt.Logger != nil {
		h.rt.Logger.WithError(cerr).Warn("tools/execute: failed to commit execution")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}
