package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Auro-rium/aex/internal/domain"
)

// EchoSandbox is the UpstreamClient used while the runtime's admin control
// state is "sandboxed": it never calls a real provider, instead returning a
// synthetic completion so every downstream settlement path (reserve,
// dispatch, commit, event log) still runs end to end against live traffic
// shape without spending real provider budget.
type EchoSandbox struct{}

// Do implements UpstreamClient.
func (EchoSandbox) Do(ctx context.Context, exec domain.Execution, patch map[string]any, payload []byte) (UpstreamResponse, error) {
	inputTokens := int64(len(payload)) / 4
	if inputTokens < 1 {
		inputTokens = 1
	}
	outputTokens := int64(16)

	body, err := json.Marshal(map[string]any{
		"id":      exec.ExecutionID,
		"object":  "aex.sandbox_completion",
		"model":   exec.Model,
		"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": "[sandboxed: no provider call made]"}}},
		"usage": map[string]any{
			"prompt_tokens":     inputTokens,
			"completion_tokens": outputTokens,
			"total_tokens":      inputTokens + outputTokens,
		},
	})
	if err != nil {
		return UpstreamResponse{}, fmt.Errorf("sandbox: marshal response: %w", err)
	}
	return UpstreamResponse{
		StatusCode:    200,
		Body:          body,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		UsageReported: true,
	}, nil
}

// EchoStreamingSandbox is the StreamingUpstreamClient counterpart to
// EchoSandbox, emitting a handful of synthetic SSE frames instead of
// calling a real provider.
type EchoStreamingSandbox struct{}

// Stream implements StreamingUpstreamClient.
func (EchoStreamingSandbox) Stream(ctx context.Context, exec domain.Execution, patch map[string]any, payload []byte) (<-chan StreamFrame, error) {
	inputTokens := int64(len(payload)) / 4
	if inputTokens < 1 {
		inputTokens = 1
	}

	words := []string{"[sandboxed:", "no", "provider", "call", "made]"}
	frames := make(chan StreamFrame, len(words)+1)
	go func() {
		defer close(frames)
		for i, w := range words {
			select {
			case <-ctx.Done():
				frames <- StreamFrame{Err: ctx.Err()}
				return
			case <-time.After(5 * time.Millisecond):
			}
			chunk, _ := json.Marshal(map[string]any{
				"id":     exec.ExecutionID,
				"object": "aex.sandbox_completion.chunk",
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": w + " "}}},
			})
			frames <- StreamFrame{Data: chunk, OutputTokens: int64(i + 1)}
		}
		frames <- StreamFrame{Done: true, InputTokens: inputTokens, OutputTokens: int64(len(words)), UsageReported: true}
	}()
	return frames, nil
}

// requestedModel reads the model field a caller embedded in its payload.
// Neither sandbox responder calls it.
func requestedModel(payload []byte) string {
	return gjson.GetBytes(payload, "model").String()
}
