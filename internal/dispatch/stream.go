package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Auro-rium/aex/internal/domain"
	"github.com/Auro-rium/aex/internal/runtime"
)

// StreamFrame is one chunk of an SSE relay. A frame with Done=true carries
// the final usage figures (either accumulated from running deltas or
// reported once at the end, depending on the provider); Err set means the
// upstream stream broke before completion.
type StreamFrame struct {
	Data         []byte
	Done         bool
	InputTokens  int64
	OutputTokens int64
	UsageReported bool
	Err          error
}

// StreamingUpstreamClient is implemented by providers that support SSE.
type StreamingUpstreamClient interface {
	Stream(ctx context.Context, exec domain.Execution, patch map[string]any, payload []byte) (<-chan StreamFrame, error)
}

// StreamDispatch relays frames from the upstream stream to sink as they
// arrive. If the caller's ctx is cancelled (the client disconnected)
// before the upstream stream finishes, StreamDispatch keeps draining the
// upstream channel on a detached context so the reservation still settles
// against real usage instead of being left to the recovery sweep, which
// fails the execution and refunds the whole reservation. Under the
// "sandboxed" control state client is replaced by EchoStreamingSandbox.
func (d *Dispatcher) StreamDispatch(ctx context.Context, exec domain.Execution, model domain.ModelInfo, patch map[string]any, payload []byte, client StreamingUpstreamClient, sink func(StreamFrame) error) (domain.Execution, error) {
	start := time.Now()

	dispatchPayload, err := json.Marshal(map[string]any{"model": exec.Model, "stream": true})
	if err != nil {
		return domain.Execution{}, fmt.Errorf("dispatch: encode dispatch event: %w", err)
	}
	if err := d.rt.Store.MarkDispatched(ctx, exec.ExecutionID, dispatchPayload); err != nil {
		return domain.Execution{}, err
	}

	settleCtx := context.WithoutCancel(ctx)
	providerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.rt.Config.ProviderTimeout)
	defer cancel()

	if d.rt.Control() == runtime.ControlSandboxed {
		client = EchoStreamingSandbox{}
	}

	frames, err := client.Stream(providerCtx, exec, patch, payload)
	if err != nil {
		failPayload, perr := json.Marshal(map[string]any{"reason": err.Error()})
		if perr != nil {
			return domain.Execution{}, fmt.Errorf("dispatch: encode fail event: %w", perr)
		}
		failed, ferr := d.rt.Store.Fail(settleCtx, exec.ExecutionID, 502, failPayload)
		if ferr != nil {
			return domain.Execution{}, fmt.Errorf("dispatch: stream open failed (%v), and failing execution also failed: %w", err, ferr)
		}
		return failed, err
	}

	var lastIn, lastOut int64
	var usageReported bool
	var streamErr error
	clientDisconnected := false

	for frame := range frames {
		if frame.Err != nil {
			streamErr = frame.Err
			break
		}
		if frame.InputTokens > 0 || frame.OutputTokens > 0 {
			lastIn, lastOut = frame.InputTokens, frame.OutputTokens
			usageReported = usageReported || frame.UsageReported
		}
		if !clientDisconnected {
			if sinkErr := sink(frame); sinkErr != nil {
				clientDisconnected = true
			}
		}
		if frame.Done {
			break
		}
	}

	if streamErr != nil {
		failPayload, perr := json.Marshal(map[string]any{"reason": streamErr.Error()})
		if perr != nil {
			return domain.Execution{}, fmt.Errorf("dispatch: encode fail event: %w", perr)
		}
		failed, ferr := d.rt.Store.Fail(settleCtx, exec.ExecutionID, 502, failPayload)
		if d.rt.Metrics != nil {
			d.rt.Metrics.RecordDispatch(string(exec.Route), exec.Provider, "failed", time.Since(start))
		}
		if ferr != nil {
			return domain.Execution{}, fmt.Errorf("dispatch: stream failed (%v), and failing execution also failed: %w", streamErr, ferr)
		}
		return failed, streamErr
	}

	if !usageReported {
		lastIn, lastOut = estimateStreamUsage(payload, lastOut)
	}

	commitMicro, overran := applyOverrunPolicy(d.rt.Config.OverrunPolicy, exec.ReserveMicro, settlementMicro(model, lastIn, lastOut))
	commitPayload, err := json.Marshal(map[string]any{
		"agent_id":       exec.AgentID,
		"commit_micro":   commitMicro,
		"input_tokens":   lastIn,
		"output_tokens":  lastOut,
		"usage_reported": usageReported,
		"estimate":       !usageReported,
	})
	if err != nil {
		return domain.Execution{}, fmt.Errorf("dispatch: encode commit event: %w", err)
	}
	committed, err := d.rt.Store.Commit(settleCtx, exec.ExecutionID, commitMicro, nil, 200, commitPayload)
	if err != nil {
		return domain.Execution{}, err
	}
	if d.rt.Metrics != nil {
		d.rt.Metrics.RecordDispatch(string(exec.Route), exec.Provider, "committed", time.Since(start))
		policyLabel := ""
		if overran {
			policyLabel = string(d.rt.Config.OverrunPolicy)
		}
		d.rt.Metrics.RecordSettlement(exec.Model, commitMicro, policyLabel)
	}
	return committed, nil
}

// estimateStreamUsage is the fallback when a provider's stream never
// reports usage: input tokens from the request payload size, output
// tokens from whatever the last observed running delta was (0 if the
// provider sent no deltas either, in which case the commit reflects no
// measurable output).
func estimateStreamUsage(payload []byte, lastObservedOutput int64) (inputTokens, outputTokens int64) {
	n := int64(len(payload)) / 4
	if n < 1 {
		n = 1
	}
	return n, lastObservedOutput
}
