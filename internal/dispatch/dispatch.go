// Package dispatch drives an admitted reservation through the upstream
// provider call and into a terminal settlement: COMMITTED on success,
// FAILED on an upstream error, with the reservation refunded in full on
// failure and the overrun policy applied on success.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Auro-rium/aex/internal/config"
	"github.com/Auro-rium/aex/internal/domain"
	"github.com/Auro-rium/aex/internal/runtime"
)

// UpstreamResponse is a completed (non-streaming) provider call result.
type UpstreamResponse struct {
	StatusCode    int
	Body          []byte
	InputTokens   int64
	OutputTokens  int64
	UsageReported bool
}

// UpstreamClient performs the actual provider call. Production wiring
// talks to OpenAI-compatible HTTP endpoints; tests and the admin
// "sandboxed" control state use a local echo responder instead.
type UpstreamClient interface {
	Do(ctx context.Context, exec domain.Execution, patch map[string]any, payload []byte) (UpstreamResponse, error)
}

// Dispatcher settles admitted reservations against an upstream provider.
type Dispatcher struct {
	rt       *runtime.Runtime
	upstream UpstreamClient
	sandbox  UpstreamClient
}

// New builds a Dispatcher. sandbox is used instead of upstream whenever
// the runtime's admin control state is "sandboxed".
func New(rt *runtime.Runtime, upstream, sandbox UpstreamClient) *Dispatcher {
	return &Dispatcher{rt: rt, upstream: upstream, sandbox: sandbox}
}

// Dispatch marks exec DISPATCHED, calls the upstream provider (or the
// sandbox responder under admin control), and settles the reservation.
// The returned Execution is always terminal (COMMITTED or FAILED) unless
// an error is returned before MarkDispatched succeeds, in which case the
// reservation is left RESERVED for the recovery sweep to reconcile.
func (d *Dispatcher) Dispatch(ctx context.Context, exec domain.Execution, model domain.ModelInfo, patch map[string]any, payload []byte) (domain.Execution, error) {
	start := time.Now()

	dispatchPayload, err := json.Marshal(map[string]any{"model": exec.Model})
	if err != nil {
		return domain.Execution{}, fmt.Errorf("dispatch: encode dispatch event: %w", err)
	}
	if err := d.rt.Store.MarkDispatched(ctx, exec.ExecutionID, dispatchPayload); err != nil {
		return domain.Execution{}, fmt.Errorf("dispatch: mark dispatched: %w", err)
	}

	client := d.upstream
	if d.rt.Control() == runtime.ControlSandboxed {
		client = d.sandbox
	}

	providerCtx, cancel := context.WithTimeout(ctx, d.rt.Config.ProviderTimeout)
	defer cancel()

	resp, err := client.Do(providerCtx, exec, patch, payload)
	failStatus := 502
	if err == nil && resp.StatusCode >= 400 {
		failStatus = resp.StatusCode
		err = fmt.Errorf("dispatch: upstream returned status %d", resp.StatusCode)
	}
	if err != nil {
		failPayload, perr := json.Marshal(map[string]any{"reason": err.Error()})
		if perr != nil {
			return domain.Execution{}, fmt.Errorf("dispatch: encode fail event: %w", perr)
		}
		failed, ferr := d.rt.Store.Fail(ctx, exec.ExecutionID, failStatus, failPayload)
		if d.rt.Metrics != nil {
			d.rt.Metrics.RecordDispatch(string(exec.Route), exec.Provider, "failed", time.Since(start))
		}
		if ferr != nil {
			return domain.Execution{}, fmt.Errorf("dispatch: upstream call failed (%v), and failing execution also failed: %w", err, ferr)
		}
		return failed, err
	}

	commitMicro, overrunApplied := applyOverrunPolicy(d.rt.Config.OverrunPolicy, exec.ReserveMicro, settlementMicro(model, resp.InputTokens, resp.OutputTokens))

	commitPayload, err := json.Marshal(map[string]any{
		"agent_id":       exec.AgentID,
		"commit_micro":   commitMicro,
		"input_tokens":   resp.InputTokens,
		"output_tokens":  resp.OutputTokens,
		"usage_reported": resp.UsageReported,
	})
	if err != nil {
		return domain.Execution{}, fmt.Errorf("dispatch: encode commit event: %w", err)
	}
	committed, err := d.rt.Store.Commit(ctx, exec.ExecutionID, commitMicro, resp.Body, resp.StatusCode, commitPayload)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("dispatch: commit: %w", err)
	}
	if d.rt.Metrics != nil {
		d.rt.Metrics.RecordDispatch(string(exec.Route), exec.Provider, "committed", time.Since(start))
		policyLabel := ""
		if overrunApplied {
			policyLabel = string(d.rt.Config.OverrunPolicy)
		}
		d.rt.Metrics.RecordSettlement(exec.Model, commitMicro, policyLabel)
	}
	return committed, nil
}

// settlementMicro prices reported (or estimated) token usage against the
// model's per-token rates.
func settlementMicro(model domain.ModelInfo, inputTokens, outputTokens int64) int64 {
	return inputTokens*model.InputMicro + outputTokens*model.OutputMicro
}

// applyOverrunPolicy caps settled at reserved under the "clamp" policy
// (Open Question: over-run policy), or passes it through uncapped under
// "warn". overran reports whether settled exceeded reserved at all.
func applyOverrunPolicy(policy config.OverrunPolicy, reserved, settled int64) (amount int64, overran bool) {
	if settled <= reserved {
		return settled, false
	}
	if policy == config.OverrunWarn {
		return settled, true
	}
	return reserved, true
}

// ErrNoUpstream reports that no UpstreamClient is configured for a route.
// Dispatch and StreamDispatch do not return it.
var ErrNoUpstream = errors.New("dispatch: no upstream client configured")
