// Package policy implements the deny-first admission pipeline: kernel
// rules that can never be overridden, followed by a plugin pipeline whose
// patches are deep-merged (last-plugin-wins) into the request.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/Auro-rium/aex/internal/runtime"
)

// Engine evaluates kernel rules and a fixed plugin pipeline over every
// admission request.
type Engine struct {
	plugins []Plugin
}

// New builds an Engine with the given plugin pipeline, run in order.
func New(plugins []Plugin) *Engine {
	return &Engine{plugins: plugins}
}

// Evaluate runs the kernel rules, then (if none deny) the plugin pipeline,
// and returns a single reduced decision. It satisfies runtime.PolicyEngine.
func (e *Engine) Evaluate(ctx context.Context, in runtime.PolicyInput) (runtime.PolicyDecision, error) {
	for _, rule := range kernelRules {
		if deny, reason := rule(in); deny {
			return e.decision(false, reason, nil, in)
		}
	}

	var decoded any
	if err := json.Unmarshal(in.Payload, &decoded); err != nil {
		return runtime.PolicyDecision{}, fmt.Errorf("policy: decode payload: %w", err)
	}

	allow, reason, patch, err := runPlugins(ctx, e.plugins, decoded)
	if err != nil {
		return runtime.PolicyDecision{}, err
	}
	if !allow {
		return e.decision(false, reason, nil, in)
	}
	return e.decision(true, "", patch, in)
}

func (e *Engine) decision(allow bool, reason string, patch map[string]any, in runtime.PolicyInput) (runtime.PolicyDecision, error) {
	d := runtime.PolicyDecision{Allow: allow, DenyReason: reason, Patch: patch}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%v|%s", in.Agent.AgentID, in.Route, in.Model, allow, reason)
	if patch != nil {
		if pb, err := json.Marshal(patch); err == nil {
			h.Write(pb)
		}
	}
	copy(d.DecisionHash[:], h.Sum(nil))
	return d, nil
}
