package policy

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/Auro-rium/aex/internal/domain"
	"github.com/Auro-rium/aex/internal/fingerprint"
	"github.com/Auro-rium/aex/internal/runtime"
)

// kernelRule is a non-overridable check evaluated before any plugin runs.
// Deny-first: the first kernel rule to deny wins and no plugin sees the
// request.
type kernelRule func(in runtime.PolicyInput) (deny bool, reason string)

var kernelRules = []kernelRule{
	capabilityGate,
	streamingGate,
	toolsGate,
	visionGate,
	maxTokensGate,
}

func capabilityGate(in runtime.PolicyInput) (bool, string) {
	if !in.Agent.Capabilities.ModelAllowed(in.Model) {
		return true, fmt.Sprintf("model %q is not in the agent's allowed_models", in.Model)
	}
	return false, ""
}

func streamingGate(in runtime.PolicyInput) (bool, string) {
	if !requestsStreaming(in.Payload) {
		return false, ""
	}
	if !in.Agent.Capabilities.Streaming {
		return true, "agent is not permitted to request streaming responses"
	}
	return false, ""
}

func toolsGate(in runtime.PolicyInput) (bool, string) {
	if !fingerprint.HasToolSchema(in.Payload) {
		return false, ""
	}
	if !in.Agent.Capabilities.Tools {
		return true, "agent is not permitted to declare tools"
	}
	return false, ""
}

func visionGate(in runtime.PolicyInput) (bool, string) {
	if in.Route != domain.RouteChat {
		return false, ""
	}
	if in.Agent.Capabilities.Vision {
		return false, ""
	}
	hasImage := false
	gjson.GetBytes(in.Payload, "messages").ForEach(func(_, msg gjson.Result) bool {
		hasImage = msg.Get(`content.#(type=="image_url")`).Exists()
		return !hasImage
	})
	if hasImage {
		return true, "agent is not permitted to send image inputs"
	}
	return false, ""
}

func maxTokensGate(in runtime.PolicyInput) (bool, string) {
	model, ok := in.Catalog.Lookup(in.Model)
	if !ok {
		return true, fmt.Sprintf("model %q is not in the catalog", in.Model)
	}
	requested := requestedMaxTokens(in.Payload)
	if model.MaxTokens > 0 && requested > model.MaxTokens {
		return true, fmt.Sprintf("requested max_tokens %d exceeds model limit %d", requested, model.MaxTokens)
	}
	return false, ""
}
