package policy

import (
	"context"
	"fmt"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
)

// Condition is one declarative predicate a plugin checks against the
// request payload before deciding whether to deny it.
type Condition struct {
	// Path is a JSONPath expression evaluated against the decoded payload,
	// e.g. "$.temperature" or "$.messages[-1:].role".
	Path string
	// Op is one of: exists, gt, gte, lt, lte, eq, ne.
	Op string
	// Value is compared against the resolved path value for gt/gte/lt/lte/eq/ne.
	Value any
}

// Plugin is a declarative policy unit: a set of deny conditions and a
// patch applied to the payload when none of them fire. Plugins run in
// registration order; the first denial wins (deny-first reduction) and
// patches from earlier plugins are deep-merged with later plugins winning
// on key conflicts.
type Plugin struct {
	Name  string
	Deny  []Condition
	Patch map[string]any
}

func evalCondition(decoded any, c Condition) (bool, error) {
	v, err := jsonpath.Get(c.Path, decoded)
	if err != nil {
		// A path that resolves to nothing is treated as "does not exist"
		// rather than an evaluation error, since optional fields are the
		// common case.
		if c.Op == "exists" {
			return false, nil
		}
		return false, nil
	}

	if c.Op == "exists" {
		return true, nil
	}

	expr := fmt.Sprintf("value %s target", operatorToken(c.Op))
	result, err := gval.Evaluate(expr, map[string]any{"value": firstOf(v), "target": c.Value})
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q on %s: %w", c.Op, c.Path, err)
	}
	b, _ := result.(bool)
	return b, nil
}

func operatorToken(op string) string {
	switch op {
	case "gt":
		return ">"
	case "gte":
		return ">="
	case "lt":
		return "<"
	case "lte":
		return "<="
	case "eq":
		return "=="
	case "ne":
		return "!="
	default:
		return "=="
	}
}

// firstOf unwraps the single-element slice jsonpath.Get returns for a
// non-wildcard path.
func firstOf(v any) any {
	if arr, ok := v.([]any); ok && len(arr) == 1 {
		return arr[0]
	}
	return v
}

// runPlugins evaluates plugins against decoded in order, deny-first. The
// returned patch is the deep-merge of every plugin's patch that did not
// deny, last-plugin-wins on conflicting keys.
func runPlugins(ctx context.Context, plugins []Plugin, decoded any) (allow bool, denyReason string, patch map[string]any, err error) {
	patch = map[string]any{}
	for _, p := range plugins {
		for _, cond := range p.Deny {
			hit, cerr := evalCondition(decoded, cond)
			if cerr != nil {
				return false, "", nil, cerr
			}
			if hit {
				return false, fmt.Sprintf("plugin %q denied: %s %s", p.Name, cond.Path, cond.Op), nil, nil
			}
		}
		deepMerge(patch, p.Patch)
	}
	return true, "", patch, nil
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				deepMerge(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}
