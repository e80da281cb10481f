package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Auro-rium/aex/internal/domain"
	"github.com/Auro-rium/aex/internal/runtime"
)

func testCatalog() domain.Catalog {
	return domain.Catalog{Models: map[string]domain.ModelInfo{
		"gpt-test": {Provider: "openai", ProviderModel: "gpt-test-0", MaxTokens: 1000},
	}}
}

func TestEvaluateDeniesUnknownModel(t *testing.T) {
	e := New(nil)
	dec, err := e.Evaluate(context.Background(), runtime.PolicyInput{
		Agent:   domain.Agent{AgentID: "a1"},
		Model:   "not-in-catalog",
		Payload: []byte(`{}`),
		Catalog: testCatalog(),
	})
	require.NoError(t, err)
	require.False(t, dec.Allow)
}

func TestEvaluateDeniesOverMaxTokens(t *testing.T) {
	e := New(nil)
	dec, err := e.Evaluate(context.Background(), runtime.PolicyInput{
		Agent:   domain.Agent{AgentID: "a1"},
		Model:   "gpt-test",
		Payload: []byte(`{"max_tokens":5000}`),
		Catalog: testCatalog(),
	})
	require.NoError(t, err)
	require.False(t, dec.Allow)
}

func TestEvaluateAllowsAndAppliesPluginPatch(t *testing.T) {
	e := New([]Plugin{
		{Name: "cap-temperature", Patch: map[string]any{"temperature": 0.7}},
	})
	dec, err := e.Evaluate(context.Background(), runtime.PolicyInput{
		Agent:   domain.Agent{AgentID: "a1"},
		Model:   "gpt-test",
		Payload: []byte(`{"max_tokens":10}`),
		Catalog: testCatalog(),
	})
	require.NoError(t, err)
	require.True(t, dec.Allow)
	require.Equal(t, 0.7, dec.Patch["temperature"])
}

func TestEvaluateDeniesViaPluginCondition(t *testing.T) {
	e := New([]Plugin{
		{Name: "block-high-temp", Deny: []Condition{{Path: "$.temperature", Op: "gt", Value: 1.5}}},
	})
	dec, err := e.Evaluate(context.Background(), runtime.PolicyInput{
		Agent:   domain.Agent{AgentID: "a1"},
		Model:   "gpt-test",
		Payload: []byte(`{"max_tokens":10,"temperature":1.9}`),
		Catalog: testCatalog(),
	})
	require.NoError(t, err)
	require.False(t, dec.Allow)
}
