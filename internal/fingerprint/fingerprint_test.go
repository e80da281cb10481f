package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestHashIgnoresVolatileFields(t *testing.T) {
	a := []byte(`{"model":"gpt-test","user":"alice","messages":[{"role":"user","content":"hi"}]}`)
	b := []byte(`{"model":"gpt-test","user":"bob","messages":[{"role":"user","content":"hi"}]}`)

	hashA, err := RequestHash(a)
	require.NoError(t, err)
	hashB, err := RequestHash(b)
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)
}

func TestRequestHashDiffersOnSubstance(t *testing.T) {
	a := []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	b := []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"bye"}]}`)

	hashA, err := RequestHash(a)
	require.NoError(t, err)
	hashB, err := RequestHash(b)
	require.NoError(t, err)
	require.NotEqual(t, hashA, hashB)
}

func TestExecutionIDIsDeterministic(t *testing.T) {
	hash, err := RequestHash([]byte(`{"model":"gpt-test"}`))
	require.NoError(t, err)

	id1 := ExecutionID("agent_1", "idem_1", hash)
	id2 := ExecutionID("agent_1", "idem_1", hash)
	require.Equal(t, id1, id2)
	require.True(t, len(id1) > len("ex_"))
}

func TestHasToolSchema(t *testing.T) {
	require.True(t, HasToolSchema([]byte(`{"tools":[{"type":"function"}]}`)))
	require.False(t, HasToolSchema([]byte(`{"tools":[]}`)))
	require.False(t, HasToolSchema([]byte(`{}`)))
}

func TestMessageRoles(t *testing.T) {
	roles := MessageRoles([]byte(`{"messages":[{"role":"system"},{"role":"user"}]}`))
	require.Equal(t, []string{"system", "user"}, roles)
}
