// Package fingerprint canonicalizes inbound request payloads for hashing
// and derives the deterministic execution ID used for idempotent replay.
package fingerprint

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// volatileFields are stripped from the payload before hashing because they
// vary across otherwise-identical retries and would defeat idempotency
// detection.
var volatileFields = map[string]bool{
	"user":                        true,
	"stream_options.include_usage": true,
}

// Canonicalize returns a deterministic byte representation of payload: keys
// sorted, volatile fields removed, whitespace collapsed. Two requests that
// differ only in a volatile field produce the same canonical form.
func Canonicalize(payload []byte) ([]byte, error) {
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, err
	}
	for field := range volatileFields {
		removeDottedField(decoded, field)
	}
	return marshalSorted(decoded)
}

// RequestHash returns the SHA-256 hash of the canonicalized payload.
func RequestHash(payload []byte) ([32]byte, error) {
	canon, err := Canonicalize(payload)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canon), nil
}

// ExecutionID derives a stable, URL-safe execution identifier from an
// agent ID and the idempotency key, or from the agent ID and the request
// hash when the key is empty. Calling this twice with the same inputs
// yields the same ID, which is what lets the admission controller detect
// an in-flight or completed duplicate before touching the store.
func ExecutionID(agentID, idempotencyKey string, requestHash [32]byte) string {
	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	if idempotencyKey != "" {
		h.Write([]byte(idempotencyKey))
	} else {
		h.Write(requestHash[:])
	}
	sum := h.Sum(nil)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:16])
	return "ex_" + strings.ToLower(enc)
}

// HasToolSchema reports whether payload declares a non-empty "tools" array,
// used by the kernel policy rule that gates tool-capable agents.
func HasToolSchema(payload []byte) bool {
	return gjson.GetBytes(payload, "tools.0").Exists()
}

// MessageRoles returns the "role" field of every entry in payload.messages,
// in order. Used by kernel rules that inspect conversation shape without a
// full struct decode.
func MessageRoles(payload []byte) []string {
	var roles []string
	gjson.GetBytes(payload, "messages.#.role").ForEach(func(_, value gjson.Result) bool {
		roles = append(roles, value.String())
		return true
	})
	return roles
}

func removeDottedField(m map[string]any, dotted string) {
	parts := strings.Split(dotted, ".")
	cur := m
	for i, p := range parts {
		if i == len(parts)-1 {
			delete(cur, p)
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			b.Write(ib)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return json.Marshal(val)
	}
}
