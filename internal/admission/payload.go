package admission

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

func requestedMaxTokens(payload []byte) int64 {
	if v := gjson.GetBytes(payload, "max_tokens"); v.Exists() {
		return v.Int()
	}
	if v := gjson.GetBytes(payload, "max_completion_tokens"); v.Exists() {
		return v.Int()
	}
	return 0
}

func canonicalEventPayload(fields map[string]any) ([]byte, error) {
	return json.Marshal(fields)
}
