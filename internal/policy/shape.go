package policy

import "github.com/tidwall/gjson"

func requestsStreaming(payload []byte) bool {
	return gjson.GetBytes(payload, "stream").Bool()
}

func requestedMaxTokens(payload []byte) int64 {
	if v := gjson.GetBytes(payload, "max_tokens"); v.Exists() {
		return v.Int()
	}
	if v := gjson.GetBytes(payload, "max_completion_tokens"); v.Exists() {
		return v.Int()
	}
	return 0
}
