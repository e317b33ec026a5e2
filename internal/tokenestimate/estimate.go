// Package tokenestimate provides the local token-count heuristic used both
// as message_start's preliminary usage.input_tokens (before any ContextUsage
// event arrives) and as the count_tokens endpoint's estimate. Kiro's
// upstream has no count-tokens equivalent to proxy to, so this is always a
// local approximation, never an authoritative count.
package tokenestimate

import (
	"encoding/json"

	"github.com/yansir/kiroproxy/internal/translate"
)

// charsPerToken is the same coarse approximation transcode uses for
// estimating emitted output length.
const charsPerToken = 4

// Request estimates input_tokens for req: system prompt, every message's
// text, and tool schemas (serialized roughly) all count toward the total.
func Request(req *translate.Request) int {
	chars := len(stringify(req.System))
	for _, m := range req.Messages {
		chars += len(stringify(m.Content))
	}
	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description)
		if t.InputSchema != nil {
			if schema, err := json.Marshal(t.InputSchema); err == nil {
				chars += len(schema)
			}
		}
	}
	return fromChars(chars)
}

func fromChars(chars int) int {
	if chars == 0 {
		return 0
	}
	n := chars / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		var out string
		for _, block := range x {
			m, ok := block.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				out += text
			}
		}
		return out
	case nil:
		return ""
	default:
		return ""
	}
}
