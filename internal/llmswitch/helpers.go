package llmswitch

import (
	"encoding/json"
	"strings"
	"time"
)

func clone(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// contentText flattens a chat content value (string or part list) into
// plain text. Non-text parts are dropped.
func contentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		text := ""
		for _, p := range c {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if part["type"] == "text" {
				if t, _ := part["text"].(string); t != "" {
					if text != "" {
						text += "\n"
					}
					text += t
				}
			}
		}
		return text
	default:
		return ""
	}
}

func firstChoice(chat map[string]any) map[string]any {
	choices, ok := chat["choices"].([]any)
	if !ok || len(choices) == 0 {
		return map[string]any{}
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return choice
}

func firstChoiceMessage(chat map[string]any) map[string]any {
	msg, ok := firstChoice(chat)["message"].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return msg
}

func firstChoiceText(chat map[string]any) string {
	return contentText(firstChoiceMessage(chat)["content"])
}

func createdAt(chat map[string]any) int64 {
	if v, ok := chat["created"]; ok {
		return toInt64(v)
	}
	return time.Now().Unix()
}

// marshalJSON serializes tool arguments; tool-call arguments travel as
// strings on the OpenAI wire.
func marshalJSON(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// unmarshalJSON parses a tool-argument string back into an object.
func unmarshalJSON(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// splitDataURL decomposes "data:<media>;base64,<payload>".
func splitDataURL(url string) (media, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(";base64,"):], true
}

func toInt(v any) int {
	return int(toInt64(v))
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
