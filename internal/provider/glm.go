package provider

import (
	"context"
	"fmt"
	"strings"
)

func init() {
	Register("glm", func(deps Deps) (Module, error) { return newGLM(deps), nil })
}

// glmModule targets the Zhipu open platform. The wire shape is OpenAI
// Chat Completions, but the platform only accepts system/user/assistant
// roles and plain string content, and streaming is never requested
// upstream.
type glmModule struct {
	*base
}

func newGLM(deps Deps) *glmModule {
	m := &glmModule{base: newBase(deps, "glm", "https://open.bigmodel.cn/api/paas/v4")}
	m.timeoutEnvs = append([]string{"GLM_HTTP_TIMEOUT_MS"}, m.timeoutEnvs...)
	return m
}

func (m *glmModule) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	body := m.preprocess(req, "max_tokens", false)
	if msgs, ok := body["messages"].([]any); ok {
		body["messages"] = normalizeGLMMessages(msgs)
	}
	return m.exchange(ctx, req, m.baseURL+"/chat/completions", body, nil, false)
}

// normalizeGLMMessages clamps roles to system|user|assistant and
// flattens every content value to a plain string. Assistant tool calls
// are serialized into the text so the turn survives the restriction.
func normalizeGLMMessages(msgs []any) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		switch role {
		case "system", "user", "assistant":
		case "tool":
			role = "user"
		default:
			role = "user"
		}

		text := flattenContent(msg["content"])
		if calls, ok := msg["tool_calls"].([]any); ok {
			for _, c := range calls {
				call, ok := c.(map[string]any)
				if !ok {
					continue
				}
				fn, _ := call["function"].(map[string]any)
				if fn == nil {
					continue
				}
				args, _ := fn["arguments"].(string)
				line := fmt.Sprintf("[tool_call:%v] %s", fn["name"], args)
				if text != "" {
					text += "\n"
				}
				text += line
			}
		}
		if text == "" && role != "assistant" {
			continue
		}
		out = append(out, map[string]any{"role": role, "content": text})
	}
	return out
}

// flattenContent joins content parts into one string; image parts are
// dropped (the platform has no slot for them on this path).
func flattenContent(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, p := range c {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if part["type"] == "text" {
				if t, _ := part["text"].(string); t != "" {
					if sb.Len() > 0 {
						sb.WriteString("\n")
					}
					sb.WriteString(t)
				}
			}
		}
		return sb.String()
	default:
		return ""
	}
}
