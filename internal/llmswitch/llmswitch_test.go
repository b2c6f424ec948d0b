package llmswitch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSameProtocolReturnsCopy(t *testing.T) {
	in := map[string]any{"model": "glm-4.6", "messages": []any{map[string]any{"role": "user", "content": "hi"}}}
	out, err := Request(in, "openai-chat", "openai")
	require.NoError(t, err)
	require.Equal(t, in, out)

	out["model"] = "changed"
	require.Equal(t, "glm-4.6", in["model"], "input must not alias the output")
}

func TestResponsesRequestToChat(t *testing.T) {
	in := map[string]any{
		"model":             "gpt-4o",
		"instructions":      "Be terse.",
		"input":             "hello",
		"max_output_tokens": float64(512),
	}
	out, err := Request(in, "openai-responses", "openai")
	require.NoError(t, err)

	msgs := out["messages"].([]any)
	require.Len(t, msgs, 2)
	require.Equal(t, "system", msgs[0].(map[string]any)["role"])
	require.Equal(t, "Be terse.", msgs[0].(map[string]any)["content"])
	require.Equal(t, "user", msgs[1].(map[string]any)["role"])
	require.Equal(t, "hello", msgs[1].(map[string]any)["content"])
	require.Equal(t, float64(512), out["max_tokens"])
	require.NotContains(t, out, "input")
	require.NotContains(t, out, "max_output_tokens")
}

func TestResponsesItemListToChat(t *testing.T) {
	in := map[string]any{
		"model": "gpt-4o",
		"input": []any{
			map[string]any{
				"type": "message",
				"role": "user",
				"content": []any{
					map[string]any{"type": "input_text", "text": "describe"},
					map[string]any{"type": "input_image", "image_url": "https://x/img.png"},
				},
			},
		},
	}
	out, err := Request(in, "openai-responses", "openai")
	require.NoError(t, err)
	msgs := out["messages"].([]any)
	require.Len(t, msgs, 1)
	parts := msgs[0].(map[string]any)["content"].([]any)
	require.Equal(t, "text", parts[0].(map[string]any)["type"])
	require.Equal(t, "image_url", parts[1].(map[string]any)["type"])
}

func TestAnthropicRoundTripRequest(t *testing.T) {
	in := map[string]any{
		"model":      "claude-x",
		"max_tokens": float64(1024),
		"system":     "You are helpful.",
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
		"tools": []any{
			map[string]any{
				"name":         "get_weather",
				"description":  "weather lookup",
				"input_schema": map[string]any{"type": "object"},
			},
		},
	}
	chat, err := Request(in, "anthropic-messages", "openai")
	require.NoError(t, err)
	msgs := chat["messages"].([]any)
	require.Equal(t, "system", msgs[0].(map[string]any)["role"])
	fn := chat["tools"].([]any)[0].(map[string]any)["function"].(map[string]any)
	require.Equal(t, "get_weather", fn["name"])

	back, err := Request(chat, "openai", "anthropic")
	require.NoError(t, err)
	require.Equal(t, "You are helpful.", back["system"])
	require.Len(t, back["messages"].([]any), 1)
	atool := back["tools"].([]any)[0].(map[string]any)
	require.Equal(t, "get_weather", atool["name"])
	require.Contains(t, atool, "input_schema")
}

func TestChatToGeminiContents(t *testing.T) {
	in := map[string]any{
		"model":      "gemini-2.5-pro",
		"max_tokens": float64(256),
		"messages": []any{
			map[string]any{"role": "system", "content": "be brief"},
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello"},
		},
	}
	out, err := Request(in, "openai", "gemini")
	require.NoError(t, err)

	si := out["systemInstruction"].(map[string]any)
	require.Equal(t, "be brief", si["parts"].([]any)[0].(map[string]any)["text"])

	contents := out["contents"].([]any)
	require.Len(t, contents, 2)
	require.Equal(t, "user", contents[0].(map[string]any)["role"])
	require.Equal(t, "model", contents[1].(map[string]any)["role"])

	gc := out["generationConfig"].(map[string]any)
	require.Equal(t, float64(256), gc["maxOutputTokens"])
}

func TestGeminiResponseToChat(t *testing.T) {
	body := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": "answer"}},
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     float64(10),
			"candidatesTokenCount": float64(5),
			"totalTokenCount":      float64(15),
		},
	}
	out, err := Response(body, "gemini", "openai-chat", "gemini-2.5-pro")
	require.NoError(t, err)
	require.Equal(t, "gemini-2.5-pro", out["model"])
	msg := out["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)
	require.Equal(t, "answer", msg["content"])
	usage := out["usage"].(map[string]any)
	require.Equal(t, 15, usage["total_tokens"])
}

func TestChatResponseToAnthropicEnvelope(t *testing.T) {
	chat := map[string]any{
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": "ok"},
		}},
		"usage": map[string]any{"prompt_tokens": float64(3), "completion_tokens": float64(1)},
	}
	out, err := Response(chat, "openai", "anthropic-messages", "claude-x")
	require.NoError(t, err)
	require.Equal(t, "message", out["type"])
	require.Equal(t, "end_turn", out["stop_reason"])
	require.Equal(t, "claude-x", out["model"])
	blocks := out["content"].([]any)
	require.Equal(t, "ok", blocks[0].(map[string]any)["text"])
}

func TestChatResponseToResponsesEnvelope(t *testing.T) {
	chat := map[string]any{
		"id": "chatcmpl-1",
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": "done"},
		}},
	}
	out, err := Response(chat, "openai", "openai-responses", "gpt-4o")
	require.NoError(t, err)
	require.Equal(t, "response", out["object"])
	outputMsg := out["output"].([]any)[0].(map[string]any)
	text := outputMsg["content"].([]any)[0].(map[string]any)
	require.Equal(t, "output_text", text["type"])
	require.Equal(t, "done", text["text"])
}

func TestModelRestoredOnResponse(t *testing.T) {
	chat := map[string]any{"model": "glm-4.6-upstream", "choices": []any{}}
	out, err := Response(chat, "openai", "openai-chat", "glm-4.6")
	require.NoError(t, err)
	require.Equal(t, "glm-4.6", out["model"])
}
