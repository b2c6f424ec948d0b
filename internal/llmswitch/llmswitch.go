// Package llmswitch translates request and response payloads between
// the supported wire protocols. OpenAI Chat Completions is the hub
// shape: every inbound dialect converts to it, every outbound dialect
// converts from it. All transforms are pure payload→payload maps.
package llmswitch

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// Canonical protocol names.
const (
	ProtoOpenAIChat      = "openai-chat"
	ProtoOpenAIResponses = "openai-responses"
	ProtoAnthropic       = "anthropic-messages"
	ProtoGemini          = "gemini"
)

// Normalize maps config spellings onto the canonical protocol names.
func Normalize(proto string) string {
	switch proto {
	case "openai", "openai-chat", "":
		return ProtoOpenAIChat
	case "responses", "openai-responses":
		return ProtoOpenAIResponses
	case "anthropic", "anthropic-messages":
		return ProtoAnthropic
	case "gemini", "geminicli":
		return ProtoGemini
	default:
		return proto
	}
}

// Request converts an entry-protocol payload into the provider's wire
// protocol. Identical protocols still return a fresh copy.
func Request(payload map[string]any, from, to string) (map[string]any, error) {
	from, to = Normalize(from), Normalize(to)
	if from == to {
		return clone(payload), nil
	}
	chat, err := toChat(payload, from)
	if err != nil {
		return nil, err
	}
	return fromChat(chat, to)
}

// Response converts a provider response back into the entry protocol,
// restoring the inbound model name.
func Response(body map[string]any, from, to, model string) (map[string]any, error) {
	from, to = Normalize(from), Normalize(to)
	chat := body
	if from != ProtoOpenAIChat {
		var err error
		chat, err = responseToChat(body, from)
		if err != nil {
			return nil, err
		}
	} else {
		chat = clone(body)
	}
	if model != "" {
		chat["model"] = model
	}
	if to == ProtoOpenAIChat {
		return chat, nil
	}
	return responseFromChat(chat, to, model)
}

func toChat(payload map[string]any, from string) (map[string]any, error) {
	switch from {
	case ProtoOpenAIChat:
		return clone(payload), nil
	case ProtoOpenAIResponses:
		return responsesRequestToChat(payload), nil
	case ProtoAnthropic:
		return anthropicRequestToChat(payload), nil
	case ProtoGemini:
		return geminiRequestToChat(payload), nil
	default:
		return nil, gwerrors.NewConfigError("llmswitch: unsupported entry protocol " + from)
	}
}

func fromChat(chat map[string]any, to string) (map[string]any, error) {
	switch to {
	case ProtoOpenAIChat:
		return chat, nil
	case ProtoAnthropic:
		return chatRequestToAnthropic(chat), nil
	case ProtoGemini:
		return chatRequestToGemini(chat), nil
	default:
		return nil, gwerrors.NewConfigError("llmswitch: unsupported provider protocol " + to)
	}
}

func responseToChat(body map[string]any, from string) (map[string]any, error) {
	switch from {
	case ProtoAnthropic:
		return anthropicResponseToChat(body), nil
	case ProtoGemini:
		return geminiResponseToChat(body), nil
	default:
		return nil, gwerrors.NewConfigError("llmswitch: unsupported provider protocol " + from)
	}
}

func responseFromChat(chat map[string]any, to, model string) (map[string]any, error) {
	switch to {
	case ProtoOpenAIResponses:
		return chatResponseToResponses(chat, model), nil
	case ProtoAnthropic:
		return chatResponseToAnthropic(chat, model), nil
	case ProtoGemini:
		return chatResponseToGemini(chat), nil
	default:
		return nil, gwerrors.NewConfigError("llmswitch: unsupported entry protocol " + to)
	}
}

// --- OpenAI Responses dialect ---

// responsesRequestToChat lowers a /v1/responses request: instructions
// become the system message, the input string or item list becomes the
// message array.
func responsesRequestToChat(payload map[string]any) map[string]any {
	out := clone(payload)
	delete(out, "input")
	delete(out, "instructions")
	delete(out, "max_output_tokens")

	var messages []any
	if instr, _ := payload["instructions"].(string); instr != "" {
		messages = append(messages, map[string]any{"role": "system", "content": instr})
	}
	switch input := payload["input"].(type) {
	case string:
		messages = append(messages, map[string]any{"role": "user", "content": input})
	case []any:
		for _, item := range input {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			// Items of type "message" (or untyped role carriers) map 1:1.
			if t, _ := m["type"].(string); t != "" && t != "message" {
				continue
			}
			role, _ := m["role"].(string)
			if role == "" {
				role = "user"
			}
			messages = append(messages, map[string]any{
				"role":    role,
				"content": responsesContentToChat(m["content"]),
			})
		}
	}
	out["messages"] = messages
	if v, ok := payload["max_output_tokens"]; ok {
		out["max_tokens"] = v
	}
	return out
}

// responsesContentToChat lowers input_text/input_image parts into chat
// content parts.
func responsesContentToChat(content any) any {
	parts, ok := content.([]any)
	if !ok {
		return content
	}
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			out = append(out, p)
			continue
		}
		switch part["type"] {
		case "input_text", "output_text":
			out = append(out, map[string]any{"type": "text", "text": part["text"]})
		case "input_image":
			out = append(out, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": part["image_url"]},
			})
		default:
			out = append(out, p)
		}
	}
	return out
}

// chatResponseToResponses lifts a chat completion into the Responses
// envelope.
func chatResponseToResponses(chat map[string]any, model string) map[string]any {
	text := firstChoiceText(chat)
	id, _ := chat["id"].(string)
	if id == "" {
		id = "resp_" + uuid.NewString()
	}
	out := map[string]any{
		"id":         id,
		"object":     "response",
		"created_at": createdAt(chat),
		"model":      model,
		"status":     "completed",
		"output": []any{
			map[string]any{
				"type":   "message",
				"id":     "msg_" + uuid.NewString(),
				"role":   "assistant",
				"status": "completed",
				"content": []any{
					map[string]any{"type": "output_text", "text": text, "annotations": []any{}},
				},
			},
		},
	}
	if usage, ok := chat["usage"].(map[string]any); ok {
		out["usage"] = map[string]any{
			"input_tokens":  usage["prompt_tokens"],
			"output_tokens": usage["completion_tokens"],
			"total_tokens":  usage["total_tokens"],
		}
	}
	return out
}

// --- Anthropic Messages dialect ---

// anthropicRequestToChat lowers an Anthropic request: the top-level
// system prompt becomes a system message, tool_use/tool_result blocks
// become tool calls and tool messages.
func anthropicRequestToChat(payload map[string]any) map[string]any {
	out := clone(payload)
	delete(out, "system")
	delete(out, "anthropic_version")

	var messages []any
	switch sys := payload["system"].(type) {
	case string:
		if sys != "" {
			messages = append(messages, map[string]any{"role": "system", "content": sys})
		}
	case []any:
		text := ""
		for _, b := range sys {
			if block, ok := b.(map[string]any); ok {
				if t, _ := block["text"].(string); t != "" {
					if text != "" {
						text += "\n"
					}
					text += t
				}
			}
		}
		if text != "" {
			messages = append(messages, map[string]any{"role": "system", "content": text})
		}
	}

	inMsgs, _ := payload["messages"].([]any)
	for _, m := range inMsgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		blocks, isBlocks := msg["content"].([]any)
		if !isBlocks {
			messages = append(messages, map[string]any{"role": role, "content": msg["content"]})
			continue
		}
		chatMsg := map[string]any{"role": role}
		var contentParts []any
		var toolCalls []any
		for _, b := range blocks {
			block, ok := b.(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				contentParts = append(contentParts, map[string]any{"type": "text", "text": block["text"]})
			case "image":
				if src, ok := block["source"].(map[string]any); ok {
					url := fmt.Sprintf("data:%v;base64,%v", src["media_type"], src["data"])
					contentParts = append(contentParts, map[string]any{
						"type":      "image_url",
						"image_url": map[string]any{"url": url},
					})
				}
			case "tool_use":
				toolCalls = append(toolCalls, map[string]any{
					"id":   block["id"],
					"type": "function",
					"function": map[string]any{
						"name":      block["name"],
						"arguments": marshalJSON(block["input"]),
					},
				})
			case "tool_result":
				messages = append(messages, map[string]any{
					"role":         "tool",
					"tool_call_id": block["tool_use_id"],
					"content":      flattenAnthropicResult(block["content"]),
				})
			}
		}
		if len(toolCalls) > 0 {
			chatMsg["tool_calls"] = toolCalls
		}
		if len(contentParts) > 0 {
			chatMsg["content"] = contentParts
		} else if len(toolCalls) == 0 {
			continue
		}
		messages = append(messages, chatMsg)
	}
	out["messages"] = messages

	if tools, ok := payload["tools"].([]any); ok {
		out["tools"] = anthropicToolsToChat(tools)
	}
	return out
}

func anthropicToolsToChat(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		tool, ok := t.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool["name"],
				"description": tool["description"],
				"parameters":  tool["input_schema"],
			},
		})
	}
	return out
}

func flattenAnthropicResult(content any) any {
	blocks, ok := content.([]any)
	if !ok {
		return content
	}
	text := ""
	for _, b := range blocks {
		if block, ok := b.(map[string]any); ok {
			if t, _ := block["text"].(string); t != "" {
				if text != "" {
					text += "\n"
				}
				text += t
			}
		}
	}
	return text
}

// chatRequestToAnthropic lifts a chat request into the Anthropic shape.
func chatRequestToAnthropic(chat map[string]any) map[string]any {
	out := map[string]any{}
	if v, ok := chat["model"]; ok {
		out["model"] = v
	}
	if v, ok := chat["max_tokens"]; ok {
		out["max_tokens"] = v
	} else {
		out["max_tokens"] = 4096
	}
	for _, k := range []string{"temperature", "top_p", "stop_sequences", "metadata", "stream"} {
		if v, ok := chat[k]; ok {
			out[k] = v
		}
	}

	var messages []any
	msgs, _ := chat["messages"].([]any)
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		switch role {
		case "system":
			if text := contentText(msg["content"]); text != "" {
				if prev, _ := out["system"].(string); prev != "" {
					out["system"] = prev + "\n" + text
				} else {
					out["system"] = text
				}
			}
		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []any{map[string]any{
					"type":        "tool_result",
					"tool_use_id": msg["tool_call_id"],
					"content":     msg["content"],
				}},
			})
		default:
			blocks := chatContentToAnthropicBlocks(msg["content"])
			if calls, ok := msg["tool_calls"].([]any); ok {
				for _, c := range calls {
					call, ok := c.(map[string]any)
					if !ok {
						continue
					}
					fn, _ := call["function"].(map[string]any)
					blocks = append(blocks, map[string]any{
						"type":  "tool_use",
						"id":    call["id"],
						"name":  fn["name"],
						"input": unmarshalJSON(fn["arguments"]),
					})
				}
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, map[string]any{"role": role, "content": blocks})
		}
	}
	out["messages"] = messages

	if tools, ok := chat["tools"].([]any); ok {
		var atools []any
		for _, t := range tools {
			tool, ok := t.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := tool["function"].(map[string]any)
			atools = append(atools, map[string]any{
				"name":         fn["name"],
				"description":  fn["description"],
				"input_schema": fn["parameters"],
			})
		}
		if len(atools) > 0 {
			out["tools"] = atools
		}
	}
	return out
}

func chatContentToAnthropicBlocks(content any) []any {
	switch c := content.(type) {
	case string:
		if c == "" {
			return nil
		}
		return []any{map[string]any{"type": "text", "text": c}}
	case []any:
		var blocks []any
		for _, p := range c {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			switch part["type"] {
			case "text":
				blocks = append(blocks, map[string]any{"type": "text", "text": part["text"]})
			case "image_url":
				// Data URLs carry media type and payload inline.
				if iu, ok := part["image_url"].(map[string]any); ok {
					if url, _ := iu["url"].(string); url != "" {
						if media, data, ok := splitDataURL(url); ok {
							blocks = append(blocks, map[string]any{
								"type": "image",
								"source": map[string]any{
									"type":       "base64",
									"media_type": media,
									"data":       data,
								},
							})
						}
					}
				}
			}
		}
		return blocks
	default:
		return nil
	}
}

// anthropicResponseToChat lowers an Anthropic message into a chat
// completion.
func anthropicResponseToChat(body map[string]any) map[string]any {
	message := map[string]any{"role": "assistant"}
	text := ""
	var toolCalls []any
	if blocks, ok := body["content"].([]any); ok {
		for _, b := range blocks {
			block, ok := b.(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if t, _ := block["text"].(string); t != "" {
					text += t
				}
			case "tool_use":
				toolCalls = append(toolCalls, map[string]any{
					"id":   block["id"],
					"type": "function",
					"function": map[string]any{
						"name":      block["name"],
						"arguments": marshalJSON(block["input"]),
					},
				})
			}
		}
	}
	message["content"] = text
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	finish := "stop"
	switch body["stop_reason"] {
	case "max_tokens":
		finish = "length"
	case "tool_use":
		finish = "tool_calls"
	}
	out := map[string]any{
		"id":      body["id"],
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   body["model"],
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": finish,
		}},
	}
	if usage, ok := body["usage"].(map[string]any); ok {
		in := toInt(usage["input_tokens"])
		outTok := toInt(usage["output_tokens"])
		out["usage"] = map[string]any{
			"prompt_tokens":     in,
			"completion_tokens": outTok,
			"total_tokens":      in + outTok,
		}
	}
	return out
}

// chatResponseToAnthropic lifts a chat completion into the Anthropic
// message envelope.
func chatResponseToAnthropic(chat map[string]any, model string) map[string]any {
	text := firstChoiceText(chat)
	var blocks []any
	if text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	finish, _ := firstChoice(chat)["finish_reason"].(string)
	stopReason := "end_turn"
	switch finish {
	case "length":
		stopReason = "max_tokens"
	case "tool_calls":
		stopReason = "tool_use"
	}
	if calls, ok := firstChoiceMessage(chat)["tool_calls"].([]any); ok {
		for _, c := range calls {
			call, ok := c.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := call["function"].(map[string]any)
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    call["id"],
				"name":  fn["name"],
				"input": unmarshalJSON(fn["arguments"]),
			})
		}
	}
	if blocks == nil {
		blocks = []any{}
	}
	out := map[string]any{
		"id":          "msg_" + uuid.NewString(),
		"type":        "message",
		"role":        "assistant",
		"model":       model,
		"content":     blocks,
		"stop_reason": stopReason,
	}
	if usage, ok := chat["usage"].(map[string]any); ok {
		out["usage"] = map[string]any{
			"input_tokens":  usage["prompt_tokens"],
			"output_tokens": usage["completion_tokens"],
		}
	}
	return out
}

// --- Gemini dialect ---

// geminiRequestToChat lowers a generateContent request.
func geminiRequestToChat(payload map[string]any) map[string]any {
	out := map[string]any{}
	if v, ok := payload["model"]; ok {
		out["model"] = v
	}
	var messages []any
	if si, ok := payload["systemInstruction"].(map[string]any); ok {
		if text := geminiPartsText(si["parts"]); text != "" {
			messages = append(messages, map[string]any{"role": "system", "content": text})
		}
	}
	contents, _ := payload["contents"].([]any)
	for _, c := range contents {
		content, ok := c.(map[string]any)
		if !ok {
			continue
		}
		role, _ := content["role"].(string)
		if role == "model" {
			role = "assistant"
		}
		if role == "" {
			role = "user"
		}
		if text := geminiPartsText(content["parts"]); text != "" {
			messages = append(messages, map[string]any{"role": role, "content": text})
		}
	}
	out["messages"] = messages

	if gc, ok := payload["generationConfig"].(map[string]any); ok {
		if v, ok := gc["maxOutputTokens"]; ok {
			out["max_tokens"] = v
		}
		if v, ok := gc["temperature"]; ok {
			out["temperature"] = v
		}
		if v, ok := gc["topP"]; ok {
			out["top_p"] = v
		}
	}
	return out
}

func geminiPartsText(parts any) string {
	list, ok := parts.([]any)
	if !ok {
		return ""
	}
	text := ""
	for _, p := range list {
		if part, ok := p.(map[string]any); ok {
			if t, _ := part["text"].(string); t != "" {
				if text != "" {
					text += "\n"
				}
				text += t
			}
		}
	}
	return text
}

// chatRequestToGemini lifts a chat request into the Gemini contents
// shape.
func chatRequestToGemini(chat map[string]any) map[string]any {
	out := map[string]any{}
	var contents []any
	msgs, _ := chat["messages"].([]any)
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		text := contentText(msg["content"])
		switch role {
		case "system":
			if text != "" {
				out["systemInstruction"] = map[string]any{
					"parts": []any{map[string]any{"text": text}},
				}
			}
			continue
		case "assistant":
			role = "model"
		default:
			role = "user"
		}
		if text == "" {
			continue
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []any{map[string]any{"text": text}},
		})
	}
	out["contents"] = contents

	gc := map[string]any{}
	if v, ok := chat["max_tokens"]; ok {
		gc["maxOutputTokens"] = v
	}
	if v, ok := chat["temperature"]; ok {
		gc["temperature"] = v
	}
	if v, ok := chat["top_p"]; ok {
		gc["topP"] = v
	}
	if len(gc) > 0 {
		out["generationConfig"] = gc
	}

	if tools, ok := chat["tools"].([]any); ok {
		var decls []any
		for _, t := range tools {
			tool, ok := t.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := tool["function"].(map[string]any)
			if fn == nil {
				continue
			}
			decls = append(decls, map[string]any{
				"name":        fn["name"],
				"description": fn["description"],
				"parameters":  fn["parameters"],
			})
		}
		if len(decls) > 0 {
			out["tools"] = []any{map[string]any{"functionDeclarations": decls}}
		}
	}
	return out
}

// geminiResponseToChat lowers a generateContent response.
func geminiResponseToChat(body map[string]any) map[string]any {
	text := ""
	finish := "stop"
	var toolCalls []any
	if candidates, ok := body["candidates"].([]any); ok && len(candidates) > 0 {
		if cand, ok := candidates[0].(map[string]any); ok {
			if content, ok := cand["content"].(map[string]any); ok {
				if parts, ok := content["parts"].([]any); ok {
					for _, p := range parts {
						part, ok := p.(map[string]any)
						if !ok {
							continue
						}
						if t, _ := part["text"].(string); t != "" {
							text += t
						}
						if fc, ok := part["functionCall"].(map[string]any); ok {
							toolCalls = append(toolCalls, map[string]any{
								"id":   "call_" + uuid.NewString(),
								"type": "function",
								"function": map[string]any{
									"name":      fc["name"],
									"arguments": marshalJSON(fc["args"]),
								},
							})
						}
					}
				}
			}
			switch cand["finishReason"] {
			case "MAX_TOKENS":
				finish = "length"
			}
		}
	}
	message := map[string]any{"role": "assistant", "content": text}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
		finish = "tool_calls"
	}
	out := map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   body["modelVersion"],
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": finish,
		}},
	}
	if um, ok := body["usageMetadata"].(map[string]any); ok {
		out["usage"] = map[string]any{
			"prompt_tokens":     toInt(um["promptTokenCount"]),
			"completion_tokens": toInt(um["candidatesTokenCount"]),
			"total_tokens":      toInt(um["totalTokenCount"]),
		}
	}
	return out
}

// chatResponseToGemini lifts a chat completion into the Gemini response
// envelope.
func chatResponseToGemini(chat map[string]any) map[string]any {
	finishReason := "STOP"
	if fr, _ := firstChoice(chat)["finish_reason"].(string); fr == "length" {
		finishReason = "MAX_TOKENS"
	}
	out := map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []any{map[string]any{"text": firstChoiceText(chat)}},
			},
			"finishReason": finishReason,
			"index":        0,
		}},
	}
	if usage, ok := chat["usage"].(map[string]any); ok {
		out["usageMetadata"] = map[string]any{
			"promptTokenCount":     usage["prompt_tokens"],
			"candidatesTokenCount": usage["completion_tokens"],
			"totalTokenCount":      usage["total_tokens"],
		}
	}
	return out
}
