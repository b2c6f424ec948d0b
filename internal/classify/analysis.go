package classify

import (
	"encoding/json"
	"strings"

	"github.com/routecodex/routecodex/internal/config"
)

// Flat token charge for an image content part. Vision inputs are billed
// per tile upstream; a fixed charge keeps threshold routing stable.
const imageTokenCharge = 765

// analyzeTokens produces the token breakdown for a request payload.
func (c *Classifier) analyzeTokens(payload map[string]any, proto *config.ProtocolConfig) (*TokenAnalysis, error) {
	model, _ := payload[proto.ModelField].(string)
	counter := c.counterFor(model)
	ta := &TokenAnalysis{}

	count := func(text string) (int, error) {
		if text == "" {
			return 0, nil
		}
		return counter.CountTokens(text)
	}

	// Messages (or the Responses-style input string).
	switch msgs := payload[proto.MessageField].(type) {
	case string:
		n, err := count(msgs)
		if err != nil {
			return nil, err
		}
		ta.MessageTokens += n
	case []any:
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			text, images := messageText(msg)
			n, err := count(text)
			if err != nil {
				return nil, err
			}
			n += images * imageTokenCharge
			if role, _ := msg["role"].(string); role == "system" {
				ta.SystemTokens += n
			} else {
				ta.MessageTokens += n
			}
			if calls, ok := msg["tool_calls"]; ok {
				raw, _ := json.Marshal(calls)
				cn, err := count(string(raw))
				if err != nil {
					return nil, err
				}
				ta.MessageTokens += cn
			}
		}
	}

	// Protocol-level system prompt (Anthropic system, Gemini systemInstruction).
	for _, field := range []string{"system", "systemInstruction", "system_instruction"} {
		sys, ok := payload[field]
		if !ok {
			continue
		}
		text := ""
		switch v := sys.(type) {
		case string:
			text = v
		case map[string]any:
			text, _ = messageText(v)
		case []any:
			text, _ = partsText(v)
		}
		n, err := count(text)
		if err != nil {
			return nil, err
		}
		ta.SystemTokens += n
	}

	// Tool schemas count against the prompt too.
	if tools, ok := payload[proto.ToolsField]; ok {
		raw, _ := json.Marshal(tools)
		n, err := count(string(raw))
		if err != nil {
			return nil, err
		}
		ta.ToolTokens = n
	}

	ta.TotalTokens = ta.MessageTokens + ta.SystemTokens + ta.ToolTokens
	return ta, nil
}

// messageText flattens one message to text and counts its image parts.
// Handles string content, OpenAI/Anthropic part arrays, and Gemini
// {role, parts} shapes.
func messageText(msg map[string]any) (string, int) {
	if content, ok := msg["content"]; ok {
		switch v := content.(type) {
		case string:
			return v, 0
		case []any:
			return partsText(v)
		}
	}
	if parts, ok := msg["parts"].([]any); ok {
		return partsText(parts)
	}
	return "", 0
}

// partsText joins text fields from a content-part array and counts image
// parts along the way.
func partsText(parts []any) (string, int) {
	var sb strings.Builder
	images := 0
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			if s, ok := p.(string); ok {
				sb.WriteString(s)
				sb.WriteString("\n")
			}
			continue
		}
		if isImagePart(part) {
			images++
			continue
		}
		if text, ok := part["text"].(string); ok {
			sb.WriteString(text)
			sb.WriteString("\n")
		}
	}
	return sb.String(), images
}

// isImagePart detects image content across the entry dialects.
func isImagePart(part map[string]any) bool {
	if t, _ := part["type"].(string); strings.Contains(t, "image") {
		return true
	}
	if iu, ok := part["image_url"].(map[string]any); ok {
		if url, _ := iu["url"].(string); url != "" {
			return true
		}
	}
	if url, ok := part["image_url"].(string); ok && url != "" {
		return true
	}
	for _, key := range []string{"inline_data", "inlineData"} {
		if blob, ok := part[key].(map[string]any); ok {
			for _, mk := range []string{"mime_type", "mimeType"} {
				if mime, _ := blob[mk].(string); strings.HasPrefix(mime, "image/") {
					return true
				}
			}
		}
	}
	return false
}

// analyzeTools scans the request tools field and in-message tool calls,
// bucketing each tool into a category by keyword.
func (c *Classifier) analyzeTools(payload map[string]any, proto *config.ProtocolConfig) ToolAnalysis {
	ta := ToolAnalysis{}
	seen := map[string]bool{}

	addTool := func(raw any) {
		ta.Count++
		cat := categorizeTool(raw)
		if !seen[cat] {
			seen[cat] = true
			ta.Categories = append(ta.Categories, cat)
		}
	}

	if tools, ok := payload[proto.ToolsField].([]any); ok {
		for _, t := range tools {
			addTool(t)
		}
	}
	if msgs, ok := payload[proto.MessageField].([]any); ok {
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if calls, ok := msg["tool_calls"].([]any); ok {
				for _, call := range calls {
					addTool(call)
				}
			}
		}
	}

	ta.HasTools = ta.Count > 0
	return ta
}

// categorizeTool assigns one of the five tool categories from the
// serialized tool definition.
func categorizeTool(tool any) string {
	raw, _ := json.Marshal(tool)
	s := strings.ToLower(string(raw))

	switch {
	case strings.Contains(s, "web_search") || strings.Contains(s, "websearch") ||
		strings.Contains(s, "browse") ||
		(strings.Contains(s, "search") && (strings.Contains(s, "web") ||
			strings.Contains(s, "internet") || strings.Contains(s, "google") ||
			strings.Contains(s, "online"))):
		return CategoryWebSearch
	case strings.Contains(s, "code") || strings.Contains(s, "exec") ||
		strings.Contains(s, "python") || strings.Contains(s, "interpreter") ||
		strings.Contains(s, "shell") || strings.Contains(s, "bash"):
		return CategoryCodeExecution
	case strings.Contains(s, "file") || strings.Contains(s, "retrieval") ||
		strings.Contains(s, "grep") || strings.Contains(s, "glob"):
		return CategoryFileSearch
	case strings.Contains(s, "sql") || strings.Contains(s, "query") ||
		strings.Contains(s, "data") || strings.Contains(s, "analy"):
		return CategoryDataAnalysis
	default:
		return CategoryGeneral
	}
}

// analyzeTier matches the request model against the configured tiers by
// substring; unmatched models are basic.
func (c *Classifier) analyzeTier(model string) TierAnalysis {
	if model == "" {
		return TierAnalysis{Tier: "basic"}
	}
	lower := strings.ToLower(model)
	for _, m := range c.cfg.ModelTiers.Advanced.Models {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return TierAnalysis{Tier: "advanced", Matched: m}
		}
	}
	for _, m := range c.cfg.ModelTiers.Basic.Models {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return TierAnalysis{Tier: "basic", Matched: m}
		}
	}
	return TierAnalysis{Tier: "basic"}
}

// hasImageContent reports whether any message carries an image part.
func hasImageContent(payload map[string]any, proto *config.ProtocolConfig) bool {
	msgs, ok := payload[proto.MessageField].([]any)
	if !ok {
		return false
	}
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if _, images := messageText(msg); images > 0 {
			return true
		}
	}
	return false
}

// hasThinkingIntent matches configured keywords against the concatenated
// user-role text, case-insensitively.
func (c *Classifier) hasThinkingIntent(payload map[string]any, proto *config.ProtocolConfig) bool {
	if len(c.cfg.ThinkingKeywords) == 0 {
		return false
	}
	var sb strings.Builder
	switch msgs := payload[proto.MessageField].(type) {
	case string:
		sb.WriteString(msgs)
	case []any:
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			role, _ := msg["role"].(string)
			if role != "user" && role != "" {
				continue
			}
			text, _ := messageText(msg)
			sb.WriteString(text)
			sb.WriteString("\n")
		}
	}
	haystack := strings.ToLower(sb.String())
	if haystack == "" {
		return false
	}
	for _, kw := range c.cfg.ThinkingKeywords {
		if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
