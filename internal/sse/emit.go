package sse

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// Emitter writes normalized frames in one entry-protocol dialect.
type Emitter struct {
	w     io.Writer
	flush func()
	model string

	// anthropic dialect state
	messageStarted bool
	blockStarted   bool
}

// NewEmitter builds an emitter over the response writer. flush may be
// nil when the writer does not buffer.
func NewEmitter(w io.Writer, flush func(), model string) *Emitter {
	if flush == nil {
		flush = func() {}
	}
	return &Emitter{w: w, flush: flush, model: model}
}

// Emit drains the frame channel in the given entry dialect. A terminal
// error frame is written as `event: error` before the stream closes.
func (e *Emitter) Emit(entryProto string, frames <-chan Frame) error {
	for f := range frames {
		switch f.Event {
		case EventData:
			if err := e.writeData(entryProto, f.Data); err != nil {
				return err
			}
		case EventDone:
			return e.writeDone(entryProto)
		case EventError:
			return e.writeError(f.Err)
		}
	}
	return e.writeDone(entryProto)
}

func (e *Emitter) writeData(entryProto string, chunk map[string]any) error {
	switch entryProto {
	case "anthropic-messages":
		return e.writeAnthropicDelta(chunk)
	case "gemini":
		return e.writeJSON("", openAIChunkToGemini(chunk))
	case "openai-responses":
		if text := deltaText(chunk); text != "" {
			return e.writeJSON("response.output_text.delta", map[string]any{
				"type":  "response.output_text.delta",
				"delta": text,
			})
		}
		return nil
	default: // openai-chat
		if e.model != "" {
			chunk["model"] = e.model
		}
		return e.writeJSON("", chunk)
	}
}

func (e *Emitter) writeDone(entryProto string) error {
	switch entryProto {
	case "anthropic-messages":
		if e.blockStarted {
			if err := e.writeJSON("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}); err != nil {
				return err
			}
		}
		if e.messageStarted {
			if err := e.writeJSON("message_delta", map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": "end_turn"},
			}); err != nil {
				return err
			}
			return e.writeJSON("message_stop", map[string]any{"type": "message_stop"})
		}
		return nil
	case "gemini", "openai-responses":
		if entryProto == "openai-responses" {
			return e.writeJSON("response.completed", map[string]any{"type": "response.completed"})
		}
		return nil
	default:
		_, err := fmt.Fprint(e.w, "data: [DONE]\n\n")
		e.flush()
		return err
	}
}

// writeError emits the terminal error frame shared by all dialects.
func (e *Emitter) writeError(err error) error {
	env := gwerrors.ToEnvelope(err)
	data, mErr := json.Marshal(env)
	if mErr != nil {
		return mErr
	}
	_, wErr := fmt.Fprintf(e.w, "event: error\ndata: %s\n\n", data)
	e.flush()
	if wErr != nil {
		return wErr
	}
	return err
}

// writeAnthropicDelta lowers an OpenAI chunk into the Anthropic event
// sequence, lazily opening the message and text block.
func (e *Emitter) writeAnthropicDelta(chunk map[string]any) error {
	if !e.messageStarted {
		e.messageStarted = true
		start := map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      "msg_" + uuid.NewString(),
				"type":    "message",
				"role":    "assistant",
				"model":   e.model,
				"content": []any{},
			},
		}
		if err := e.writeJSON("message_start", start); err != nil {
			return err
		}
	}
	text := deltaText(chunk)
	if text == "" {
		return nil
	}
	if !e.blockStarted {
		e.blockStarted = true
		if err := e.writeJSON("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		}); err != nil {
			return err
		}
	}
	return e.writeJSON("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

// writeJSON writes one SSE frame; event is omitted for data-only
// dialects.
func (e *Emitter) writeJSON(event string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if event != "" {
		_, err = fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data)
	} else {
		_, err = fmt.Fprintf(e.w, "data: %s\n\n", data)
	}
	e.flush()
	return err
}

// deltaText extracts the content delta of an OpenAI chunk.
func deltaText(chunk map[string]any) string {
	choices, ok := chunk["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return ""
	}
	text, _ := delta["content"].(string)
	return text
}

// openAIChunkToGemini maps a chunk back into a partial
// GenerateContentResponse for Gemini entry streaming.
func openAIChunkToGemini(chunk map[string]any) map[string]any {
	out := map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []any{map[string]any{"text": deltaText(chunk)}},
			},
			"index": 0,
		}},
	}
	if choices, ok := chunk["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if fr, ok := choice["finish_reason"].(string); ok && fr != "" {
				reason := "STOP"
				if fr == "length" {
					reason = "MAX_TOKENS"
				}
				out["candidates"].([]any)[0].(map[string]any)["finishReason"] = reason
			}
		}
	}
	return out
}
