// Package sse normalizes vendor server-sent-event streams into one
// internal frame model and re-emits frames in the entry protocol's
// dialect. Normalization runs on its own goroutine and observes
// cancellation between frames.
package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/pkg/safego"
)

// Normalized frame events.
const (
	EventData  = "provider.data"
	EventDone  = "provider.done"
	EventError = "provider.error"
)

// Frame is the unit flowing between the provider stack and the entry
// emitters. Data frames carry an OpenAI-chunk-shaped delta regardless
// of the upstream vendor.
type Frame struct {
	Event string
	Data  map[string]any
	Err   error
}

// Upstream vendor dialects the normalizer understands.
const (
	VendorOpenAI    = "openai"
	VendorGemini    = "gemini"
	VendorGeminiCLI = "geminicli"
)

// idleTimeout bounds the gap between upstream reads; a stalled stream
// surfaces as an error frame instead of hanging the request.
const idleTimeout = 60 * time.Second

var errIdleTimeout = errors.New("sse: read idle timeout")

// timedReader applies a per-Read deadline.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

// Normalize consumes a vendor SSE body and emits normalized frames on
// the returned channel. The body is closed when the stream ends, the
// consumer's context is cancelled, or the idle timeout fires. The
// channel always terminates with a done or error frame.
func Normalize(ctx context.Context, body io.ReadCloser, vendor string, logger *zap.Logger) <-chan Frame {
	frames := make(chan Frame, 8)

	// Cancellation watchdog: force-close the body so a blocked Read
	// unblocks when the consumer drops.
	streamDone := make(chan struct{})
	safego.Go(logger, "sse-watchdog", func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-streamDone:
		}
	})

	safego.Go(logger, "sse-normalize", func() {
		defer close(frames)
		defer close(streamDone)
		defer body.Close()

		scanner := bufio.NewScanner(&timedReader{r: body, timeout: idleTimeout})
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		emit := func(f Frame) bool {
			select {
			case frames <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				emit(Frame{Event: EventDone})
				return
			}

			chunk, ok := decodeChunk(data, vendor, logger)
			if !ok {
				continue
			}
			if !emit(Frame{Event: EventData, Data: chunk}) {
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(Frame{Event: EventError, Err: err})
			return
		}
		// Vendors without a [DONE] sentinel (Gemini) just close.
		emit(Frame{Event: EventDone})
	})

	return frames
}

// decodeChunk parses one vendor data line into the OpenAI chunk shape.
func decodeChunk(data, vendor string, logger *zap.Logger) (map[string]any, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		logger.Debug("Skip unparseable SSE chunk", zap.Error(err))
		return nil, false
	}
	switch vendor {
	case VendorGemini:
		return geminiChunkToOpenAI(raw), true
	case VendorGeminiCLI:
		// Cloud Code Assist wraps each chunk: {response: {candidates: …}}.
		if inner, ok := raw["response"].(map[string]any); ok {
			return geminiChunkToOpenAI(inner), true
		}
		return geminiChunkToOpenAI(raw), true
	default:
		return raw, true
	}
}

// geminiChunkToOpenAI maps a streamed GenerateContentResponse onto a
// chat.completion.chunk delta.
func geminiChunkToOpenAI(resp map[string]any) map[string]any {
	text := ""
	finish := any(nil)
	if candidates, ok := resp["candidates"].([]any); ok && len(candidates) > 0 {
		if cand, ok := candidates[0].(map[string]any); ok {
			if content, ok := cand["content"].(map[string]any); ok {
				if parts, ok := content["parts"].([]any); ok {
					for _, p := range parts {
						if part, ok := p.(map[string]any); ok {
							if t, _ := part["text"].(string); t != "" {
								text += t
							}
						}
					}
				}
			}
			if fr, _ := cand["finishReason"].(string); fr != "" {
				if fr == "MAX_TOKENS" {
					finish = "length"
				} else {
					finish = "stop"
				}
			}
		}
	}
	delta := map[string]any{}
	if text != "" {
		delta["content"] = text
	}
	chunk := map[string]any{
		"object": "chat.completion.chunk",
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	if um, ok := resp["usageMetadata"].(map[string]any); ok {
		chunk["usage"] = map[string]any{
			"prompt_tokens":     um["promptTokenCount"],
			"completion_tokens": um["candidatesTokenCount"],
			"total_tokens":      um["totalTokenCount"],
		}
	}
	return chunk
}

// Synthesize turns a non-streaming chat completion into the frame
// sequence an SSE entry expects: one data chunk, then done.
func Synthesize(chat map[string]any) []Frame {
	delta := map[string]any{"role": "assistant"}
	finish := any("stop")
	if choices, ok := chat["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				if c, ok := msg["content"]; ok {
					delta["content"] = c
				}
				if tc, ok := msg["tool_calls"]; ok {
					delta["tool_calls"] = tc
				}
			}
			if fr, ok := choice["finish_reason"]; ok && fr != nil {
				finish = fr
			}
		}
	}
	chunk := map[string]any{
		"id":      chat["id"],
		"object":  "chat.completion.chunk",
		"created": chat["created"],
		"model":   chat["model"],
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	if usage, ok := chat["usage"]; ok {
		chunk["usage"] = usage
	}
	return []Frame{{Event: EventData, Data: chunk}, {Event: EventDone}}
}
