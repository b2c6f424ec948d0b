package sse

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

func collect(t *testing.T, frames <-chan Frame) []Frame {
	t.Helper()
	var out []Frame
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-deadline:
			t.Fatal("timed out draining frames")
		}
	}
}

func TestNormalizeOpenAIStream(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hel"}}]}`,
		``,
		`data: {"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")
	frames := collect(t, Normalize(context.Background(), io.NopCloser(strings.NewReader(stream)), VendorOpenAI, zap.NewNop()))

	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	if frames[0].Event != EventData || deltaText(frames[0].Data) != "hel" {
		t.Errorf("first frame = %+v", frames[0])
	}
	if frames[2].Event != EventDone {
		t.Errorf("terminal frame = %+v", frames[2])
	}
}

func TestNormalizeGeminiCLIEnvelope(t *testing.T) {
	stream := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"partial"}]},"finishReason":"STOP"}]}}` + "\n\n"
	frames := collect(t, Normalize(context.Background(), io.NopCloser(strings.NewReader(stream)), VendorGeminiCLI, zap.NewNop()))

	if len(frames) != 2 {
		t.Fatalf("frames = %d, want data+done", len(frames))
	}
	if got := deltaText(frames[0].Data); got != "partial" {
		t.Errorf("delta text = %q", got)
	}
	if frames[1].Event != EventDone {
		t.Errorf("missing done frame: %+v", frames[1])
	}
}

func TestNormalizeSkipsGarbageLines(t *testing.T) {
	stream := "retry: 100\n\ndata: not-json\n\ndata: [DONE]\n\n"
	frames := collect(t, Normalize(context.Background(), io.NopCloser(strings.NewReader(stream)), VendorOpenAI, zap.NewNop()))
	if len(frames) != 1 || frames[0].Event != EventDone {
		t.Fatalf("frames = %+v, want just done", frames)
	}
}

type blockingBody struct {
	closed chan struct{}
}

func (b *blockingBody) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.EOF
}

func (b *blockingBody) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func TestNormalizeCancellationClosesBody(t *testing.T) {
	body := &blockingBody{closed: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	frames := Normalize(ctx, body, VendorOpenAI, zap.NewNop())

	cancel()
	select {
	case <-body.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("body not closed after cancellation")
	}
	collect(t, frames)
}

func TestSynthesizeFromResponse(t *testing.T) {
	chat := map[string]any{
		"id":    "chatcmpl-1",
		"model": "glm-4.6",
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": "hi"},
		}},
		"usage": map[string]any{"total_tokens": 3},
	}
	frames := Synthesize(chat)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if deltaText(frames[0].Data) != "hi" {
		t.Errorf("delta = %+v", frames[0].Data)
	}
	if frames[1].Event != EventDone {
		t.Errorf("terminal = %+v", frames[1])
	}
}

func TestEmitOpenAIChatDialect(t *testing.T) {
	var sb strings.Builder
	em := NewEmitter(&sb, nil, "glm-4.6")
	frames := make(chan Frame, 2)
	frames <- Frame{Event: EventData, Data: map[string]any{
		"object":  "chat.completion.chunk",
		"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": "x"}}},
	}}
	frames <- Frame{Event: EventDone}
	close(frames)

	if err := em.Emit("openai-chat", frames); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	out := sb.String()
	if !strings.Contains(out, `"model":"glm-4.6"`) {
		t.Errorf("inbound model not restored: %s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("missing DONE sentinel: %q", out)
	}
}

func TestEmitAnthropicDialect(t *testing.T) {
	var sb strings.Builder
	em := NewEmitter(&sb, nil, "claude-x")
	frames := make(chan Frame, 2)
	frames <- Frame{Event: EventData, Data: map[string]any{
		"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": "hi"}}},
	}}
	frames <- Frame{Event: EventDone}
	close(frames)

	if err := em.Emit("anthropic-messages", frames); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	out := sb.String()
	for _, event := range []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"} {
		if !strings.Contains(out, "event: "+event) {
			t.Errorf("missing %s event:\n%s", event, out)
		}
	}
}

func TestEmitTerminalErrorFrame(t *testing.T) {
	var sb strings.Builder
	em := NewEmitter(&sb, nil, "glm-4.6")
	frames := make(chan Frame, 1)
	frames <- Frame{Event: EventError, Err: gwerrors.FromHTTPStatus(502, nil, "glm")}
	close(frames)

	if err := em.Emit("openai-chat", frames); err == nil {
		t.Fatal("Emit must propagate the stream error")
	}
	if !strings.Contains(sb.String(), "event: error") {
		t.Errorf("missing terminal error frame: %q", sb.String())
	}
}
