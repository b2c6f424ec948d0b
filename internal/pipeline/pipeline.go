// Package pipeline assembles and caches the per-target processing
// chain: protocol switch in, compatibility adjustments, provider
// exchange, protocol switch out. One pipeline exists per
// provider.model.key target and is reused across requests.
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/compat"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/llmswitch"
	"github.com/routecodex/routecodex/internal/provider"
	"github.com/routecodex/routecodex/internal/sse"
)

// Request is one inbound call after routing: the payload still carries
// the entry protocol's shape, EntryProtocol names it.
type Request struct {
	RequestID     string
	EntryEndpoint string
	EntryProtocol string
	Model         string // inbound model name, restored on the way out
	Payload       map[string]any
	Stream        bool
}

// Result is the pipeline output: a response body in the entry
// protocol's shape, or a normalized frame stream for SSE entries.
type Result struct {
	Data           map[string]any
	Stream         <-chan sse.Frame
	Metadata       provider.Metadata
	OutputProtocol string // the provider-side protocol the stream speaks
}

// Pipeline is the assembled chain for one target.
type Pipeline struct {
	target   config.Target
	cfg      *config.PipelineConfig
	compat   *compat.Stage
	module   provider.Module
	outProto string
	logger   *zap.Logger
}

// Target returns the provider.model.key this pipeline serves.
func (p *Pipeline) Target() config.Target { return p.target }

// Status surfaces the underlying module state.
func (p *Pipeline) Status() provider.Status { return p.module.Status() }

// CheckHealth probes the upstream.
func (p *Pipeline) CheckHealth(ctx context.Context) bool { return p.module.CheckHealth(ctx) }

// Process runs one request through the chain. Streaming responses skip
// the response-side protocol switch; the SSE emitter renders frames in
// the entry dialect instead.
func (p *Pipeline) Process(ctx context.Context, req *Request) (*Result, error) {
	body, err := llmswitch.Request(req.Payload, req.EntryProtocol, p.outProto)
	if err != nil {
		return nil, err
	}
	body = p.compat.Apply(body)

	resp, err := p.module.SendRequest(ctx, &provider.Request{
		RequestID:     req.RequestID,
		EntryEndpoint: req.EntryEndpoint,
		OrigModel:     req.Model,
		Payload:       body,
		Stream:        req.Stream,
	})
	if err != nil {
		return nil, err
	}

	if resp.Stream != nil {
		return &Result{Stream: resp.Stream, Metadata: resp.Metadata, OutputProtocol: p.outProto}, nil
	}

	// An SSE entry over a JSON-only upstream gets a synthesized
	// single-chunk stream in the hub shape.
	if req.Stream {
		chat, err := llmswitch.Response(resp.Data, p.outProto, llmswitch.ProtoOpenAIChat, req.Model)
		if err != nil {
			return nil, err
		}
		frames := make(chan sse.Frame, 4)
		for _, f := range sse.Synthesize(chat) {
			frames <- f
		}
		close(frames)
		return &Result{Stream: frames, Metadata: resp.Metadata, OutputProtocol: llmswitch.ProtoOpenAIChat}, nil
	}

	data, err := llmswitch.Response(resp.Data, p.outProto, req.EntryProtocol, req.Model)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, Metadata: resp.Metadata, OutputProtocol: p.outProto}, nil
}

// cleanup releases the module resources. Called off the request path
// when the cache evicts.
func (p *Pipeline) cleanup() {
	if err := p.module.Cleanup(); err != nil {
		p.logger.Warn("Pipeline cleanup failed",
			zap.String("target", p.target.Canonical()), zap.Error(err))
	}
}
