package provider

import (
	"context"
)

func init() {
	factory := func(deps Deps) (Module, error) { return newOpenAI(deps), nil }
	// One wire shape serves the whole OpenAI-compatible family; base
	// URL and compat profile carry the vendor differences.
	Register("openai", factory)
	Register("deepseek", factory)
	Register("lmstudio", factory)
	Register("iflow", factory)
}

// openaiModule speaks the OpenAI Chat Completions wire shape.
type openaiModule struct {
	*base
}

func newOpenAI(deps Deps) *openaiModule {
	defaultBase := "https://api.openai.com/v1"
	switch deps.Pipeline.Provider.Type {
	case "deepseek":
		defaultBase = "https://api.deepseek.com/v1"
	case "lmstudio":
		defaultBase = "http://127.0.0.1:1234/v1"
	case "iflow":
		defaultBase = "https://apis.iflow.cn/v1"
	}
	return &openaiModule{base: newBase(deps, deps.Pipeline.Provider.Type, defaultBase)}
}

func (m *openaiModule) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	wantSSE := req.Stream
	body := m.preprocess(req, "max_tokens", wantSSE)
	if wantSSE {
		body["stream"] = true
	}
	return m.exchange(ctx, req, m.baseURL+"/chat/completions", body, nil, wantSSE)
}
