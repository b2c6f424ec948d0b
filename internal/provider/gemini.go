package provider

import (
	"context"
	"strings"

	"github.com/routecodex/routecodex/internal/auth"
)

func init() {
	Register("gemini", func(deps Deps) (Module, error) { return newGemini(deps), nil })
}

// geminiModule targets the Generative Language API. The payload is the
// Gemini contents shape produced by the protocol switch; the model
// travels in the URL, credentials in x-goog-api-key.
type geminiModule struct {
	*base
}

func newGemini(deps Deps) *geminiModule {
	deps.Auth = &googHeaderAuth{inner: deps.Auth}
	m := &geminiModule{base: newBase(deps, "gemini", "https://generativelanguage.googleapis.com")}
	m.healthPath = "/v1beta/models"
	return m
}

func (m *geminiModule) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	wantSSE := req.Stream
	body := m.preprocess(req, "", wantSSE)
	delete(body, "model") // model is addressed in the URL

	action := ":generateContent"
	if wantSSE {
		action = ":streamGenerateContent?alt=sse"
	}
	url := m.baseURL + "/v1beta/models/" + m.cfg.Model.ID + action
	resp, err := m.exchange(ctx, req, url, body, nil, wantSSE)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// googHeaderAuth rewrites a bearer credential into the x-goog-api-key
// header the Generative Language API expects.
type googHeaderAuth struct {
	inner auth.Provider
}

func (g *googHeaderAuth) Headers(ctx context.Context) (map[string]string, error) {
	headers, err := g.inner.Headers(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if k == "Authorization" {
			out["x-goog-api-key"] = strings.TrimPrefix(v, "Bearer ")
			continue
		}
		out[k] = v
	}
	return out, nil
}

func (g *googHeaderAuth) Signature() string { return g.inner.Signature() }
func (g *googHeaderAuth) Invalidate()       { g.inner.Invalidate() }
