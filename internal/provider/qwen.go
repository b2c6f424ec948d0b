package provider

import (
	"context"
	"strings"

	"github.com/routecodex/routecodex/internal/auth"
)

func init() {
	Register("qwen", func(deps Deps) (Module, error) { return newQwen(deps), nil })
}

// qwenDefaultBase is the portal fallback when the token carries no
// resource_url.
const qwenDefaultBase = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// qwenAllowedKeys is the payload allow-list; anything else is dropped
// before the request goes out.
var qwenAllowedKeys = map[string]bool{
	"model": true, "messages": true, "input": true, "parameters": true,
	"tools": true, "stream": true, "response_format": true, "user": true,
	"metadata": true,
}

var qwenProfileHeaders = map[string]string{
	"Client-Metadata":   "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI",
	"X-Goog-Api-Client": "routecodex/1.0 (qwen-portal)",
}

// qwenModule speaks the Qwen portal dialect: OpenAI chat shape behind a
// device-flow OAuth token, endpoint base taken from the token's
// resource_url.
type qwenModule struct {
	*base
}

func newQwen(deps Deps) *qwenModule {
	return &qwenModule{base: newBase(deps, "qwen", qwenDefaultBase)}
}

// endpointBase resolves the upstream base: token resource_url wins over
// the configured/default base. A bare host is given scheme and /v1.
func (m *qwenModule) endpointBase(ctx context.Context) string {
	ts, ok := m.auth.(auth.TokenSource)
	if !ok {
		return m.baseURL
	}
	payload, err := ts.TokenPayload(ctx)
	if err != nil || payload.ResourceURL == "" {
		return m.baseURL
	}
	u := payload.ResourceURL
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	u = strings.TrimRight(u, "/")
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u
}

func (m *qwenModule) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	wantSSE := req.Stream
	body := m.preprocess(req, "", wantSSE)
	for k := range body {
		if !qwenAllowedKeys[k] {
			delete(body, k)
		}
	}
	if wantSSE {
		body["stream"] = true
	}
	url := m.endpointBase(ctx) + "/chat/completions"
	return m.exchange(ctx, req, url, body, qwenProfileHeaders, wantSSE)
}
