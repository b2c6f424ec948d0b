package provider

import (
	"container/list"
	"context"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/routecodex/routecodex/internal/auth"
	"github.com/routecodex/routecodex/internal/sse"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

func init() {
	Register("geminicli", func(deps Deps) (Module, error) { return newGeminiCLI(deps, false), nil })
	Register("antigravity", func(deps Deps) (Module, error) { return newGeminiCLI(deps, true), nil })
}

const cloudCodeBase = "https://cloudcode-pa.googleapis.com"

// geminicliModule talks to the Cloud Code Assist backend. Requests are
// wrapped in the v1internal envelope with the token's project id;
// responses come back as {response: GeminiResponse}. Streaming goes
// through :streamGenerateContent with alt=sse.
type geminicliModule struct {
	*base
	antigravity bool
	signatures  *signatureCache
}

func newGeminiCLI(deps Deps, antigravity bool) *geminicliModule {
	vendor := "geminicli"
	if antigravity {
		vendor = "antigravity"
	}
	m := &geminicliModule{
		base:        newBase(deps, vendor, cloudCodeBase),
		antigravity: antigravity,
		signatures:  newSignatureCache(256),
	}
	m.sseVendor = sse.VendorGeminiCLI
	m.healthPath = "/v1internal:countTokens"
	return m
}

func (m *geminicliModule) requestID() string {
	if m.antigravity {
		return "agent-" + uuid.NewString()
	}
	return "req-" + uuid.NewString()
}

// profileHeaders honors ROUTECODEX_ANTIGRAVITY_HEADER_MODE: minimal
// sends nothing extra, standard adds the plugin identity, default keeps
// the CLI identity only.
func (m *geminicliModule) profileHeaders() map[string]string {
	if !m.antigravity {
		return map[string]string{"User-Agent": "google-api-nodejs-client/9.15.1"}
	}
	switch os.Getenv("ROUTECODEX_ANTIGRAVITY_HEADER_MODE") {
	case "minimal":
		return nil
	case "standard":
		return map[string]string{
			"User-Agent":        "antigravity/1.0",
			"X-Goog-Api-Client": "antigravity-agent",
		}
	default:
		return map[string]string{"User-Agent": "antigravity/1.0"}
	}
}

func (m *geminicliModule) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	ts, ok := m.auth.(auth.TokenSource)
	if !ok {
		return nil, gwerrors.NewConfigError("geminicli: requires a token-file credential")
	}
	payload, err := ts.TokenPayload(ctx)
	if err != nil {
		return nil, err
	}
	if payload.ProjectID == "" {
		return nil, gwerrors.NewAuthError("geminicli: token has no project_id; re-authorize")
	}

	wantSSE := req.Stream
	inner := m.preprocess(req, "", wantSSE)
	delete(inner, "model")
	sessionID, _ := inner["session_id"].(string)
	delete(inner, "session_id")
	if sessionID == "" {
		sessionID = "default"
	}

	envelope := map[string]any{
		"model":     m.cfg.Model.ID,
		"project":   payload.ProjectID,
		"request":   inner,
		"requestId": m.requestID(),
	}

	headers := m.profileHeaders()
	sigKey := m.cfg.Key.Alias + "/" + sessionID
	if sig, ok := m.signatures.get(sigKey); ok {
		if headers == nil {
			headers = map[string]string{}
		}
		headers["X-Antigravity-Signature"] = string(sig)
	}

	action := ":generateContent"
	if wantSSE {
		action = ":streamGenerateContent?alt=sse"
	}
	resp, err := m.exchange(ctx, req, m.baseURL+"/v1internal"+action, envelope, headers, wantSSE)
	if err != nil {
		return nil, err
	}

	if sig := resp.Headers.Get("X-Antigravity-Signature"); sig != "" {
		m.signatures.put(sigKey, []byte(sig))
	}
	// Unwrap the Cloud Code Assist envelope for non-streaming calls;
	// streamed chunks are unwrapped by the SSE normalizer.
	if resp.Data != nil {
		if innerResp, ok := resp.Data["response"].(map[string]any); ok {
			resp.Data = innerResp
		}
	}
	return resp, nil
}

// signatureCache holds opaque per-(alias, session) signature blobs with
// LRU eviction. Semantics beyond "replay the last blob" are the
// backend's business.
type signatureCache struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

type signatureEntry struct {
	key string
	sig []byte
}

func newSignatureCache(capacity int) *signatureCache {
	return &signatureCache{
		cap:   capacity,
		order: list.New(),
		items: map[string]*list.Element{},
	}
}

func (c *signatureCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*signatureEntry).sig, true
}

func (c *signatureCache) put(key string, sig []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*signatureEntry).sig = sig
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&signatureEntry{key: key, sig: sig})
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*signatureEntry).key)
	}
}
