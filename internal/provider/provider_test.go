package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/auth"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/oauth"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/tokenstore"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

func testDeps(t *testing.T, pc *config.PipelineConfig) Deps {
	t.Helper()
	ap, err := auth.New(pc, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	return Deps{
		Pipeline:  pc,
		Auth:      ap,
		Snapshots: snapshot.New(t.TempDir(), zap.NewNop()),
		Logger:    zap.NewNop(),
	}
}

func apikeyPipeline(providerType, baseURL, model string) *config.PipelineConfig {
	return &config.PipelineConfig{
		Target: config.Target{Provider: providerType, Model: model, KeyID: "k1"},
		Provider: &config.ProviderConfig{
			ID:      providerType,
			Type:    providerType,
			BaseURL: baseURL,
		},
		Key:   config.KeyConfig{ID: "k1", Auth: "apikey", Value: "sk-test"},
		Model: config.ModelConfig{ID: model, MaxTokens: 4096},
	}
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode upstream body: %v", err)
	}
	return body
}

func okCompletion(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"model":   "upstream-model",
		"choices": []any{map[string]any{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": "ok"}}},
		"usage":   map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
	})
}

func TestOpenAIPreprocess(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		got = decodeBody(t, r)
		okCompletion(w)
	}))
	defer srv.Close()

	m, err := New(testDeps(t, apikeyPipeline("openai", srv.URL, "gpt-4o")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := m.SendRequest(context.Background(), &Request{
		RequestID:     "r1",
		EntryEndpoint: "/v1/chat/completions",
		OrigModel:     "my-alias",
		Payload: map[string]any{
			"model":    "my-alias",
			"stream":   true,
			"metadata": map[string]any{"entryEndpoint": "/v1/chat/completions"},
			"messages": []any{map[string]any{"role": "user", "content": "hi"}},
		},
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	if got["model"] != "gpt-4o" {
		t.Errorf("wire model = %v, want configured gpt-4o", got["model"])
	}
	if _, ok := got["stream"]; ok {
		t.Error("stream flag not dropped for non-streaming upstream")
	}
	if _, ok := got["metadata"]; ok {
		t.Error("metadata envelope not stripped")
	}
	if got["max_tokens"] != float64(4096) {
		t.Errorf("max_tokens = %v, want config override 4096", got["max_tokens"])
	}
	if resp.Metadata.Model != "my-alias" {
		t.Errorf("metadata model = %q, want inbound my-alias", resp.Metadata.Model)
	}
	if resp.Metadata.Usage == nil {
		t.Error("usage not lifted into metadata")
	}
}

func TestRetryOn5xx(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		okCompletion(w)
	}))
	defer srv.Close()

	m, _ := New(testDeps(t, apikeyPipeline("openai", srv.URL, "gpt-4o")))
	if _, err := m.SendRequest(context.Background(), &Request{RequestID: "r1", Payload: map[string]any{}}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if hits != 2 {
		t.Errorf("upstream hits = %d, want 2", hits)
	}
}

func TestNoRetryOn4xx(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad params","code":"1210"}}`))
	}))
	defer srv.Close()

	m, _ := New(testDeps(t, apikeyPipeline("glm", srv.URL, "glm-4.6")))
	_, err := m.SendRequest(context.Background(), &Request{RequestID: "r1", Payload: map[string]any{}})
	if err == nil {
		t.Fatal("expected error")
	}
	if hits != 1 {
		t.Errorf("upstream hits = %d, want 1 (4xx is terminal)", hits)
	}
	perr, ok := err.(*gwerrors.AppError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if perr.StatusCode != 400 || perr.Retryable {
		t.Errorf("error shape = %+v", perr)
	}
	if perr.Details.Report == nil || perr.Details.Report.BusinessCode != "1210" {
		t.Errorf("GLM business report missing: %+v", perr.Details)
	}
}

func TestGLMMessageNormalization(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = decodeBody(t, r)
		okCompletion(w)
	}))
	defer srv.Close()

	m, _ := New(testDeps(t, apikeyPipeline("glm", srv.URL, "glm-4.6")))
	_, err := m.SendRequest(context.Background(), &Request{
		RequestID: "r1",
		Payload: map[string]any{
			"messages": []any{
				map[string]any{"role": "user", "content": []any{
					map[string]any{"type": "text", "text": "first"},
					map[string]any{"type": "text", "text": "second"},
				}},
				map[string]any{"role": "tool", "tool_call_id": "c1", "content": "result"},
				map[string]any{"role": "assistant", "tool_calls": []any{
					map[string]any{"id": "c1", "type": "function", "function": map[string]any{
						"name": "run", "arguments": `{"x":1}`,
					}},
				}},
			},
		},
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	msgs := got["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	first := msgs[0].(map[string]any)
	if first["content"] != "first\nsecond" {
		t.Errorf("parts not flattened: %v", first["content"])
	}
	toolTurn := msgs[1].(map[string]any)
	if toolTurn["role"] != "user" {
		t.Errorf("tool role = %v, want user", toolTurn["role"])
	}
	asst := msgs[2].(map[string]any)
	if asst["content"] != `[tool_call:run] {"x":1}` {
		t.Errorf("tool_calls not serialized: %v", asst["content"])
	}
}

func TestQwenPayloadAllowList(t *testing.T) {
	dir := t.TempDir()
	store := tokenstore.NewStore(filepath.Join(dir, "auth"), "", zap.NewNop())
	path := store.PathFor("qwen", "default")
	if err := store.Write(path, &tokenstore.Payload{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		got = decodeBody(t, r)
		gotHeaders = r.Header.Clone()
		okCompletion(w)
	}))
	defer srv.Close()

	// resource_url in the token steers the endpoint base.
	payload, _, _ := store.Read(path)
	payload.ResourceURL = srv.URL
	if err := store.Write(path, payload); err != nil {
		t.Fatal(err)
	}

	pc := &config.PipelineConfig{
		Target:   config.Target{Provider: "qwen", Model: "qwen-max", KeyID: "k1"},
		Provider: &config.ProviderConfig{ID: "qwen", Type: "qwen"},
		Key:      config.KeyConfig{ID: "k1", Auth: "tokenfile", Alias: "default"},
		Model:    config.ModelConfig{ID: "qwen-max"},
	}
	ap, err := auth.New(pc, store, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	m, err := New(Deps{Pipeline: pc, Auth: ap, Snapshots: snapshot.New(t.TempDir(), zap.NewNop()), Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.SendRequest(context.Background(), &Request{
		RequestID: "r1",
		Payload: map[string]any{
			"messages":    []any{map[string]any{"role": "user", "content": "hi"}},
			"temperature": 0.2,
			"max_tokens":  100,
		},
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	if _, ok := got["temperature"]; ok {
		t.Error("temperature survived the allow-list")
	}
	if _, ok := got["max_tokens"]; ok {
		t.Error("max_tokens survived the allow-list")
	}
	if got["model"] != "qwen-max" {
		t.Errorf("model = %v", got["model"])
	}
	if cm := gotHeaders.Get("Client-Metadata"); cm == "" {
		t.Error("Client-Metadata header missing")
	}
}

func TestOAuth401RetriesExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	store := tokenstore.NewStore(filepath.Join(dir, "auth"), "", zap.NewNop())
	path := store.PathFor("openai", "default")
	if err := store.Write(path, &tokenstore.Payload{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			if r.Header.Get("Authorization") != "Bearer stale" {
				t.Errorf("first call auth = %q", r.Header.Get("Authorization"))
			}
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"code":"invalid_token","message":"invalid token"}}`))
			return
		}
		if r.Header.Get("Authorization") != "Bearer fresh" {
			t.Errorf("retry auth = %q, want refreshed token", r.Header.Get("Authorization"))
		}
		okCompletion(w)
	}))
	defer upstream.Close()

	pc := &config.PipelineConfig{
		Target: config.Target{Provider: "openai", Model: "gpt-4o", KeyID: "k1"},
		Provider: &config.ProviderConfig{
			ID: "openai", Type: "openai", BaseURL: upstream.URL,
			OAuth: config.OAuthConfig{TokenURL: tokenSrv.URL},
		},
		Key:   config.KeyConfig{ID: "k1", Auth: "oauth", Alias: "default"},
		Model: config.ModelConfig{ID: "gpt-4o"},
	}
	mgr := oauth.NewManager(store, zap.NewNop())
	ap, err := auth.New(pc, store, mgr, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	m, err := New(Deps{Pipeline: pc, Auth: ap, OAuth: mgr, Snapshots: snapshot.New(t.TempDir(), zap.NewNop()), Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := m.SendRequest(context.Background(), &Request{RequestID: "r1", Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.Status != 200 {
		t.Errorf("status = %d", resp.Status)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("upstream POSTs = %d, want exactly 2", hits)
	}
}

func TestGeminiCLIEnvelope(t *testing.T) {
	dir := t.TempDir()
	store := tokenstore.NewStore(filepath.Join(dir, "auth"), "", zap.NewNop())
	path := store.PathFor("geminicli", "default")
	if err := store.Write(path, &tokenstore.Payload{
		AccessToken: "tok",
		ProjectID:   "proj-1",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		got = decodeBody(t, r)
		json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{
				"candidates": []any{map[string]any{
					"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": "hi"}}},
				}},
			},
		})
	}))
	defer srv.Close()

	pc := &config.PipelineConfig{
		Target:   config.Target{Provider: "geminicli", Model: "gemini-2.5-pro", KeyID: "k1"},
		Provider: &config.ProviderConfig{ID: "geminicli", Type: "geminicli", BaseURL: srv.URL},
		Key:      config.KeyConfig{ID: "k1", Auth: "tokenfile", Alias: "default"},
		Model:    config.ModelConfig{ID: "gemini-2.5-pro"},
	}
	ap, err := auth.New(pc, store, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	m, err := New(Deps{Pipeline: pc, Auth: ap, Snapshots: snapshot.New(t.TempDir(), zap.NewNop()), Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := m.SendRequest(context.Background(), &Request{
		RequestID: "r1",
		Payload:   map[string]any{"contents": []any{map[string]any{"role": "user", "parts": []any{map[string]any{"text": "hi"}}}}},
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	if got["project"] != "proj-1" {
		t.Errorf("project = %v", got["project"])
	}
	if got["model"] != "gemini-2.5-pro" {
		t.Errorf("model = %v", got["model"])
	}
	rid, _ := got["requestId"].(string)
	if len(rid) < 5 || rid[:4] != "req-" {
		t.Errorf("requestId = %q, want req-<uuid>", rid)
	}
	if _, ok := got["request"].(map[string]any); !ok {
		t.Error("inner request envelope missing")
	}
	if _, ok := resp.Data["candidates"]; !ok {
		t.Errorf("response not unwrapped: %v", resp.Data)
	}
}

func TestUnknownProviderType(t *testing.T) {
	pc := apikeyPipeline("openai", "http://x", "m")
	pc.Provider.Type = "nonsense"
	if _, err := New(testDeps(t, pc)); err == nil {
		t.Fatal("expected factory error")
	}
}
