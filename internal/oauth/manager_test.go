package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/tokenstore"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

func gwerrorsServerError() error {
	return gwerrors.FromHTTPStatus(500, nil, "qwen")
}

func gwerrorsAuth401() error {
	return gwerrors.FromHTTPStatus(401, []byte(`{"error":{"code":"invalid_token","message":"invalid token"}}`), "qwen")
}

func testManager(t *testing.T) (*Manager, *tokenstore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store := tokenstore.NewStore(filepath.Join(dir, "auth"), "", zap.NewNop())
	m := NewManager(store, zap.NewNop())
	m.SetNotifier(func(string, ...any) {})
	m.SetBrowserOpener(func(string) {})
	return m, store, dir
}

func writeToken(t *testing.T, store *tokenstore.Store, path string, p *tokenstore.Payload) {
	t.Helper()
	if err := store.Write(path, p); err != nil {
		t.Fatalf("write token: %v", err)
	}
}

func refreshServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		atomic.AddInt32(hits, 1)
		// Give concurrent callers time to pile up on the singleflight.
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-token",
			"refresh_token": "next-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
}

func TestEnsureValidTokenRefreshesExpiring(t *testing.T) {
	m, store, _ := testManager(t)
	var hits int32
	srv := refreshServer(t, &hits)
	defer srv.Close()

	path := store.PathFor("qwen", "default")
	writeToken(t, store, path, &tokenstore.Payload{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(10 * time.Second).UnixMilli(),
	})

	override := config.OAuthConfig{TokenURL: srv.URL}
	got, err := m.EnsureValidToken(context.Background(), "qwen", path, override, Options{})
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if got.AccessToken != "fresh-token" {
		t.Errorf("access token = %q, want fresh-token", got.AccessToken)
	}
	if got.RefreshToken != "next-refresh" {
		t.Errorf("refresh token not rotated: %q", got.RefreshToken)
	}

	onDisk, _, err := store.Read(path)
	if err != nil {
		t.Fatalf("re-read token: %v", err)
	}
	if onDisk.AccessToken != "fresh-token" {
		t.Errorf("persisted token = %q, want fresh-token", onDisk.AccessToken)
	}
}

func TestEnsureValidTokenValidIsNoop(t *testing.T) {
	m, store, _ := testManager(t)
	var hits int32
	srv := refreshServer(t, &hits)
	defer srv.Close()

	path := store.PathFor("qwen", "default")
	writeToken(t, store, path, &tokenstore.Payload{
		AccessToken:  "ok",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	})

	got, err := m.EnsureValidToken(context.Background(), "qwen", path, config.OAuthConfig{TokenURL: srv.URL}, Options{})
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if got.AccessToken != "ok" {
		t.Errorf("access token = %q, want ok", got.AccessToken)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("refresh endpoint hit %d times for a valid token", hits)
	}
}

func TestEnsureValidTokenSingleFlight(t *testing.T) {
	m, store, _ := testManager(t)
	var hits int32
	srv := refreshServer(t, &hits)
	defer srv.Close()

	path := store.PathFor("qwen", "default")
	writeToken(t, store, path, &tokenstore.Payload{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(5 * time.Second).UnixMilli(),
	})
	override := config.OAuthConfig{TokenURL: srv.URL}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.EnsureValidToken(context.Background(), "qwen", path, override, Options{}); err != nil {
				t.Errorf("EnsureValidToken: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("upstream refresh requests = %d, want 1", got)
	}
}

func TestRefreshWithRetryBackoff(t *testing.T) {
	m, store, _ := testManager(t)
	m.backoffBase = time.Millisecond

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "after-retry", "expires_in": 60})
	}))
	defer srv.Close()

	path := store.PathFor("qwen", "default")
	writeToken(t, store, path, &tokenstore.Payload{AccessToken: "x", RefreshToken: "r1"})

	got, err := m.Refresh(context.Background(), "qwen", path, config.OAuthConfig{TokenURL: srv.URL})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got.AccessToken != "after-retry" {
		t.Errorf("access token = %q", got.AccessToken)
	}
	if hits != 3 {
		t.Errorf("attempts = %d, want 3", hits)
	}
}

func TestHandleUpstreamInvalidToken(t *testing.T) {
	m, store, _ := testManager(t)
	var hits int32
	srv := refreshServer(t, &hits)
	defer srv.Close()

	path := store.PathFor("qwen", "default")
	writeToken(t, store, path, &tokenstore.Payload{AccessToken: "stale", RefreshToken: "r1"})
	override := config.OAuthConfig{TokenURL: srv.URL}

	notAuth := gwerrorsServerError()
	if m.HandleUpstreamInvalidToken(context.Background(), "qwen", path, override, notAuth) {
		t.Error("recovered from a non-auth error")
	}

	authErr := gwerrorsAuth401()
	if !m.HandleUpstreamInvalidToken(context.Background(), "qwen", path, override, authErr) {
		t.Error("did not recover from a 401")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("refresh requests = %d, want 1", hits)
	}
}
