package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/oauth"
	"github.com/routecodex/routecodex/internal/tokenstore"
)

func writeLease(t *testing.T, dir string, lease leaseFile) {
	t.Helper()
	data, _ := json.Marshal(lease)
	if err := os.WriteFile(filepath.Join(dir, "leader.json"), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLeaderAcquiresFreeLease(t *testing.T) {
	l := newLeader(t.TempDir(), "owner-a", zap.NewNop())
	ok, err := l.tryAcquire(time.Now())
	if err != nil || !ok {
		t.Fatalf("tryAcquire = %v, %v", ok, err)
	}
	// Re-acquiring our own lease is idempotent.
	ok, err = l.tryAcquire(time.Now())
	if err != nil || !ok {
		t.Fatalf("re-acquire = %v, %v", ok, err)
	}
}

func TestLeaderRespectsLiveHolder(t *testing.T) {
	dir := t.TempDir()
	writeLease(t, dir, leaseFile{OwnerID: "other", PID: os.Getpid(), StartedAt: time.Now().UnixMilli()})

	l := newLeader(dir, "owner-b", zap.NewNop())
	ok, err := l.tryAcquire(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("acquired a lease held by a live process")
	}
}

func TestLeaderTakesOverDeadHolder(t *testing.T) {
	dir := t.TempDir()
	// PID beyond pid_max cannot be a live process.
	writeLease(t, dir, leaseFile{OwnerID: "other", PID: 1 << 30, StartedAt: time.Now().UnixMilli()})

	l := newLeader(dir, "owner-b", zap.NewNop())
	ok, err := l.tryAcquire(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("did not take over a dead holder's lease")
	}
}

func testDaemon(t *testing.T, tokenURL string) (*Daemon, *tokenstore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store := tokenstore.NewStore(filepath.Join(dir, "auth"), "", zap.NewNop())
	cfg := &config.Config{
		Providers: []config.ProviderConfig{{
			ID:    "qwen",
			Type:  "qwen",
			Keys:  []config.KeyConfig{{ID: "k1", Auth: "oauth", Alias: "default"}},
			OAuth: config.OAuthConfig{TokenURL: tokenURL},
		}},
		Daemon: config.DaemonConfig{TickInterval: time.Second, MaxWorkers: 2, RefreshPerSec: 100},
	}
	mgr := oauth.NewManager(store, zap.NewNop())
	d, err := New(cfg, store, mgr, filepath.Join(dir, "statics"), filepath.Join(dir, "leader"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	path := store.PathFor("qwen", "default")
	if err := store.Write(path, &tokenstore.Payload{
		AccessToken:  "old",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
	return d, store, path
}

func TestRunOnceRefreshesExpiredToken(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "expires_in": 3600})
	}))
	defer srv.Close()

	d, store, path := testDaemon(t, srv.URL)
	d.RunOnce(context.Background())

	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("token endpoint hits = %d, want 1", hits)
	}
	payload, _, err := store.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if payload.AccessToken != "fresh" {
		t.Errorf("access token = %q, want refreshed", payload.AccessToken)
	}
	entry, ok := d.History().Get("qwen:default")
	if !ok || entry.RefreshSuccesses != 1 || entry.LastMode != tokenstore.ModeAuto {
		t.Errorf("journal entry = %+v", entry)
	}
}

func TestRunOnceSuspendsOnInvalidGrant(t *testing.T) {
	var hits int32
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if healthy.Load() {
			json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "expires_in": 3600})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant", "error_description": "revoked"})
	}))
	defer srv.Close()

	d, store, path := testDaemon(t, srv.URL)

	d.RunOnce(context.Background())
	if !d.History().IsSuspended("qwen:default") {
		t.Fatal("invalid_grant did not suspend the token")
	}

	// Suspended tokens are not retried.
	before := atomic.LoadInt32(&hits)
	d.RunOnce(context.Background())
	if atomic.LoadInt32(&hits) != before {
		t.Error("suspended token was refreshed again")
	}

	// Re-authorizing out of band (mtime advances) lifts the suspension.
	healthy.Store(true)
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	d.RunOnce(context.Background())
	if d.History().IsSuspended("qwen:default") {
		t.Error("suspension survived an on-disk re-authorization")
	}
	payload, _, err := store.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if payload.AccessToken != "fresh" {
		t.Errorf("access token = %q, want refreshed after clearance", payload.AccessToken)
	}
}

func TestRefreshManualSkipsStatic(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	d, store, _ := testDaemon(t, srv.URL)
	staticPath := store.PathFor("qwen", "static")
	if err := store.Write(staticPath, &tokenstore.Payload{AccessToken: "s"}); err != nil {
		t.Fatal(err)
	}

	desc := tokenstore.Descriptor{Provider: "qwen", Alias: "static", FilePath: staticPath}
	if err := d.RefreshManual(context.Background(), desc); err != nil {
		t.Fatalf("RefreshManual: %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Error("static token reached the token endpoint")
	}
}
