package tokenstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	root := t.TempDir()
	authDir := filepath.Join(root, "auth")
	homeDir := filepath.Join(root, "home")
	return NewStore(authDir, homeDir, zap.NewNop()), authDir, homeDir
}

func TestStore_WriteReadRoundTrip(t *testing.T) {
	s, _, _ := newTestStore(t)
	path := s.PathFor("qwen", "default")

	in := &Payload{
		AccessToken:  "at",
		RefreshToken: "rt",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		ResourceURL:  "portal.qwen.ai",
	}
	if err := s.Write(path, in); err != nil {
		t.Fatal(err)
	}

	out, mtime, err := s.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if mtime.IsZero() {
		t.Fatal("expected a real mtime")
	}
	if out.AccessToken != "at" || out.RefreshToken != "rt" || out.ResourceURL != "portal.qwen.ai" {
		t.Fatalf("round trip mismatch: %+v", out)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("token file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestStore_WriteLeavesNoTempFiles(t *testing.T) {
	s, authDir, _ := newTestStore(t)
	path := s.PathFor("glm", "default")
	if err := s.Write(path, &Payload{AccessToken: "x"}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(authDir, "glm"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "default.json" {
		t.Fatalf("unexpected dir contents: %v", entries)
	}
}

func TestStore_ReadMissing(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, _, err := s.Read(s.PathFor("glm", "nope")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}

func TestScan(t *testing.T) {
	s, _, homeDir := newTestStore(t)
	now := time.Now()

	// Managed tree: two qwen aliases plus a static one.
	for _, alias := range []string{"default", "backup", "static"} {
		if err := s.Write(s.PathFor("qwen", alias), &Payload{
			AccessToken:  "at",
			RefreshToken: "rt",
			ExpiresAt:    now.Add(time.Hour).UnixMilli(),
		}); err != nil {
			t.Fatal(err)
		}
	}
	// Legacy tree: ~/.iflow/oauth_creds.json
	legacyDir := filepath.Join(homeDir, ".iflow")
	if err := os.MkdirAll(legacyDir, 0755); err != nil {
		t.Fatal(err)
	}
	legacy := []byte(`{"access_token":"at","refresh_token":"rt","expiry_date":` +
		"1" + `}`)
	if err := os.WriteFile(filepath.Join(legacyDir, "oauth_creds.json"), legacy, 0600); err != nil {
		t.Fatal(err)
	}

	descs := s.Scan([]string{"qwen", "iflow"}, now)
	if len(descs) != 4 {
		t.Fatalf("descriptors = %d, want 4", len(descs))
	}

	byKey := map[string]Descriptor{}
	for _, d := range descs {
		byKey[d.Key()] = d
	}
	if d := byKey["qwen:default"]; d.State.Status != StatusValid || !d.HasRefresh {
		t.Fatalf("qwen:default = %+v", d)
	}
	if d := byKey["qwen:static"]; !d.IsStatic() {
		t.Fatal("static alias not detected")
	}
	if d := byKey["iflow:oauth_creds"]; d.State.Status != StatusExpired {
		t.Fatalf("legacy token state = %s, want expired", d.State.Status)
	}

	// Aliases are sequenced deterministically (sorted).
	if byKey["qwen:backup"].Sequence >= byKey["qwen:default"].Sequence {
		t.Fatalf("backup seq %d, default seq %d",
			byKey["qwen:backup"].Sequence, byKey["qwen:default"].Sequence)
	}
}

func TestScan_CorruptFileIsInvalid(t *testing.T) {
	s, authDir, _ := newTestStore(t)
	dir := filepath.Join(authDir, "glm")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0600); err != nil {
		t.Fatal(err)
	}
	descs := s.Scan([]string{"glm"}, time.Now())
	if len(descs) != 1 || descs[0].State.Status != StatusInvalid {
		t.Fatalf("descs = %+v", descs)
	}
}
