package balance

import (
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/config"
)

func target(p, m, k string) config.Target {
	return config.Target{Provider: p, Model: m, KeyID: k}
}

func TestPick_TwoLayerRoundRobin(t *testing.T) {
	pools := map[string][]config.Target{
		"default": {
			target("a", "model-a", "k1"),
			target("a", "model-a", "k2"),
			target("b", "model-b", "k3"),
		},
	}
	b := New(pools, []string{"default"}, zap.NewNop())

	want := []string{
		"a.model-a.k1",
		"b.model-b.k3",
		"a.model-a.k2",
		"b.model-b.k3",
		"a.model-a.k1",
	}
	for i, w := range want {
		got, ok := b.Pick("default", "")
		if !ok {
			t.Fatalf("request %d: no target", i)
		}
		if got.Canonical() != w {
			t.Fatalf("request %d: got %s, want %s", i, got.Canonical(), w)
		}
	}
}

func TestPick_DirectModelShortcut(t *testing.T) {
	pools := map[string][]config.Target{
		"longContext": {
			target("qwen", "qwen-max", "k1"),
			target("glm", "glm-4.6", "k2"),
		},
	}
	b := New(pools, []string{"longContext"}, zap.NewNop())

	got, ok := b.Pick("longContext", "glm-4.6")
	if !ok {
		t.Fatal("no target")
	}
	if got.Canonical() != "glm.glm-4.6.k2" {
		t.Fatalf("got %s, want glm.glm-4.6.k2", got.Canonical())
	}

	// poolIdx advanced past the glm group, so the next plain pick wraps
	// to the qwen group.
	got, _ = b.Pick("longContext", "")
	if got.Provider != "qwen" {
		t.Fatalf("after shortcut, got %s, want qwen group", got.Canonical())
	}
}

func TestPick_DirectMatchRotatesKeys(t *testing.T) {
	pools := map[string][]config.Target{
		"default": {
			target("glm", "glm-4.6", "k1"),
			target("glm", "glm-4.6", "k2"),
		},
	}
	b := New(pools, []string{"default"}, zap.NewNop())

	first, _ := b.Pick("default", "glm-4.6")
	second, _ := b.Pick("default", "glm-4.6")
	third, _ := b.Pick("default", "glm-4.6")
	if first.KeyID != "k1" || second.KeyID != "k2" || third.KeyID != "k1" {
		t.Fatalf("key sequence = %s, %s, %s", first.KeyID, second.KeyID, third.KeyID)
	}
}

func TestPick_Singleton(t *testing.T) {
	pools := map[string][]config.Target{
		"default": {target("glm", "glm-4.6", "k1")},
	}
	b := New(pools, []string{"default"}, zap.NewNop())
	for i := 0; i < 3; i++ {
		got, ok := b.Pick("default", "")
		if !ok || got.Canonical() != "glm.glm-4.6.k1" {
			t.Fatalf("pick %d: %v %v", i, got, ok)
		}
	}
}

func TestPick_FallbackToFirstConfiguredRoute(t *testing.T) {
	pools := map[string][]config.Target{
		"default": {target("glm", "glm-4.6", "k1")},
	}
	b := New(pools, []string{"default"}, zap.NewNop())
	got, ok := b.Pick("vision", "")
	if !ok {
		t.Fatal("expected fallback to default pool")
	}
	if got.Provider != "glm" {
		t.Fatalf("got %s", got.Canonical())
	}
}

func TestPick_EmptyTable(t *testing.T) {
	b := New(map[string][]config.Target{}, nil, zap.NewNop())
	if _, ok := b.Pick("default", ""); ok {
		t.Fatal("expected no target")
	}
}

func TestReset(t *testing.T) {
	pools := map[string][]config.Target{
		"default": {
			target("a", "model-a", "k1"),
			target("a", "model-a", "k2"),
		},
	}
	b := New(pools, []string{"default"}, zap.NewNop())

	first, _ := b.Pick("default", "")
	if first.KeyID != "k1" {
		t.Fatalf("first pick = %s", first.KeyID)
	}
	b.Reset("default")
	again, _ := b.Pick("default", "")
	if again.KeyID != "k1" {
		t.Fatalf("after reset, pick = %s, want k1", again.KeyID)
	}
}

func TestPick_Concurrent(t *testing.T) {
	pools := map[string][]config.Target{
		"default": {
			target("a", "model-a", "k1"),
			target("a", "model-a", "k2"),
			target("b", "model-b", "k3"),
		},
	}
	b := New(pools, []string{"default"}, zap.NewNop())

	var wg sync.WaitGroup
	counts := make([]int, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, ok := b.Pick("default", ""); ok {
				counts[n] = 1
			}
		}(i)
	}
	wg.Wait()
	for i, c := range counts {
		if c != 1 {
			t.Fatalf("goroutine %d got no target", i)
		}
	}
}
