package config

import (
	"strings"
	"testing"
)

func testConfig() *Config {
	return &Config{
		VirtualRouter: VirtualRouterConfig{
			LongContextThresholdTokens: 100000,
			ConfidenceThreshold:        0.7,
			Protocols: []ProtocolConfig{
				{Name: "openai-chat", Endpoints: []string{"/v1/chat/completions"}, MessageField: "messages", ModelField: "model", ToolsField: "tools", MaxTokensField: "max_tokens"},
			},
			Routes: []RouteConfig{
				{Name: "default", Targets: []TargetConfig{{Provider: "glm", Model: "glm-4.6", Key: "k1"}}},
			},
		},
		Providers: []ProviderConfig{
			{
				ID:      "glm",
				Type:    "glm",
				BaseURL: "https://open.bigmodel.cn/api/paas/v4",
				Keys:    []KeyConfig{{ID: "k1", Auth: "apikey", Value: "sk-test"}},
				Models:  []ModelConfig{{ID: "glm-4.6", MaxTokens: 8192}},
			},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.VirtualRouter.Routes[0].Targets[0].Provider = "nope"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}

func TestValidate_UnknownKey(t *testing.T) {
	cfg := testConfig()
	cfg.VirtualRouter.Routes[0].Targets[0].Key = "k9"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidate_MissingAPIKeyValue(t *testing.T) {
	cfg := testConfig()
	cfg.Providers[0].Keys[0].Value = "  "
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "requires a value") {
		t.Fatalf("expected credential error, got %v", err)
	}
}

func TestValidate_DuplicateTarget(t *testing.T) {
	cfg := testConfig()
	cfg.VirtualRouter.Routes[0].Targets = append(cfg.VirtualRouter.Routes[0].Targets,
		TargetConfig{Provider: "glm", Model: "glm-4.6", Key: "k1"})
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "repeats target") {
		t.Fatalf("expected duplicate target error, got %v", err)
	}
}

func TestValidate_NoRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.VirtualRouter.Routes = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty routes")
	}
}

func TestTarget_Canonical(t *testing.T) {
	tgt := Target{Provider: "glm", Model: "glm-4.6", KeyID: "k1"}
	if tgt.Canonical() != "glm.glm-4.6.k1" {
		t.Fatalf("canonical = %s", tgt.Canonical())
	}
	if tgt.Group() != "glm.glm-4.6" {
		t.Fatalf("group = %s", tgt.Group())
	}
}

func TestPipelineFor(t *testing.T) {
	cfg := testConfig()
	pc, err := cfg.PipelineFor(Target{Provider: "glm", Model: "glm-4.6", KeyID: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if pc.Provider.ID != "glm" || pc.Key.ID != "k1" || pc.Model.MaxTokens != 8192 {
		t.Fatalf("unexpected pipeline config: %+v", pc)
	}
	if pc.OutputProtocol() != "openai" {
		t.Fatalf("output protocol = %s", pc.OutputProtocol())
	}
}

func TestDefaultProtocolFor(t *testing.T) {
	cases := map[string]string{
		"glm":       "openai",
		"qwen":      "openai",
		"openai":    "openai",
		"gemini":    "gemini",
		"geminicli": "gemini",
		"anthropic": "anthropic",
	}
	for typ, want := range cases {
		if got := DefaultProtocolFor(typ); got != want {
			t.Fatalf("%s: got %s, want %s", typ, got, want)
		}
	}
}

func TestPools_Order(t *testing.T) {
	cfg := testConfig()
	cfg.VirtualRouter.Routes = append(cfg.VirtualRouter.Routes, RouteConfig{
		Name: "longContext",
		Targets: []TargetConfig{
			{Provider: "glm", Model: "glm-4.6", Key: "k1"},
		},
	})
	pools := cfg.Pools()
	if len(pools) != 2 {
		t.Fatalf("pools = %d", len(pools))
	}
	names := cfg.RouteNames()
	if names[0] != "default" || names[1] != "longContext" {
		t.Fatalf("route order = %v", names)
	}
}
