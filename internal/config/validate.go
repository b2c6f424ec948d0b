package config

import (
	"fmt"
	"strings"

	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// Target 运行时目标三元组，同时充当流水线缓存键
type Target struct {
	Provider string
	Model    string
	KeyID    string
}

// Canonical 规范键 "<provider>.<model>.<key>"
func (t Target) Canonical() string {
	return t.Provider + "." + t.Model + "." + t.KeyID
}

// Group 负载均衡分组键 "<provider>.<model>"
func (t Target) Group() string {
	return t.Provider + "." + t.Model
}

func (t Target) String() string { return t.Canonical() }

// PipelineConfig 单目标的组装视图
type PipelineConfig struct {
	Target   Target
	Provider *ProviderConfig
	Key      KeyConfig
	Model    ModelConfig
}

// OutputProtocol 目标上游的线协议
func (p *PipelineConfig) OutputProtocol() string {
	if p.Provider.Protocol != "" {
		return p.Provider.Protocol
	}
	return DefaultProtocolFor(p.Provider.Type)
}

// DefaultProtocolFor 按 provider 类型推断线协议
func DefaultProtocolFor(providerType string) string {
	switch providerType {
	case "gemini", "geminicli":
		return "gemini"
	case "anthropic":
		return "anthropic"
	default:
		return "openai"
	}
}

// Pools 构建 route 名 -> 有序目标序列
func (c *Config) Pools() map[string][]Target {
	pools := make(map[string][]Target, len(c.VirtualRouter.Routes))
	for _, r := range c.VirtualRouter.Routes {
		targets := make([]Target, 0, len(r.Targets))
		for _, t := range r.Targets {
			targets = append(targets, Target{Provider: t.Provider, Model: t.Model, KeyID: t.Key})
		}
		pools[r.Name] = targets
	}
	return pools
}

// RouteNames 配置顺序的 route 名列表
func (c *Config) RouteNames() []string {
	names := make([]string, 0, len(c.VirtualRouter.Routes))
	for _, r := range c.VirtualRouter.Routes {
		names = append(names, r.Name)
	}
	return names
}

// Provider 按 id 查找
func (c *Config) Provider(id string) (*ProviderConfig, bool) {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// PipelineFor 为目标组装流水线配置
func (c *Config) PipelineFor(t Target) (*PipelineConfig, error) {
	p, ok := c.Provider(t.Provider)
	if !ok {
		return nil, gwerrors.NewConfigError(fmt.Sprintf("target %s references unknown provider %q", t, t.Provider))
	}
	var key *KeyConfig
	for i := range p.Keys {
		if p.Keys[i].ID == t.KeyID {
			key = &p.Keys[i]
			break
		}
	}
	if key == nil {
		return nil, gwerrors.NewConfigError(fmt.Sprintf("target %s references unknown key %q", t, t.KeyID))
	}
	var model *ModelConfig
	for i := range p.Models {
		if p.Models[i].ID == t.Model {
			model = &p.Models[i]
			break
		}
	}
	if model == nil {
		return nil, gwerrors.NewConfigError(fmt.Sprintf("target %s references unknown model %q", t, t.Model))
	}
	return &PipelineConfig{Target: t, Provider: p, Key: *key, Model: *model}, nil
}

// Pipelines 规范键 -> 流水线配置的完整映射
func (c *Config) Pipelines() (map[string]*PipelineConfig, error) {
	out := map[string]*PipelineConfig{}
	for _, targets := range c.Pools() {
		for _, t := range targets {
			if _, done := out[t.Canonical()]; done {
				continue
			}
			pc, err := c.PipelineFor(t)
			if err != nil {
				return nil, err
			}
			out[t.Canonical()] = pc
		}
	}
	return out, nil
}

// Validate 启动时校验，路由/凭据/分类器配置非法即失败
func (c *Config) Validate() error {
	if len(c.VirtualRouter.Routes) == 0 {
		return gwerrors.NewConfigError("no routes configured")
	}
	if c.VirtualRouter.LongContextThresholdTokens <= 0 {
		return gwerrors.NewConfigError("virtualrouter.long_context_threshold_tokens must be positive")
	}
	if c.VirtualRouter.ConfidenceThreshold < 0 || c.VirtualRouter.ConfidenceThreshold > 1 {
		return gwerrors.NewConfigError("virtualrouter.confidence_threshold must be within [0,1]")
	}
	if len(c.VirtualRouter.Protocols) == 0 {
		return gwerrors.NewConfigError("virtualrouter.protocols must not be empty")
	}

	seenRoutes := map[string]bool{}
	for _, r := range c.VirtualRouter.Routes {
		if r.Name == "" {
			return gwerrors.NewConfigError("route with empty name")
		}
		if seenRoutes[r.Name] {
			return gwerrors.NewConfigError(fmt.Sprintf("duplicate route %q", r.Name))
		}
		seenRoutes[r.Name] = true
		if len(r.Targets) == 0 {
			return gwerrors.NewConfigError(fmt.Sprintf("route %q has no targets", r.Name))
		}
		seenTargets := map[string]bool{}
		for _, tc := range r.Targets {
			t := Target{Provider: tc.Provider, Model: tc.Model, KeyID: tc.Key}
			if tc.Provider == "" || tc.Model == "" || tc.Key == "" {
				return gwerrors.NewConfigError(fmt.Sprintf("route %q has incomplete target %s", r.Name, t))
			}
			if seenTargets[t.Canonical()] {
				return gwerrors.NewConfigError(fmt.Sprintf("route %q repeats target %s", r.Name, t))
			}
			seenTargets[t.Canonical()] = true
			if _, err := c.PipelineFor(t); err != nil {
				return err
			}
		}
	}

	for i := range c.Providers {
		if err := c.Providers[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProviderConfig) validate() error {
	if p.ID == "" {
		return gwerrors.NewConfigError("provider with empty id")
	}
	if p.Type == "" {
		return gwerrors.NewConfigError(fmt.Sprintf("provider %q has no type", p.ID))
	}
	if len(p.Keys) == 0 {
		return gwerrors.NewConfigError(fmt.Sprintf("provider %q has no keys", p.ID))
	}
	for _, k := range p.Keys {
		switch k.Auth {
		case "apikey":
			if strings.TrimSpace(k.Value) == "" {
				return gwerrors.NewConfigError(fmt.Sprintf("provider %q key %q: apikey auth requires a value", p.ID, k.ID))
			}
		case "oauth":
			if k.Alias == "" {
				return gwerrors.NewConfigError(fmt.Sprintf("provider %q key %q: oauth auth requires an alias", p.ID, k.ID))
			}
		case "tokenfile":
			if k.File == "" && k.Alias == "" {
				return gwerrors.NewConfigError(fmt.Sprintf("provider %q key %q: tokenfile auth requires a file or alias", p.ID, k.ID))
			}
		case "":
			return gwerrors.NewConfigError(fmt.Sprintf("provider %q key %q has no auth type", p.ID, k.ID))
		default:
			return gwerrors.NewConfigError(fmt.Sprintf("provider %q key %q: unsupported auth type %q", p.ID, k.ID, k.Auth))
		}
	}
	return nil
}
