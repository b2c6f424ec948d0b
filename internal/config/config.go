package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	VirtualRouter VirtualRouterConfig `mapstructure:"virtualrouter"`
	Providers     []ProviderConfig    `mapstructure:"providers"`
	Daemon        DaemonConfig        `mapstructure:"daemon"`
}

// ServerConfig 入口服务配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, production
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// VirtualRouterConfig 虚拟路由配置（分类器 + 路由池）
type VirtualRouterConfig struct {
	LongContextThresholdTokens int              `mapstructure:"long_context_threshold_tokens"`
	ConfidenceThreshold        float64          `mapstructure:"confidence_threshold"`
	ThinkingKeywords           []string         `mapstructure:"thinking_keywords"`
	Tokenizer                  string           `mapstructure:"tokenizer"` // tiktoken, estimate
	ModelTiers                 ModelTiersConfig `mapstructure:"model_tiers"`
	Protocols                  []ProtocolConfig `mapstructure:"protocols"`
	Routes                     []RouteConfig    `mapstructure:"routes"`
}

// ModelTiersConfig 模型分档
type ModelTiersConfig struct {
	Basic    TierConfig `mapstructure:"basic"`
	Advanced TierConfig `mapstructure:"advanced"`
}

// TierConfig 单个档位
type TierConfig struct {
	Models            []string `mapstructure:"models"`
	MaxTokens         int      `mapstructure:"max_tokens"`
	SupportedFeatures []string `mapstructure:"supported_features"`
}

// ProtocolConfig 入口协议的字段映射
type ProtocolConfig struct {
	Name           string   `mapstructure:"name"`
	Endpoints      []string `mapstructure:"endpoints"`
	MessageField   string   `mapstructure:"message_field"`
	ModelField     string   `mapstructure:"model_field"`
	ToolsField     string   `mapstructure:"tools_field"`
	MaxTokensField string   `mapstructure:"max_tokens_field"`
}

// RouteConfig 路由池：route 名 -> 有序目标序列
type RouteConfig struct {
	Name    string         `mapstructure:"name"`
	Targets []TargetConfig `mapstructure:"targets"`
}

// TargetConfig 池内目标（provider/model/key 三元组的配置形式）
type TargetConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	Key      string `mapstructure:"key"`
}

// ProviderConfig 上游提供方配置
type ProviderConfig struct {
	ID            string            `mapstructure:"id"`
	Type          string            `mapstructure:"type"`     // openai, glm, qwen, gemini, geminicli
	Protocol      string            `mapstructure:"protocol"` // 上游线协议: openai, gemini, anthropic
	BaseURL       string            `mapstructure:"base_url"`
	TimeoutMs     int               `mapstructure:"timeout_ms"`
	MaxRetries    int               `mapstructure:"max_retries"`
	Headers       map[string]string `mapstructure:"headers"`
	Keys          []KeyConfig       `mapstructure:"keys"`
	Models        []ModelConfig     `mapstructure:"models"`
	Compatibility CompatConfig      `mapstructure:"compatibility"`
	OAuth         OAuthConfig       `mapstructure:"oauth"`
	Extensions    map[string]any    `mapstructure:"extensions"` // 未知字段透传
}

// KeyConfig 单个凭据
type KeyConfig struct {
	ID    string `mapstructure:"id"`
	Auth  string `mapstructure:"auth"`  // apikey, oauth, tokenfile
	Value string `mapstructure:"value"` // apikey 明文或 ${ENV} 引用
	Alias string `mapstructure:"alias"` // token 别名: ~/.routecodex/auth/<provider>/<alias>.json
	File  string `mapstructure:"file"`  // 显式 token 文件路径
}

// ModelConfig 模型级配置
type ModelConfig struct {
	ID        string `mapstructure:"id"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// CompatConfig 兼容层配置
type CompatConfig struct {
	Profile         string `mapstructure:"profile"`
	ShapeFilterFile string `mapstructure:"shape_filter_file"`
}

// OAuthConfig 提供方 OAuth 端点覆盖（空字段用内置 profile）
type OAuthConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	DeviceURL    string   `mapstructure:"device_url"`
	TokenURL     string   `mapstructure:"token_url"`
	AuthURL      string   `mapstructure:"auth_url"`
	Scopes       []string `mapstructure:"scopes"`
}

// DaemonConfig 刷新守护进程配置
type DaemonConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	RefreshPerSec float64       `mapstructure:"refresh_per_sec"`
}

// Load 加载配置
//
// 优先级 (低 → 高): 默认值 → 全局 ~/.routecodex/config.yaml → 项目本地 → 环境变量
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: 全局配置 ~/.routecodex/config.yaml
	v.AddConfigPath(HomeDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	// Layer 2: 项目本地配置，只取第一个找到的
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	// 环境变量覆盖
	v.SetEnvPrefix("ROUTECODEX")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// apikey 支持 ${ENV} 引用
	for pi := range cfg.Providers {
		for ki := range cfg.Providers[pi].Keys {
			cfg.Providers[pi].Keys[ki].Value = os.ExpandEnv(cfg.Providers[pi].Keys[ki].Value)
		}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server 默认值
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5506)
	v.SetDefault("server.mode", "local")

	// Log 默认值
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	// 分类器默认值
	v.SetDefault("virtualrouter.long_context_threshold_tokens", 100000)
	v.SetDefault("virtualrouter.confidence_threshold", 0.7)
	v.SetDefault("virtualrouter.tokenizer", "tiktoken")
	v.SetDefault("virtualrouter.thinking_keywords", []string{
		"深入思考", "仔细思考", "think harder", "think deeply", "think step by step",
	})
	v.SetDefault("virtualrouter.model_tiers.basic.max_tokens", 8192)
	v.SetDefault("virtualrouter.model_tiers.advanced.max_tokens", 32768)
	v.SetDefault("virtualrouter.protocols", defaultProtocols())

	// Daemon 默认值
	v.SetDefault("daemon.tick_interval", "60s")
	v.SetDefault("daemon.max_workers", 4)
	v.SetDefault("daemon.refresh_per_sec", 2.0)
}

// defaultProtocols 内置四个入口协议的字段映射
func defaultProtocols() []map[string]any {
	return []map[string]any{
		{
			"name":             "openai-chat",
			"endpoints":        []string{"/v1/chat/completions"},
			"message_field":    "messages",
			"model_field":      "model",
			"tools_field":      "tools",
			"max_tokens_field": "max_tokens",
		},
		{
			"name":             "openai-responses",
			"endpoints":        []string{"/v1/responses"},
			"message_field":    "input",
			"model_field":      "model",
			"tools_field":      "tools",
			"max_tokens_field": "max_output_tokens",
		},
		{
			"name":             "anthropic-messages",
			"endpoints":        []string{"/v1/messages"},
			"message_field":    "messages",
			"model_field":      "model",
			"tools_field":      "tools",
			"max_tokens_field": "max_tokens",
		},
		{
			"name":             "gemini",
			"endpoints":        []string{":generateContent", ":streamGenerateContent"},
			"message_field":    "contents",
			"model_field":      "model",
			"tools_field":      "tools",
			"max_tokens_field": "maxOutputTokens",
		},
	}
}
