package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name
const AppName = "routecodex"

// HomeDir returns the gateway's configuration home: ~/.routecodex
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// AuthDir returns the managed token directory: ~/.routecodex/auth
func AuthDir() string { return filepath.Join(HomeDir(), "auth") }

// StaticsDir returns the daemon journal directory: ~/.routecodex/statics
func StaticsDir() string { return filepath.Join(HomeDir(), "statics") }

// LeaderDir returns the daemon lease directory: ~/.routecodex/state/token-manager
func LeaderDir() string { return filepath.Join(HomeDir(), "state", "token-manager") }

// SamplesDir returns the snapshot directory: ~/.routecodex/codex-samples
func SamplesDir() string { return filepath.Join(HomeDir(), "codex-samples") }

// Bootstrap ensures the ~/.routecodex directory exists with all default content.
// Called once at startup. Safe to call multiple times, only creates missing items.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	dirs := []string{
		root,
		AuthDir(),
		StaticsDir(),
		LeaderDir(),
		SamplesDir(),
		filepath.Join(root, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	// 默认文件只在不存在时写入，绝不覆盖用户修改
	configPath := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, []byte(defaultConfig), 0644); err != nil {
			logger.Warn("Failed to write default config", zap.String("path", configPath), zap.Error(err))
		} else {
			logger.Info("RouteCodex bootstrap complete", zap.String("home", root))
			return nil
		}
	}

	logger.Debug("RouteCodex home directory OK", zap.String("home", root))
	return nil
}

// defaultConfig 首次启动写入的示例配置
const defaultConfig = `# RouteCodex gateway configuration
# Global file: ~/.routecodex/config.yaml, overridden by ./config/config.yaml or ./config.yaml

server:
  host: 127.0.0.1
  port: 5506
  mode: local          # local | production

log:
  level: info
  format: json         # json | console
  output: stdout

virtualrouter:
  long_context_threshold_tokens: 100000
  thinking_keywords: ["深入思考", "仔细思考", "think harder", "think deeply"]
  model_tiers:
    basic:
      models: ["glm-4.5", "qwen-turbo", "gpt-4o-mini"]
      max_tokens: 8192
    advanced:
      models: ["glm-4.6", "qwen-max", "gpt-4o", "gemini-2.5-pro"]
      max_tokens: 32768
  routes:
    - name: default
      targets:
        - { provider: glm, model: glm-4.6, key: k1 }
    # - name: longContext
    #   targets:
    #     - { provider: qwen, model: qwen-max, key: k1 }
    # - name: thinking
    #   targets:
    #     - { provider: glm, model: glm-4.6, key: k1 }

providers:
  - id: glm
    type: glm
    base_url: https://open.bigmodel.cn/api/paas/v4
    keys:
      - { id: k1, auth: apikey, value: "${GLM_API_KEY}" }
    models:
      - { id: glm-4.6, max_tokens: 8192 }
  # - id: qwen
  #   type: qwen
  #   keys:
  #     - { id: k1, auth: oauth, alias: default }
  #   models:
  #     - { id: qwen-max, max_tokens: 32768 }

daemon:
  tick_interval: 60s
  max_workers: 4
`
