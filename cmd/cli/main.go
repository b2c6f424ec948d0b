package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/routecodex/routecodex/internal/auth"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/daemon"
	"github.com/routecodex/routecodex/internal/logger"
	"github.com/routecodex/routecodex/internal/oauth"
	"github.com/routecodex/routecodex/internal/provider"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/tokenstore"
)

const (
	cliName    = "routecodex"
	cliVersion = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           cliName,
		Short:         "RouteCodex local LLM gateway CLI",
		Long:          "RouteCodex CLI: 多提供方 LLM 网关的状态查看、凭据管理与校验工具",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		statusCmd(),
		tokensCmd(),
		providersCmd(),
		serversCmd(),
		oauthCmd(),
		validateCmd(),
		daemonCmd(),
		dumpCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "显示版本",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s v%s\n", cliName, cliVersion)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[91m✗ %v\033[0m\n", err)
		os.Exit(1)
	}
}

// cliEnv 一次性装配 CLI 需要的基础设施
type cliEnv struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *tokenstore.Store
	oauth  *oauth.Manager
	daemon *daemon.Daemon
}

func newEnv() (*cliEnv, error) {
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	homeDir, _ := os.UserHomeDir()
	store := tokenstore.NewStore(config.AuthDir(), homeDir, log)
	mgr := oauth.NewManager(store, log)
	mgr.SetNotifier(func(format string, args ...any) {
		fmt.Printf(format+"\n", args...)
	})
	dmn, err := daemon.New(cfg, store, mgr, config.StaticsDir(), config.LeaderDir(), log)
	if err != nil {
		return nil, err
	}
	return &cliEnv{cfg: cfg, log: log, store: store, oauth: mgr, daemon: dmn}, nil
}

func (e *cliEnv) gatewayURL() string {
	host := e.cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, e.cfg.Server.Port)
}

func (e *cliEnv) providerIDs() []string {
	ids := make([]string, 0, len(e.cfg.Providers))
	for _, p := range e.cfg.Providers {
		ids = append(ids, p.ID)
	}
	return ids
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "网关健康状态与路由表",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}

			alive := probeGateway(env.gatewayURL())
			icon := "\033[92m●\033[0m running"
			if !alive {
				icon = "\033[91m●\033[0m down"
			}
			fmt.Printf("gateway  %s  %s\n\n", icon, env.gatewayURL())

			fmt.Println("routes:")
			for _, r := range env.cfg.VirtualRouter.Routes {
				targets := make([]string, 0, len(r.Targets))
				for _, t := range r.Targets {
					targets = append(targets, fmt.Sprintf("%s.%s.%s", t.Provider, t.Model, t.Key))
				}
				fmt.Printf("  %-14s %s\n", r.Name, strings.Join(targets, ", "))
			}
			return nil
		},
	}
}

func probeGateway(base string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(base + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func tokensCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tokens",
		Short: "列出受管 token 文件及其状态",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}
			descs := env.store.Scan(env.providerIDs(), time.Now())
			if len(descs) == 0 {
				fmt.Println("no token files found under", config.AuthDir())
				return nil
			}

			history := env.daemon.History()
			fmt.Printf("%-24s %-10s %-9s %-20s %s\n", "TOKEN", "STATE", "REFRESH", "EXPIRES", "NOTES")
			for _, d := range descs {
				refresh := "no"
				if d.HasRefresh {
					refresh = "yes"
				}
				expires := "-"
				if d.State.ExpiresAt > 0 {
					expires = time.UnixMilli(d.State.ExpiresAt).Format("2006-01-02 15:04:05")
				}
				notes := ""
				if d.IsStatic() {
					notes = "static"
				}
				if history.IsSuspended(d.Key()) {
					notes = strings.TrimSpace(notes + " suspended")
				}
				fmt.Printf("%-24s %-10s %-9s %-20s %s\n",
					d.DisplayName, string(d.State.Status), refresh, expires, notes)
			}
			return nil
		},
	}
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "列出配置目标并探测上游健康",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}
			pipelines, err := env.cfg.Pipelines()
			if err != nil {
				return err
			}
			snap := snapshot.New(config.SamplesDir(), env.log)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			fmt.Printf("%-32s %-12s %-10s %s\n", "TARGET", "TYPE", "PROTOCOL", "HEALTH")
			for key, pc := range pipelines {
				health := checkTargetHealth(ctx, pc, env, snap)
				fmt.Printf("%-32s %-12s %-10s %s\n", key, pc.Provider.Type, pc.OutputProtocol(), health)
			}
			return nil
		},
	}
}

func checkTargetHealth(ctx context.Context, pc *config.PipelineConfig, env *cliEnv, snap *snapshot.Writer) string {
	ap, err := auth.New(pc, env.store, env.oauth, env.log)
	if err != nil {
		return "\033[91mauth: " + err.Error() + "\033[0m"
	}
	mod, err := provider.New(provider.Deps{
		Pipeline:  pc,
		Auth:      ap,
		OAuth:     env.oauth,
		Snapshots: snap,
		Logger:    env.log,
	})
	if err != nil {
		return "\033[91m" + err.Error() + "\033[0m"
	}
	if mod.CheckHealth(ctx) {
		return "\033[92mok\033[0m"
	}
	return "\033[91munreachable\033[0m"
}

func serversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "网关与刷新守护进程的存活状态",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}

			if probeGateway(env.gatewayURL()) {
				fmt.Printf("gateway  \033[92mrunning\033[0m  %s\n", env.gatewayURL())
			} else {
				fmt.Printf("gateway  \033[91mdown\033[0m     %s\n", env.gatewayURL())
			}

			owner, pid, ok := readLease(filepath.Join(config.LeaderDir(), "leader.json"))
			if ok && pidAlive(pid) {
				fmt.Printf("daemon   \033[92mrunning\033[0m  pid=%d owner=%s\n", pid, owner)
			} else {
				fmt.Printf("daemon   \033[91mdown\033[0m\n")
			}
			return nil
		},
	}
}

func readLease(path string) (owner string, pid int, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, false
	}
	var lease struct {
		OwnerID string `json:"ownerId"`
		PID     int    `json:"pid"`
	}
	if err := json.Unmarshal(data, &lease); err != nil {
		return "", 0, false
	}
	return lease.OwnerID, lease.PID, true
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func oauthCmd() *cobra.Command {
	var force bool
	var noBrowser bool
	cmd := &cobra.Command{
		Use:   "oauth <provider[:alias]>",
		Short: "运行授权流程或手动刷新 token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}
			providerID, alias := parseSelector(args[0])
			if alias == tokenstore.StaticAlias {
				return fmt.Errorf("alias %q is static and not refreshable", alias)
			}
			pc, ok := env.cfg.Provider(providerID)
			override := config.OAuthConfig{}
			if ok {
				override = pc.OAuth
			}

			path := env.store.PathFor(providerID, alias)
			payload, err := env.oauth.EnsureValidToken(cmd.Context(), providerID, path, override, oauth.Options{
				OpenBrowser:                  !noBrowser,
				ForceReauthorize:             force,
				ForceReacquireIfRefreshFails: true,
			})
			if err != nil {
				return err
			}

			st := payload.StateAt(time.Now())
			fmt.Printf("\033[92m✓\033[0m %s/%s %s", providerID, alias, st.Status)
			if st.ExpiresAt > 0 {
				fmt.Printf(", expires %s", time.UnixMilli(st.ExpiresAt).Format("2006-01-02 15:04:05"))
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "忽略现有 token, 重新授权")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "不自动打开浏览器")
	return cmd
}

func parseSelector(s string) (provider, alias string) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, "default"
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [provider[:alias]|all]",
		Short: "校验配置与 token 状态, 异常时非零退出",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}
			if err := env.cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			fmt.Println("\033[92m✓\033[0m config valid")

			selector := "all"
			if len(args) == 1 {
				selector = args[0]
			}
			wantProvider, wantAlias := "", ""
			if selector != "all" {
				wantProvider, wantAlias = parseSelector(selector)
			}

			descs := env.store.Scan(env.providerIDs(), time.Now())
			failed := 0
			for _, d := range descs {
				if wantProvider != "" && (d.Provider != wantProvider || (wantAlias != "default" && d.Alias != wantAlias)) {
					continue
				}
				switch d.State.Status {
				case tokenstore.StatusValid, tokenstore.StatusExpiring:
					fmt.Printf("\033[92m✓\033[0m %s %s\n", d.DisplayName, d.State.Status)
				default:
					failed++
					fmt.Printf("\033[91m✗\033[0m %s %s\n", d.DisplayName, d.State.Status)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d token(s) unusable", failed)
			}
			return nil
		},
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "前台运行 token 刷新守护进程",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}
			fmt.Println("refresh daemon running, Ctrl-C to stop")
			if err := env.daemon.Run(cmd.Context()); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "输出合并后的有效配置 (yaml)",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(env.cfg)
			if err != nil {
				return err
			}
			os.Stdout.Write(data)
			return nil
		},
	}
}
