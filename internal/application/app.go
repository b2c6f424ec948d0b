// Package application is the dependency-injection container: it wires
// the token store, OAuth manager, classifier, balancer, pipeline cache,
// HTTP server and refresh daemon into one lifecycle.
package application

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/balance"
	"github.com/routecodex/routecodex/internal/classify"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/daemon"
	"github.com/routecodex/routecodex/internal/oauth"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/server"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/tokenstore"
	"github.com/routecodex/routecodex/pkg/safego"
)

// App 应用程序
type App struct {
	config *config.Config
	logger *zap.Logger

	store      *tokenstore.Store
	oauth      *oauth.Manager
	snapshots  *snapshot.Writer
	classifier *classify.Classifier
	balancer   *balance.Balancer
	pipelines  *pipeline.Manager
	httpServer *server.Server
	daemon     *daemon.Daemon

	daemonCancel context.CancelFunc
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Bootstrap: ensure ~/.routecodex/ exists with default files on first run
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	homeDir, _ := os.UserHomeDir()
	store := tokenstore.NewStore(config.AuthDir(), homeDir, logger)
	mgr := oauth.NewManager(store, logger)
	snapshots := snapshot.New(config.SamplesDir(), logger)
	pipelines := pipeline.NewManager(cfg, store, mgr, snapshots, logger)
	classifier := classify.New(&cfg.VirtualRouter, nil, logger)
	balancer := balance.New(cfg.Pools(), cfg.RouteNames(), logger)

	dmn, err := daemon.New(cfg, store, mgr, config.StaticsDir(), config.LeaderDir(), logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		config:     cfg,
		logger:     logger,
		store:      store,
		oauth:      mgr,
		snapshots:  snapshots,
		classifier: classifier,
		balancer:   balancer,
		pipelines:  pipelines,
		daemon:     dmn,
	}
	app.httpServer = server.NewServer(server.Deps{
		Config:     cfg,
		Classifier: classifier,
		Balancer:   balancer,
		Pipelines:  pipelines,
		Logger:     logger,
	})
	return app, nil
}

// Start 启动 HTTP 服务与刷新守护循环
func (a *App) Start(ctx context.Context) error {
	if err := a.httpServer.Start(ctx); err != nil {
		return err
	}

	daemonCtx, cancel := context.WithCancel(context.Background())
	a.daemonCancel = cancel
	safego.Go(a.logger, "refresh-daemon", func() {
		if err := a.daemon.Run(daemonCtx); err != nil && err != context.Canceled {
			a.logger.Warn("Refresh daemon exited", zap.Error(err))
		}
	})
	return nil
}

// Stop 停止全部组件
func (a *App) Stop(ctx context.Context) error {
	if a.daemonCancel != nil {
		a.daemonCancel()
	}
	err := a.httpServer.Stop(ctx)
	a.pipelines.Shutdown()
	return err
}

// Config 返回配置
func (a *App) Config() *config.Config { return a.config }

// Logger 返回日志器
func (a *App) Logger() *zap.Logger { return a.logger }

// Store 返回 token 存储
func (a *App) Store() *tokenstore.Store { return a.store }

// OAuth 返回 OAuth 管理器
func (a *App) OAuth() *oauth.Manager { return a.oauth }

// Daemon 返回刷新守护对象（CLI 手动刷新与状态视图使用）
func (a *App) Daemon() *daemon.Daemon { return a.daemon }

// Pipelines 返回流水线缓存
func (a *App) Pipelines() *pipeline.Manager { return a.pipelines }

// Balancer 返回负载均衡器
func (a *App) Balancer() *balance.Balancer { return a.balancer }
