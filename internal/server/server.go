// Package server is the HTTP entry layer: four inbound protocol
// endpoints in front of the classifier, the balancer and the pipeline
// cache.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/balance"
	"github.com/routecodex/routecodex/internal/classify"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/monitoring"
	"github.com/routecodex/routecodex/internal/pipeline"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Deps 入口层依赖
type Deps struct {
	Config     *config.Config
	Classifier *classify.Classifier
	Balancer   *balance.Balancer
	Pipelines  *pipeline.Manager
	Logger     *zap.Logger
}

// NewRouter 构建 gin 引擎（测试直接复用）
func NewRouter(deps Deps) *gin.Engine {
	if deps.Config.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(deps.Logger))

	h := newHandler(deps)
	setupRoutes(router, h)
	return router
}

// NewServer 创建HTTP服务器
func NewServer(deps Deps) *Server {
	router := NewRouter(deps)
	addr := fmt.Sprintf("%s:%d", deps.Config.Server.Host, deps.Config.Server.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: deps.Logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, h *handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})
	router.GET("/metrics", gin.WrapH(monitoring.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/chat/completions", h.entry("openai-chat"))
		v1.POST("/responses", h.entry("openai-responses"))
		v1.POST("/messages", h.entry("anthropic-messages"))
		v1.GET("/models", h.listModels)
	}

	// Gemini 入口: /v1beta/models/<model>:generateContent
	router.POST("/v1beta/models/:modelAction", h.gemini)
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
