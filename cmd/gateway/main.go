package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/application"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/logger"
)

const (
	appName    = "routecodex-gateway"
	appVersion = "0.1.0"
)

func main() {
	// Check for subcommand
	mode := "gateway"
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "daemon":
			mode = "daemon"
		case "version":
			fmt.Printf("%s v%s\n", appName, appVersion)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	log, err := logger.New(logger.Config{
		Level:      "info",
		Format:     "json",
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting RouteCodex",
		zap.String("name", appName),
		zap.String("version", appVersion),
		zap.String("mode", mode),
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}

	switch mode {
	case "daemon":
		runDaemonOnly(ctx, app, log)
	default:
		runGateway(ctx, app, log)
	}
}

// runGateway starts the HTTP entry plus the background refresh daemon.
func runGateway(ctx context.Context, app *application.App, log *zap.Logger) {
	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Application stopped successfully")
}

// runDaemonOnly runs the token refresh daemon without the HTTP entry.
func runDaemonOnly(ctx context.Context, app *application.App, log *zap.Logger) {
	daemonCtx, cancel := context.WithCancel(ctx)
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := app.Daemon().Run(daemonCtx); err != nil && err != context.Canceled {
		log.Fatal("Refresh daemon failed", zap.Error(err))
	}
	log.Info("Refresh daemon stopped")
}

// printUsage displays usage information
func printUsage() {
	fmt.Printf(`%s v%s

Usage:
  gateway           Start the gateway server (default)
  gateway daemon    Run only the token refresh daemon
  gateway version   Show version
  gateway help      Show this help

Environment:
  ROUTECODEX_*      Configuration overrides (see config.yaml)
`, appName, appVersion)
}
