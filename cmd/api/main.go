package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nurudeen19/rag-fortress-sub002/internal/app"
	"github.com/nurudeen19/rag-fortress-sub002/internal/config"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
)

func main() {
	// Handle SIGINT/SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	paths := []string{"stdout"}
	if cfg.LogFile != "" {
		paths = append(paths, cfg.LogFile)
	}
	appLog, err := logger.NewLogger(
		logger.WithLevel(cfg.LogLevel),
		logger.WithEncoding(cfg.LogEncoding),
		logger.WithOutputPaths(paths),
	)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = appLog.Sync() }()

	application, err := app.NewApp(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("startup failed", logger.Error(err))
		os.Exit(1)
	}
	defer application.Close()

	application.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- application.Server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			appLog.Error("server error", logger.Error(err))
		}
		stop()
	}

	appLog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Server.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("http shutdown", logger.Error(err))
	}
	application.Wait()
}
