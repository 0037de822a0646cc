// Package main はパイプラインのワーカープロセスです。
// WORKER_STAGES で指定したステージだけを起動します。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/yourusername/stereo-forge/internal/app"
	"github.com/yourusername/stereo-forge/internal/config"
	"github.com/yourusername/stereo-forge/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("failed to build app", "error", err)
	}
	defer a.Close()

	if err := a.RunWorker(ctx); err != nil && ctx.Err() == nil {
		lg.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
}
