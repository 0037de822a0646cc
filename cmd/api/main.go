// Package main はAPIサーバーのエントリーポイントです。
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
	// 設定の読み込み
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

	engine, err := a.NewAPI()
	if err != nil {
		lg.Fatal("failed to build api", "error", err)
	}

	if err := a.Serve(ctx, ":"+cfg.Port, engine); err != nil {
		lg.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}
