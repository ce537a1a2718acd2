// cmd/sniper/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/app"
	"github.com/rovshanmuradov/sniper-core/internal/config"
	"github.com/rovshanmuradov/sniper-core/internal/utils/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	if cfg.LogFile != "" {
		logCfg.LogFile = cfg.LogFile
	}
	logCfg.Development = cfg.DebugLogging
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := app.NewRunner(cfg, log.Logger)
	if err := runner.Initialize(ctx); err != nil {
		log.Fatal("💥 Initialization failed", zap.Error(err))
	}
	if err := runner.Run(ctx); err != nil {
		log.Error("Sniper exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}
