package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	appconfig "github.com/voicelink-io/voicelink/internal/config"
	applogger "github.com/voicelink-io/voicelink/internal/logger"
	"github.com/voicelink-io/voicelink/pkg/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to conf.yaml")
	writeDefault := flag.String("write-default-config", "", "write a default conf.yaml to the given path and exit")
	flag.Parse()

	if *writeDefault != "" {
		if err := appconfig.WriteDefault(*writeDefault); err != nil {
			fmt.Fprintf(os.Stderr, "write default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote default config to %s\n", *writeDefault)
		return
	}

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		defer fallback.Sync()
		fallback.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	app, err := runtime.NewWithConfig(cfg, logger)
	if err != nil {
		logger.Fatal("failed to assemble application", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Fatal("session failed", zap.Error(err))
	}
}
