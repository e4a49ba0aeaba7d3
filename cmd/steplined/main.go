package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/application"
	"github.com/stepline/stepline/internal/infrastructure/config"
	"github.com/stepline/stepline/internal/infrastructure/logger"
)

const (
	appName    = "steplined"
	appVersion = "0.1.0"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version":
			fmt.Printf("%s v%s\n", appName, appVersion)
			return
		case "help", "--help", "-h":
			fmt.Printf("Usage: %s [version|help]\n\nRuns the Stepline HTTP/WebSocket server until SIGINT/SIGTERM.\nConfiguration: ~/.stepline/config.yaml, ./stepline.yaml, STEPLINE_* env.\n", appName)
			return
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Stepline server",
		zap.String("name", appName),
		zap.String("version", appVersion),
		zap.String("listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
	)

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", zap.String("signal", sig.String()))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}
}
