package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aqilrvsb/dev-muse-automaton-sub005/cmd/mainconfig"
	appconfig "github.com/aqilrvsb/dev-muse-automaton-sub005/internal/config"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting conversation worker", "env", cfg.Env, "workers", cfg.WorkerCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	pipeline, err := mainconfig.BuildPipeline(ctx, cfg, logger, registry)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	pipeline.Worker.Start(ctx)
	go pipeline.Coordinator.RunSweeper(ctx)

	if pipeline.Meow != nil {
		if err := pipeline.Meow.Connect(ctx, "qr.png"); err != nil {
			logger.Error("failed to connect WhatsApp session", "error", err)
			os.Exit(1)
		}
		logger.Info("direct WhatsApp session online")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker...")
	cancel()
	pipeline.Coordinator.Stop()
	if pipeline.Meow != nil {
		pipeline.Meow.Disconnect()
	}

	waitCh := make(chan struct{})
	go func() {
		pipeline.Worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("worker stopped")
	case <-time.After(30 * time.Second):
		logger.Warn("worker shutdown timed out")
	}
}
