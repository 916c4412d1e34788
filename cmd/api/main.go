package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aqilrvsb/dev-muse-automaton-sub005/cmd/mainconfig"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/api/router"
	appconfig "github.com/aqilrvsb/dev-muse-automaton-sub005/internal/config"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/ingress"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/pkg/logging"
)

func main() {
	// Local development convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting api server", "env", cfg.Env, "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	pipeline, err := mainconfig.BuildPipeline(ctx, cfg, logger, registry)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	webhookCfg := ingress.WebhookConfig{
		Publisher: pipeline.Publisher,
		Logger:    logger,
		Metrics:   pipeline.Metrics,
	}
	if pipeline.Gateway != nil && cfg.GatewayWebhookSecret != "" {
		webhookCfg.Verifier = pipeline.Gateway
	}

	r := router.New(&router.Config{
		Logger:         logger,
		Webhooks:       ingress.NewWebhookHandler(webhookCfg),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	// The memory queue never leaves this process, so its consumers and the
	// debounce sweeper run inline.
	if cfg.UseMemoryQueue {
		pipeline.Worker.Start(ctx)
		go pipeline.Coordinator.RunSweeper(ctx)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()
	pipeline.Coordinator.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if cfg.UseMemoryQueue {
		pipeline.Worker.Wait()
	}
	logger.Info("server stopped")
}
