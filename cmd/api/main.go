package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/datadrape/datadrape-ai/backend/internal/config"
	"github.com/datadrape/datadrape-ai/backend/internal/handler"
	"github.com/datadrape/datadrape-ai/backend/internal/logging"
	"github.com/datadrape/datadrape-ai/backend/internal/metrics"
	"github.com/datadrape/datadrape-ai/backend/internal/observability/otelx"
	"github.com/datadrape/datadrape-ai/backend/internal/service/relay"
	"github.com/datadrape/datadrape-ai/backend/internal/service/upload"
	"github.com/datadrape/datadrape-ai/backend/internal/storage/staging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("no .env file loaded, using system environment only")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		logrus.WithError(err).Fatal("failed to configure logging")
	}
	logrus.SetOutput(logger.Out)
	logrus.SetFormatter(logger.Formatter)
	logrus.SetLevel(logger.Level)

	shutdownTracing, err := otelx.Init(ctx, logger, cfg.OTel)
	if err != nil {
		logger.WithError(err).Warn("failed to initialize tracing, continuing without it")
	}
	if shutdownTracing != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				logger.WithError(err).Warn("failed to flush traces")
			}
		}()
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(registry)
	}

	store, err := staging.New(ctx, cfg.Upload.StagingDir)
	if err != nil {
		logger.WithError(err).Fatal("failed to prepare upload staging")
	}
	encoder := upload.NewEncoder(store, cfg.Upload.MaxBytes, m, logger)

	relayClient := relay.NewClient(cfg.Upstream, relay.WithMetrics(m), relay.WithLogger(logger))
	if err := relayClient.Ready(); err != nil {
		logger.WithError(err).Warn("chat relay disabled until OPENROUTER_API_KEY is set")
	} else {
		logger.WithField("model", relayClient.Model()).Info("chat relay configured")
	}

	router := handler.NewRouter(cfg, logger, relayClient, encoder, m)

	startServer(ctx, logger, cfg.Server, router)
}

func startServer(ctx context.Context, logger *logrus.Logger, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.WithField("addr", addr).Info("DataDrape AI backend listening")
	if err := runServer(ctx, srv); err != nil {
		logger.WithError(err).Fatal("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
