package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Guizzs26/go-scan-sync/internal/broker"
	"github.com/Guizzs26/go-scan-sync/internal/config"
	"github.com/Guizzs26/go-scan-sync/internal/db"
	"github.com/Guizzs26/go-scan-sync/internal/handlers"
	"github.com/Guizzs26/go-scan-sync/internal/processor"
	"github.com/Guizzs26/go-scan-sync/pkg/infra"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("CRITICAL: invalid server configuration", "error", err)
		os.Exit(1)
	}

	logger := infra.SetupLogger(cfg.Logging)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔥 Ingest server initializing...",
		"driver", cfg.Database.Driver,
		"table", cfg.Database.Table,
		"upload_path", cfg.UploadPath,
	)

	store, err := db.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("CRITICAL: database connection failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var publisher processor.Publisher
	if cfg.RabbitMQURL != "" {
		events := broker.NewEventPublisher(cfg.RabbitMQURL, logger)
		go events.Run(ctx)
		publisher = events
	} else {
		logger.Info("RABBITMQ_URL not set, ingest events disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	router := handlers.SetupRouter(handlers.HandlerConfig{
		Ingestor:   processor.NewIngestProcessor(store, publisher, logger),
		APIKey:     cfg.APIKey,
		UploadPath: cfg.UploadPath,
		Ping:       store.Ping,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      90 * time.Second,
	}

	go func() {
		logger.Info("🚀 Ingest server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("🛑 Shutdown signal received, draining requests...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", "error", err)
	}
	logger.Info("✅ Ingest server shut down successfully.")
}
