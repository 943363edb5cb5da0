package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Guizzs26/go-scan-sync/internal/capture"
	"github.com/Guizzs26/go-scan-sync/internal/config"
	"github.com/Guizzs26/go-scan-sync/internal/models"
	"github.com/Guizzs26/go-scan-sync/internal/queue"
	"github.com/Guizzs26/go-scan-sync/internal/service"
	"github.com/Guizzs26/go-scan-sync/internal/upload"
	"github.com/Guizzs26/go-scan-sync/pkg/infra"
)

const announceTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadKiosk()
	if err != nil {
		slog.Error("CRITICAL: invalid kiosk configuration", "error", err)
		os.Exit(1)
	}

	logger := infra.SetupLogger(cfg.Logging)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	// Canceled on SIGINT (Ctrl+C) or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔧 Initializing scan kiosk...",
		"site_id", cfg.SiteID,
		"queue_backend", cfg.QueueBackend,
		"queue_path", cfg.QueuePath,
		"sync_interval", cfg.SyncInterval.String(),
	)

	pending, err := queue.Open(ctx, cfg.QueueBackend, cfg.QueuePath, logger)
	if err != nil {
		logger.Error("FATAL: failed to open local queue", "error", err)
		os.Exit(1)
	}
	defer pending.Close()

	if n, err := pending.Len(ctx); err == nil && n > 0 {
		logger.Info("Pending scans found from a previous run", "count", n)
	}

	var quarantine *service.QuarantinePolicy
	if cfg.MaxRecordFailures > 0 {
		store, err := queue.OpenFile(cfg.QuarantinePath, logger)
		if err != nil {
			logger.Error("FATAL: failed to open quarantine file", "error", err)
			os.Exit(1)
		}
		quarantine = service.NewQuarantinePolicy(store, cfg.MaxRecordFailures, logger)
	}

	if cfg.ServerURL == "" {
		logger.Warn("SERVER_URL is empty: scans are stored locally and never uploaded")
	}
	client := upload.NewClient(cfg.ServerURL, cfg.APIKey, upload.NewHTTPClient(cfg.HTTPTimeout))
	syncService := service.NewSyncService(pending, client, quarantine, cfg.SyncInterval, logger)

	station := capture.NewStation(pending, newAnnouncer(cfg.TTSCommand, logger), cfg.SiteID, logger)
	prober := capture.NewProber(cfg.NetworkProbeAddr, cfg.NetworkProbeEvery, logger)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); syncService.Run(ctx) }()
	go func() { defer wg.Done(); prober.Run(ctx) }()
	go func() { defer wg.Done(); startObservabilityServer(ctx, cfg.MetricsAddr, station, syncService, prober, logger) }()

	logger.Info("🚀 Kiosk ready. Waiting for scans on standard input...")

	reader := capture.NewReader(station, logger)
	if err := reader.Run(ctx, os.Stdin); err != nil {
		logger.Error("Scanner input failed", "error", err)
	}
	if ctx.Err() == nil {
		logger.Warn("Scanner input closed; capture stopped, sync keeps running until shutdown")
		<-ctx.Done()
	}

	logger.Info("🛑 Shutdown signal received, waiting for background workers...")
	wg.Wait()
	logger.Info("✅ Kiosk shut down successfully.")
}

func newAnnouncer(command string, logger *slog.Logger) capture.Announcer {
	if command == "" {
		return capture.NewLogAnnouncer(logger)
	}

	a, err := capture.NewCommandAnnouncer(command, announceTimeout)
	if err != nil {
		logger.Warn("Speech command unavailable, falling back to log announcements", "error", err)
		return capture.NewLogAnnouncer(logger)
	}
	return a
}

type statusView struct {
	SyncState     string              `json:"sync_state"`
	LastSuccess   *time.Time          `json:"last_successful_sync"`
	NetworkOnline bool                `json:"network_online"`
	Recent        []models.WireRecord `json:"recent_scans"`
}

func startObservabilityServer(ctx context.Context, addr string, station *capture.Station, syncService *service.SyncService, prober *capture.Prober, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("KIOSK ALIVE"))
	})

	// stands in for the on-screen list of the last scans
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		view := statusView{
			SyncState:     syncService.State().String(),
			NetworkOnline: prober.Online(),
			Recent:        []models.WireRecord{},
		}
		if last := syncService.LastSuccess(); !last.IsZero() {
			view.LastSuccess = &last
		}
		for _, rec := range station.Recent() {
			view.Recent = append(view.Recent, rec.Wire())
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(view)
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("📊 Observability server online", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
