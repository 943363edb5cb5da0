package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Guizzs26/go-scan-sync/internal/config"
	"github.com/Guizzs26/go-scan-sync/internal/db"
	"github.com/Guizzs26/go-scan-sync/pkg/infra"
)

// dbcheck verifies the ingest database is reachable with the server's settings
func main() {
	cfg, err := config.LoadDatabase()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger := infra.NewLogger(os.Stderr, slog.LevelInfo, "TEXT")

	// checking only; never create the table
	cfg.AutoMigrate = false

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, err := db.Open(ctx, cfg, logger)
	if err != nil {
		fmt.Printf("❌ Connection failed (%s): %v\n", cfg.Driver, err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		fmt.Printf("❌ Ping failed (%s): %v\n", cfg.Driver, err)
		os.Exit(1)
	}

	if _, err := store.FindByBarcode(ctx, "__dbcheck__"); err != nil {
		fmt.Printf("⚠️  Connected, but table %q is not readable: %v\n", cfg.Table, err)
		os.Exit(1)
	}

	fmt.Printf("✅ Connected to %s database, table %q is readable\n", cfg.Driver, cfg.Table)
}
