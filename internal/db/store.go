package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-scan-sync/internal/config"
	"github.com/Guizzs26/go-scan-sync/internal/mapper"
	"github.com/Guizzs26/go-scan-sync/internal/models"
)

// Store is the scan table behind the ingest endpoint
type Store interface {
	// SaveBatch inserts rows in one transaction; per-row failures are returned, not raised
	SaveBatch(ctx context.Context, rows []models.ScanRow) ([]string, []models.FailedRecord, error)
	FindByBarcode(ctx context.Context, barcode string) ([]models.ScanRow, error)
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the configured driver and, when enabled, creates the scan table
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Driver {
	case config.DriverFirebird:
		builder, berr := mapper.NewSQLBuilder(mapper.DialectFirebird, cfg.Table)
		if berr != nil {
			return nil, berr
		}
		store, err = NewFirebirdRepository(ctx, cfg.DSN(), builder, logger)
	case config.DriverPostgres:
		builder, berr := mapper.NewSQLBuilder(mapper.DialectPostgres, cfg.Table)
		if berr != nil {
			return nil, berr
		}
		store, err = NewPostgresRepository(ctx, cfg.DSN(), builder, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}

	return store, nil
}
