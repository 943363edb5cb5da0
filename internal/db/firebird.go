package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/nakagami/firebirdsql"

	"github.com/Guizzs26/go-scan-sync/internal/mapper"
	"github.com/Guizzs26/go-scan-sync/internal/models"
)

// FirebirdRepository stores scans in a Firebird 2.5 database
type FirebirdRepository struct {
	db     *sql.DB
	sql    *mapper.SQLBuilder
	logger *slog.Logger
}

// NewFirebirdRepository initializes a connection pool for Firebird 2.5
func NewFirebirdRepository(ctx context.Context, connString string, builder *mapper.SQLBuilder, logger *slog.Logger) (*FirebirdRepository, error) {
	db, err := sql.Open("firebirdsql", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open firebird connection: %w", err)
	}

	// Connection pool settings optimized for legacy systems
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("firebird ping failed: %w", err)
	}

	logger.Info("Connected to Firebird successfully", "dialect", 3, "table", builder.Table())

	return &FirebirdRepository{db: db, sql: builder, logger: logger}, nil
}

// SaveBatch inserts every row inside one ReadCommitted transaction
// A failed statement is undone by Firebird on its own, so siblings are unaffected
func (r *FirebirdRepository) SaveBatch(ctx context.Context, rows []models.ScanRow) ([]string, []models.FailedRecord, error) {
	stored := make([]string, 0, len(rows))
	failed := []models.FailedRecord{}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, r.wrap("begin batch", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		query, args := r.sql.BuildInsert(row)

		opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := tx.ExecContext(opCtx, query, args...)
		cancel()

		if err != nil {
			switch {
			case isFbUniqueViolation(err):
				r.logger.Debug("Record already ingested", "id", row.ID)
				stored = append(stored, row.ID)
			case isFbTransient(err):
				return nil, nil, r.wrap("insert "+row.ID, err)
			default:
				r.logger.Warn("Record rejected by database", "id", row.ID, "error", err)
				failed = append(failed, models.FailedRecord{ID: row.ID, Error: err.Error()})
			}
			continue
		}
		stored = append(stored, row.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, r.wrap("commit batch", err)
	}

	return stored, failed, nil
}

func (r *FirebirdRepository) FindByBarcode(ctx context.Context, barcode string) ([]models.ScanRow, error) {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(opCtx, r.sql.BuildSearch(), barcode)
	if err != nil {
		return nil, fmt.Errorf("failed to search barcode: %w", err)
	}
	defer rows.Close()

	out := []models.ScanRow{}
	for rows.Next() {
		var row models.ScanRow
		if err := rows.Scan(&row.ID, &row.CapturedAt, &row.Barcode, &row.SiteID); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search rows: %w", err)
	}

	return out, nil
}

// EnsureSchema creates the table when the catalog does not list it; Firebird 2.5 has no IF NOT EXISTS
func (r *FirebirdRepository) EnsureSchema(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	query, args := r.sql.BuildTableExists()
	var n int
	if err := r.db.QueryRowContext(opCtx, query, args...).Scan(&n); err != nil {
		return fmt.Errorf("failed to inspect catalog: %w", err)
	}
	if n > 0 {
		return nil
	}

	for _, stmt := range r.sql.BuildSchema() {
		if _, err := r.db.ExecContext(opCtx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	r.logger.Info("Scan table created", "table", r.sql.Table())
	return nil
}

func (r *FirebirdRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close gracefully shuts down the database connection pool
func (r *FirebirdRepository) Close() error {
	r.logger.Info("Closing Firebird connection pool")
	return r.db.Close()
}

func (r *FirebirdRepository) wrap(op string, err error) error {
	if isFbTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
