package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Guizzs26/go-scan-sync/internal/mapper"
	"github.com/Guizzs26/go-scan-sync/internal/models"
)

type PostgresRepository struct {
	pool   *pgxpool.Pool
	sql    *mapper.SQLBuilder
	logger *slog.Logger
}

func NewPostgresRepository(ctx context.Context, connString string, builder *mapper.SQLBuilder, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info("Connected to Postgres successfully", "table", builder.Table())

	return &PostgresRepository{pool: p, sql: builder, logger: logger}, nil
}

// SaveBatch inserts every row inside one transaction, each under its own savepoint,
// so a rejected row rolls back alone and its siblings still commit
// A uuid that already exists is skipped by ON CONFLICT and counts as stored
func (r *PostgresRepository) SaveBatch(ctx context.Context, rows []models.ScanRow) ([]string, []models.FailedRecord, error) {
	stored := make([]string, 0, len(rows))
	failed := []models.FailedRecord{}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, nil, r.wrap("begin batch", err)
	}
	// Rollback is a no-op once Commit succeeded
	defer tx.Rollback(ctx)

	for _, row := range rows {
		query, args := r.sql.BuildInsert(row)

		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, nil, r.wrap("create savepoint", err)
		}

		if _, err := sp.Exec(ctx, query, args...); err != nil {
			if rbErr := sp.Rollback(ctx); rbErr != nil {
				return nil, nil, r.wrap("rollback savepoint", rbErr)
			}
			if isPgTransient(err) {
				return nil, nil, r.wrap("insert "+row.ID, err)
			}
			if isPgUniqueViolation(err) {
				// a unique key other than uuid; the row is already there
				stored = append(stored, row.ID)
				continue
			}

			r.logger.Warn("Record rejected by database", "id", row.ID, "error", err)
			failed = append(failed, models.FailedRecord{ID: row.ID, Error: pgRecordError(err)})
			continue
		}

		if err := sp.Commit(ctx); err != nil {
			return nil, nil, r.wrap("release savepoint", err)
		}
		stored = append(stored, row.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, r.wrap("commit batch", err)
	}

	return stored, failed, nil
}

func (r *PostgresRepository) FindByBarcode(ctx context.Context, barcode string) ([]models.ScanRow, error) {
	rows, err := r.pool.Query(ctx, r.sql.BuildSearch(), barcode)
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

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range r.sql.BuildSchema() {
		if _, err := r.pool.Exec(opCtx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	r.logger.Info("Scan table ready", "table", r.sql.Table())
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) wrap(op string, err error) error {
	if isPgTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
