package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-scan-sync/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending_scans (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	barcode     TEXT NOT NULL,
	captured_at TEXT NOT NULL,
	site_id     TEXT NOT NULL
)`

// SQLiteQueue keeps pending scans in an embedded SQLite database
// Append order is the AUTOINCREMENT sequence; a single connection serialises writers
type SQLiteQueue struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens the database at path, enables WAL and creates the table
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite queue: %w", err)
	}

	// One connection: Append and Prune are mutually exclusive by construction
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, stmt := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = FULL`,
		`PRAGMA busy_timeout = 5000`,
		sqliteSchema,
	} {
		if _, err := db.ExecContext(initCtx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite queue init (%s): %w", stmt, err)
		}
	}

	logger.Info("SQLite queue ready", "path", path)

	return &SQLiteQueue{db: db, logger: logger}, nil
}

func (q *SQLiteQueue) Append(ctx context.Context, rec models.ScanRecord) error {
	if err := validate(rec); err != nil {
		return err
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO pending_scans (id, barcode, captured_at, site_id) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Barcode, rec.Timestamp(), rec.SiteID,
	)
	if err != nil {
		return fmt.Errorf("append record %s: %w", rec.ID, err)
	}
	return nil
}

func (q *SQLiteQueue) ReadAll(ctx context.Context) ([]models.ScanRecord, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, barcode, captured_at, site_id FROM pending_scans ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("read pending scans: %w", err)
	}
	defer rows.Close()

	records := []models.ScanRecord{}
	for rows.Next() {
		var (
			rec models.ScanRecord
			ts  string
		)
		if err := rows.Scan(&rec.ID, &rec.Barcode, &ts, &rec.SiteID); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}

		rec.CapturedAt, err = models.ParseTimestamp(ts)
		if err != nil {
			q.logger.Warn("Skipping pending scan with bad timestamp", "id", rec.ID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending scans: %w", err)
	}

	return records, nil
}

// Prune deletes the named records in one transaction
func (q *SQLiteQueue) Prune(ctx context.Context, ids map[string]struct{}) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	// Rollback is a no-op once Commit succeeded
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM pending_scans WHERE id = ?`)
	if err != nil {
		return 0, fmt.Errorf("prepare prune: %w", err)
	}
	defer stmt.Close()

	var removed int64
	for id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("prune record %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return int(removed), nil
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_scans`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending scans: %w", err)
	}
	return n, nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
