// Package queue holds the kiosk's durable store of pending scans
// Records stay here from capture until the ingest server acknowledges them
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Guizzs26/go-scan-sync/internal/config"
	"github.com/Guizzs26/go-scan-sync/internal/models"
)

// ErrInvalidRecord is returned by Append for records the line format cannot hold
var ErrInvalidRecord = errors.New("invalid scan record")

// Backend is the full contract shared by the file log and the SQLite store
type Backend interface {
	Append(ctx context.Context, rec models.ScanRecord) error
	ReadAll(ctx context.Context) ([]models.ScanRecord, error)
	Prune(ctx context.Context, ids map[string]struct{}) (int, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Open builds the backend selected by QUEUE_BACKEND
func Open(ctx context.Context, backend, path string, logger *slog.Logger) (Backend, error) {
	switch backend {
	case config.QueueBackendSQLite:
		return OpenSQLite(ctx, path, logger)
	case config.QueueBackendFile, "":
		return OpenFile(path, logger)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}

// Close is a no-op: FileQueue holds no descriptor between calls
func (q *FileQueue) Close() error {
	return nil
}

// IDSet builds the set form Prune expects
func IDSet(ids ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func validate(rec models.ScanRecord) error {
	switch {
	case strings.TrimSpace(rec.ID) == "":
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	case rec.Barcode == "":
		return fmt.Errorf("%w: empty barcode", ErrInvalidRecord)
	case strings.ContainsAny(rec.Barcode, "\r\n"):
		return fmt.Errorf("%w: barcode contains a line break", ErrInvalidRecord)
	case strings.ContainsAny(rec.SiteID, "\r\n"):
		return fmt.Errorf("%w: site id contains a line break", ErrInvalidRecord)
	case rec.CapturedAt.IsZero():
		return fmt.Errorf("%w: missing capture time", ErrInvalidRecord)
	}
	return nil
}
