package queue

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Guizzs26/go-scan-sync/internal/models"
)

const fieldsPerLine = 4

// FileQueue is an append-only line log of pending scans
// Each line holds id,barcode,timestamp,site_id CSV-quoted, so commas inside a barcode survive
// A single mutex serialises every access to the file: Append, ReadAll and Prune never interleave
// Lines that cannot be parsed are never returned and never removed
type FileQueue struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// queueLine is one complete line of the log; rec is only set when ok
type queueLine struct {
	raw string
	rec models.ScanRecord
	ok  bool
}

// OpenFile opens (or creates) the log at path and drops a torn trailing write left by a crash
func OpenFile(path string, logger *slog.Logger) (*FileQueue, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open queue file: %w", err)
	}
	defer f.Close()

	q := &FileQueue{path: path, logger: logger}
	if _, err := q.repairTail(f); err != nil {
		return nil, err
	}
	return q, nil
}

// Path returns the log location
func (q *FileQueue) Path() string {
	return q.path
}

// Append writes one record and fsyncs before returning
// A failed write is truncated away so the next record starts on a clean line
func (q *FileQueue) Append(ctx context.Context, rec models.ScanRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(rec); err != nil {
		return err
	}

	line, err := encodeLines([]models.ScanRecord{rec})
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open queue for append: %w", err)
	}

	size, err := q.repairTail(f)
	if err != nil {
		f.Close()
		return err
	}

	if _, err := f.Write(line); err != nil {
		q.rollback(f, size)
		f.Close()
		return fmt.Errorf("append record %s: %w", rec.ID, err)
	}
	if err := f.Sync(); err != nil {
		q.rollback(f, size)
		f.Close()
		return fmt.Errorf("sync record %s: %w", rec.ID, err)
	}
	return f.Close()
}

// ReadAll returns every pending record in append order
func (q *FileQueue) ReadAll(ctx context.Context) ([]models.ScanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	lines, err := q.readLocked()
	if err != nil {
		return nil, err
	}

	records := make([]models.ScanRecord, 0, len(lines))
	for _, l := range lines {
		if l.ok {
			records = append(records, l.rec)
		}
	}
	return records, nil
}

// Len returns the number of pending records
func (q *FileQueue) Len(ctx context.Context) (int, error) {
	records, err := q.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Prune removes the records named in ids and atomically replaces the log with the remainder
// Every other line, unparseable ones included, is written back byte for byte
// Appends issued while a prune runs block on the mutex and land in the new file
func (q *FileQueue) Prune(ctx context.Context, ids map[string]struct{}) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	lines, err := q.readLocked()
	if err != nil {
		return 0, err
	}

	var body bytes.Buffer
	removed := 0
	for _, l := range lines {
		if l.ok {
			if _, drop := ids[l.rec.ID]; drop {
				removed++
				continue
			}
		}
		body.WriteString(l.raw)
		body.WriteByte('\n')
	}

	if removed == 0 {
		return 0, nil
	}

	if err := q.rewriteLocked(body.Bytes()); err != nil {
		return 0, err
	}
	return removed, nil
}

func (q *FileQueue) readLocked() ([]queueLine, error) {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return []queueLine{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	// Bytes after the last newline belong to a write that never completed
	data = data[:completeLength(data)]

	lines := make([]queueLine, 0, bytes.Count(data, []byte{'\n'}))
	for n, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		rec, err := decodeLine(line)
		if err != nil {
			q.logger.Warn("Unreadable queue line kept in place", "path", q.path, "line", n+1, "error", err)
			lines = append(lines, queueLine{raw: raw})
			continue
		}
		lines = append(lines, queueLine{raw: raw, rec: rec, ok: true})
	}

	return lines, nil
}

func (q *FileQueue) rewriteLocked(body []byte) error {
	tmpPath := q.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create prune file: %w", err)
	}

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write prune file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync prune file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close prune file: %w", err)
	}

	if err := os.Rename(tmpPath, q.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace queue file: %w", err)
	}

	syncDir(filepath.Dir(q.path))
	return nil
}

// repairTail truncates bytes after the last newline and returns the resulting size
func (q *FileQueue) repairTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat queue file: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return 0, fmt.Errorf("read queue tail: %w", err)
	}
	if last[0] == '\n' {
		return size, nil
	}

	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read queue file: %w", err)
	}
	keep := int64(completeLength(data))

	q.logger.Warn("Queue file ends with a torn record, truncating",
		"path", q.path,
		"dropped_bytes", size-keep,
	)
	if err := f.Truncate(keep); err != nil {
		return 0, fmt.Errorf("truncate torn tail: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync queue file: %w", err)
	}
	return keep, nil
}

// rollback drops whatever a failed append left behind
func (q *FileQueue) rollback(f *os.File, size int64) {
	if err := f.Truncate(size); err != nil {
		q.logger.Error("CRITICAL: failed to roll back partial append", "path", q.path, "error", err)
		return
	}
	_ = f.Sync()
}

// completeLength is the length of data up to and including its last newline
func completeLength(data []byte) int {
	return bytes.LastIndexByte(data, '\n') + 1
}

func encodeLines(records []models.ScanRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, rec := range records {
		if err := w.Write([]string{rec.ID, rec.Barcode, rec.Timestamp(), rec.SiteID}); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeLine(line string) (models.ScanRecord, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	// lines written by older stations were never quoted
	r.LazyQuotes = true

	fields, err := r.Read()
	if err != nil {
		return models.ScanRecord{}, err
	}
	if len(fields) < fieldsPerLine {
		return models.ScanRecord{}, fmt.Errorf("expected %d fields, got %d", fieldsPerLine, len(fields))
	}
	// an unquoted legacy barcode with commas spans the middle fields
	if len(fields) > fieldsPerLine {
		n := len(fields)
		fields = []string{fields[0], strings.Join(fields[1:n-2], ","), fields[n-2], fields[n-1]}
	}

	capturedAt, err := models.ParseTimestamp(fields[2])
	if err != nil {
		return models.ScanRecord{}, err
	}

	rec := models.ScanRecord{
		ID:         strings.TrimSpace(fields[0]),
		Barcode:    fields[1],
		CapturedAt: capturedAt,
		SiteID:     strings.TrimSpace(fields[3]),
	}
	if rec.ID == "" {
		return models.ScanRecord{}, errors.New("empty record id")
	}
	return rec, nil
}

// syncDir persists the rename; not every platform can fsync a directory, so errors are ignored
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
