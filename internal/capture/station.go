// Package capture is the kiosk's input side: one barcode per scan event, voiced back to the collector
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Guizzs26/go-scan-sync/internal/models"
	"github.com/Guizzs26/go-scan-sync/pkg/metrics"
)

const (
	// FailurePhrase is spoken when a scan cannot be recorded
	FailurePhrase = "Scan Failed"

	recentLimit  = 5
	spokenSuffix = 4
)

var (
	ErrEmptyScan      = errors.New("empty scan")
	ErrInvalidBarcode = errors.New("barcode contains a line break")
)

// Appender is the slice of the local queue the capture path needs
type Appender interface {
	Append(ctx context.Context, rec models.ScanRecord) error
}

// Announcer voices short phrases to the collector
type Announcer interface {
	Announce(ctx context.Context, text string) error
}

// Station turns raw scan input into durable ScanRecords
type Station struct {
	queue     Appender
	announcer Announcer
	siteID    string
	logger    *slog.Logger
	nowFunc   func() time.Time

	mu     sync.Mutex
	recent []models.ScanRecord
}

func NewStation(queue Appender, announcer Announcer, siteID string, logger *slog.Logger) *Station {
	return &Station{
		queue:     queue,
		announcer: announcer,
		siteID:    siteID,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Scan records one barcode
// An empty read is announced as a failure and nothing is stored
func (s *Station) Scan(ctx context.Context, raw string) (models.ScanRecord, error) {
	barcode := strings.TrimSpace(raw)

	if barcode == "" {
		metrics.ScansCaptured.WithLabelValues("empty").Inc()
		s.logger.Warn("Scan failed: empty input")
		s.announce(ctx, FailurePhrase)
		return models.ScanRecord{}, ErrEmptyScan
	}
	if strings.ContainsAny(barcode, "\r\n") {
		metrics.ScansCaptured.WithLabelValues("error").Inc()
		s.announce(ctx, FailurePhrase)
		return models.ScanRecord{}, ErrInvalidBarcode
	}

	rec := models.NewScanRecord(barcode, s.siteID, s.nowFunc())

	if err := s.queue.Append(ctx, rec); err != nil {
		metrics.ScansCaptured.WithLabelValues("error").Inc()
		s.logger.Error("CRITICAL: failed to persist scan", "barcode", barcode, "error", err)
		s.announce(ctx, FailurePhrase)
		return models.ScanRecord{}, fmt.Errorf("persist scan: %w", err)
	}

	metrics.ScansCaptured.WithLabelValues("saved").Inc()
	s.remember(rec)
	s.logger.Info("Scan saved", "id", rec.ID, "barcode", rec.Barcode, "site_id", rec.SiteID)

	s.announce(ctx, SpokenDigits(barcode))
	return rec, nil
}

// Recent returns up to the last five saved scans, oldest first
func (s *Station) Recent() []models.ScanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ScanRecord, len(s.recent))
	copy(out, s.recent)
	return out
}

func (s *Station) remember(rec models.ScanRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = append(s.recent, rec)
	if len(s.recent) > recentLimit {
		s.recent = s.recent[len(s.recent)-recentLimit:]
	}
}

// announce never fails the scan; audio is best-effort
func (s *Station) announce(ctx context.Context, text string) {
	if s.announcer == nil {
		return
	}
	if err := s.announcer.Announce(ctx, text); err != nil {
		s.logger.Warn("Announcement failed", "text", text, "error", err)
	}
}

// SpokenDigits renders the last four characters one by one ("12AB" -> "1 2 A B")
// so a speech engine reads them as characters rather than a number or a word
func SpokenDigits(barcode string) string {
	runes := []rune(barcode)
	if len(runes) > spokenSuffix {
		runes = runes[len(runes)-spokenSuffix:]
	}

	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}
	return strings.Join(parts, " ")
}
