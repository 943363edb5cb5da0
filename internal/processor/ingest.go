package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Guizzs26/go-scan-sync/internal/db"
	"github.com/Guizzs26/go-scan-sync/internal/models"
	"github.com/Guizzs26/go-scan-sync/internal/validation"
	"github.com/Guizzs26/go-scan-sync/pkg/metrics"
)

const (
	maxRetries   = 3
	retryStep    = 200 * time.Millisecond
	batchTimeout = 30 * time.Second
	eventTimeout = 10 * time.Second
)

// Repository persists validated rows
type Repository interface {
	SaveBatch(ctx context.Context, rows []models.ScanRow) ([]string, []models.FailedRecord, error)
	FindByBarcode(ctx context.Context, barcode string) ([]models.ScanRow, error)
}

// Publisher announces committed batches; optional
type Publisher interface {
	PublishIngested(ctx context.Context, event models.IngestedEvent) error
}

// IngestProcessor validates an upload batch, persists it and reports per-record outcomes
type IngestProcessor struct {
	repo      Repository
	publisher Publisher
	validate  *validatorv10.Validate
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewIngestProcessor(repo Repository, publisher Publisher, logger *slog.Logger) *IngestProcessor {
	return &IngestProcessor{
		repo:      repo,
		publisher: publisher,
		validate:  validation.New(),
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Process handles one batch; each element of raw is decoded on its own so one bad
// element cannot hide its siblings
// A returned error means nothing was committed
func (p *IngestProcessor) Process(ctx context.Context, raw []json.RawMessage) (resp models.UploadResponse, err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		} else if len(resp.FailedRecords) > 0 {
			status = "partial"
		}
		metrics.IngestDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	rows := make([]models.ScanRow, 0, len(raw))
	invalid := []models.FailedRecord{}
	siteOf := make(map[string]string, len(raw))

	for i, elem := range raw {
		rec, err := p.decode(elem)
		if err != nil {
			p.logger.Warn("Invalid record in batch", "index", i, "id", rec.ID, "error", err)
			metrics.IngestRecords.WithLabelValues("invalid", rec.SiteID).Inc()
			invalid = append(invalid, models.FailedRecord{ID: rec.ID, Error: err.Error()})
			continue
		}

		capturedAt, _ := models.ParseTimestamp(rec.Timestamp)
		rows = append(rows, models.ScanRow{
			ID:         rec.ID,
			Barcode:    rec.Barcode,
			CapturedAt: capturedAt,
			SiteID:     rec.SiteID,
		})
		siteOf[rec.ID] = rec.SiteID
	}

	stored, failed := []string{}, []models.FailedRecord{}
	if len(rows) > 0 {
		stored, failed, err = p.saveWithRetry(ctx, rows)
		if err != nil {
			return models.UploadResponse{}, err
		}
	}

	for _, id := range stored {
		metrics.IngestRecords.WithLabelValues("success", siteOf[id]).Inc()
	}
	for _, f := range failed {
		metrics.IngestRecords.WithLabelValues("failed", siteOf[f.ID]).Inc()
	}

	p.publish(ctx, stored, siteOf, len(failed)+len(invalid))

	p.logger.Info("Batch ingested",
		"received", len(raw),
		"stored", len(stored),
		"failed", len(failed),
		"invalid", len(invalid),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return models.NewUploadResponse(stored, append(invalid, failed...)), nil
}

// Search returns every stored scan of barcode
func (p *IngestProcessor) Search(ctx context.Context, barcode string) ([]models.WireRecord, error) {
	rows, err := p.repo.FindByBarcode(ctx, barcode)
	if err != nil {
		return nil, err
	}

	out := make([]models.WireRecord, len(rows))
	for i, row := range rows {
		out[i] = row.Wire()
	}
	return out, nil
}

// decode returns whatever it could read alongside the error so the id can still be reported
func (p *IngestProcessor) decode(elem json.RawMessage) (models.WireRecord, error) {
	var rec models.WireRecord
	if err := json.Unmarshal(elem, &rec); err != nil {
		return rec, errors.New("record is not an object with string fields")
	}
	if err := validation.Record(p.validate, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// saveWithRetry retries the whole transaction on lock contention
// Waits 200ms after the first failure and 400ms after the second
func (p *IngestProcessor) saveWithRetry(ctx context.Context, rows []models.ScanRow) ([]string, []models.FailedRecord, error) {
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		txCtx, cancel := context.WithTimeout(ctx, batchTimeout)
		stored, failed, err := p.repo.SaveBatch(txCtx, rows)
		cancel()

		if err == nil {
			return stored, failed, nil
		}
		if !errors.Is(err, db.ErrTransient) {
			return nil, nil, err
		}

		lastErr = err
		if attempt == maxRetries {
			break
		}
		metrics.IngestRetries.Inc()

		backoff := time.Duration(attempt) * retryStep
		p.logger.Warn("Lock contention detected, retrying batch",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if err := p.sleep(ctx, backoff); err != nil {
			return nil, nil, err
		}
	}

	return nil, nil, fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)
}

// publish sends one event per site; failures are logged and never change the response
func (p *IngestProcessor) publish(ctx context.Context, stored []string, siteOf map[string]string, failed int) {
	if len(stored) == 0 {
		return
	}
	if p.publisher == nil {
		metrics.EventsPublished.WithLabelValues("skipped").Inc()
		return
	}

	bySite := map[string][]string{}
	var order []string
	for _, id := range stored {
		site := siteOf[id]
		if _, seen := bySite[site]; !seen {
			order = append(order, site)
		}
		bySite[site] = append(bySite[site], id)
	}

	now := time.Now().UTC()
	for _, site := range order {
		event := models.IngestedEvent{
			EventID:    uuid.NewString(),
			SiteID:     site,
			RecordIDs:  bySite[site],
			Failed:     failed,
			IngestedAt: now,
		}

		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventTimeout)
		err := p.publisher.PublishIngested(pubCtx, event)
		cancel()

		if err != nil {
			metrics.EventsPublished.WithLabelValues("error").Inc()
			p.logger.Warn("Failed to publish ingest event", "site_id", site, "event_id", event.EventID, "error", err)
			continue
		}
		metrics.EventsPublished.WithLabelValues("sent").Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
