package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Guizzs26/go-scan-sync/internal/models"
)

// QuarantineStore receives records the server keeps rejecting
type QuarantineStore interface {
	Append(ctx context.Context, rec models.ScanRecord) error
}

// QuarantinePolicy counts per-record rejections and moves a record aside after maxFailures
// With maxFailures 0 (or a nil policy) rejected records are retried forever
// Counts live in memory only; a restart gives every record a fresh budget
type QuarantinePolicy struct {
	store       QuarantineStore
	maxFailures int
	logger      *slog.Logger

	mu       sync.Mutex
	failures map[string]int
}

func NewQuarantinePolicy(store QuarantineStore, maxFailures int, l *slog.Logger) *QuarantinePolicy {
	return &QuarantinePolicy{
		store:       store,
		maxFailures: maxFailures,
		logger:      l,
		failures:    make(map[string]int),
	}
}

// Apply records one more rejection for each failed record and returns the ids
// that were written to the quarantine store and may now be pruned
func (p *QuarantinePolicy) Apply(ctx context.Context, pending map[string]models.ScanRecord, failed []models.FailedRecord) map[string]struct{} {
	out := map[string]struct{}{}
	if p == nil || p.maxFailures <= 0 || p.store == nil {
		return out
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, f := range failed {
		p.failures[f.ID]++
		if p.failures[f.ID] < p.maxFailures {
			continue
		}

		rec, ok := pending[f.ID]
		if !ok {
			continue
		}

		l := p.logger.With("id", f.ID, "barcode", rec.Barcode)
		// Quarantine before prune: a crash in between duplicates the record, it never loses it
		if err := p.store.Append(ctx, rec); err != nil {
			l.Error("CRITICAL: failed to quarantine record, keeping it pending", "error", err)
			continue
		}

		l.Warn("Record quarantined after repeated rejections",
			"failures", p.failures[f.ID],
			"last_error", f.Error,
		)
		out[f.ID] = struct{}{}
	}

	return out
}

// Forget drops the counters of records that left the pending queue
func (p *QuarantinePolicy) Forget(ids map[string]struct{}) {
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range ids {
		delete(p.failures, id)
	}
}

// Failures returns the current rejection count for id
func (p *QuarantinePolicy) Failures(id string) int {
	if p == nil {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[id]
}
