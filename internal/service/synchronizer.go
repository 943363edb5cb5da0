package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-scan-sync/internal/models"
	"github.com/Guizzs26/go-scan-sync/internal/upload"
	"github.com/Guizzs26/go-scan-sync/pkg/metrics"
)

// ErrSyncInFlight is returned when a cycle is requested while another one is running
var ErrSyncInFlight = errors.New("sync cycle already in flight")

// Queue is the pending-record store the sync engine drains
type Queue interface {
	ReadAll(ctx context.Context) ([]models.ScanRecord, error)
	Prune(ctx context.Context, ids map[string]struct{}) (int, error)
	Len(ctx context.Context) (int, error)
}

// Uploader delivers one batch to the ingest server
type Uploader interface {
	Upload(ctx context.Context, records []models.WireRecord) (*models.UploadResponse, error)
}

type State int32

const (
	StateIdle State = iota
	StateDraining
	StateAwaitingResponse
	StateReconciling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateReconciling:
		return "reconciling"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CycleResult summarises one sync cycle
type CycleResult struct {
	Sent         int
	Acknowledged int
	Failed       int
	Quarantined  int
	Pruned       int
}

// SyncService moves pending scans from the local queue to the ingest server
// A record leaves the queue only after the server acknowledged it by id
type SyncService struct {
	queue      Queue
	uploader   Uploader
	quarantine *QuarantinePolicy
	interval   time.Duration
	logger     *slog.Logger
	nowFunc    func() time.Time

	running atomic.Bool
	state   atomic.Int32

	mu          sync.RWMutex
	lastSuccess time.Time
}

func NewSyncService(q Queue, u Uploader, quarantine *QuarantinePolicy, interval time.Duration, l *slog.Logger) *SyncService {
	return &SyncService{
		queue:      q,
		uploader:   u,
		quarantine: quarantine,
		interval:   interval,
		logger:     l,
		nowFunc:    time.Now,
	}
}

// State reports the current phase of the sync cycle
func (s *SyncService) State() State {
	return State(s.state.Load())
}

// LastSuccess is the time of the last cycle answered with HTTP 200; zero if none yet
func (s *SyncService) LastSuccess() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSuccess
}

// Run syncs once immediately and then on every tick until ctx is canceled
func (s *SyncService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("🔄 Sync service started", "interval", s.interval.String())

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sync service shutting down...")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *SyncService) runOnce(ctx context.Context) {
	_, err := s.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, upload.ErrUploadDisabled):
		s.logger.Debug("Sync skipped: uploads disabled")
	case errors.Is(err, ErrSyncInFlight):
		s.logger.Debug("Sync skipped: previous cycle still running")
	case ctx.Err() != nil:
		s.logger.Warn("Sync cycle abandoned on shutdown", "error", err)
	default:
		s.logger.Error("Sync cycle failed", "error", err)
	}
}

// RunCycle drains the queue into one upload and reconciles the answer
func (s *SyncService) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	if !s.running.CompareAndSwap(false, true) {
		return res, ErrSyncInFlight
	}
	defer s.running.Store(false)
	defer s.setState(StateIdle)

	s.setState(StateDraining)
	records, err := s.queue.ReadAll(ctx)
	if err != nil {
		metrics.SyncCycles.WithLabelValues("queue_error").Inc()
		return res, fmt.Errorf("read pending records: %w", err)
	}
	metrics.QueueBacklog.Set(float64(len(records)))

	if len(records) == 0 {
		metrics.SyncCycles.WithLabelValues("empty").Inc()
		return res, nil
	}

	batch := make([]models.WireRecord, len(records))
	byID := make(map[string]models.ScanRecord, len(records))
	for i, rec := range records {
		batch[i] = rec.Wire()
		byID[rec.ID] = rec
	}
	res.Sent = len(batch)
	metrics.BatchSize.Observe(float64(len(batch)))

	s.setState(StateAwaitingResponse)
	start := time.Now()
	resp, err := s.uploader.Upload(ctx, batch)
	if err != nil {
		var statusErr *upload.StatusError
		switch {
		case errors.Is(err, upload.ErrUploadDisabled):
			metrics.SyncCycles.WithLabelValues("disabled").Inc()
			return res, err
		case errors.As(err, &statusErr):
			metrics.SyncCycles.WithLabelValues("http_error").Inc()
		default:
			metrics.SyncCycles.WithLabelValues("transport_error").Inc()
		}
		return res, fmt.Errorf("upload batch of %d records, kept pending: %w", len(batch), err)
	}
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	now := s.nowFunc()
	s.mu.Lock()
	s.lastSuccess = now
	s.mu.Unlock()
	metrics.LastSuccessfulSync.Set(float64(now.Unix()))

	s.setState(StateReconciling)

	prune := make(map[string]struct{}, len(resp.SuccessIDs))
	for _, id := range resp.SuccessIDs {
		if _, ok := byID[id]; ok {
			prune[id] = struct{}{}
		}
	}
	res.Acknowledged = len(prune)

	failed := make([]models.FailedRecord, 0, len(resp.FailedRecords))
	for _, f := range resp.FailedRecords {
		if _, ok := byID[f.ID]; !ok {
			continue
		}
		if _, acked := prune[f.ID]; acked {
			continue
		}
		failed = append(failed, f)
		s.logger.Warn("Server rejected record", "id", f.ID, "error", f.Error)
	}
	res.Failed = len(failed)

	quarantined := s.quarantine.Apply(ctx, byID, failed)
	for id := range quarantined {
		prune[id] = struct{}{}
	}
	res.Quarantined = len(quarantined)

	metrics.SyncRecords.WithLabelValues("acknowledged").Add(float64(res.Acknowledged))
	metrics.SyncRecords.WithLabelValues("failed").Add(float64(res.Failed))
	metrics.SyncRecords.WithLabelValues("quarantined").Add(float64(res.Quarantined))

	pruned, err := s.queue.Prune(ctx, prune)
	if err != nil {
		metrics.SyncCycles.WithLabelValues("queue_error").Inc()
		return res, fmt.Errorf("prune acknowledged records: %w", err)
	}
	res.Pruned = pruned
	s.quarantine.Forget(prune)

	if n, err := s.queue.Len(ctx); err == nil {
		metrics.QueueBacklog.Set(float64(n))
	}

	result := "success"
	if res.Failed > 0 {
		result = "partial"
	}
	metrics.SyncCycles.WithLabelValues(result).Inc()

	s.logger.Info("Sync cycle telemetry",
		"sent", res.Sent,
		"acknowledged", res.Acknowledged,
		"failed", res.Failed,
		"quarantined", res.Quarantined,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return res, nil
}

func (s *SyncService) setState(st State) {
	s.state.Store(int32(st))
}
