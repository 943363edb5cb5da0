package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Guizzs26/go-scan-sync/internal/capture"
	"github.com/Guizzs26/go-scan-sync/internal/models"
	"github.com/Guizzs26/go-scan-sync/internal/queue"
	"github.com/Guizzs26/go-scan-sync/internal/upload"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeIngest mimics the ingest endpoint: rejects barcodes listed in reject and dedups by id
type fakeIngest struct {
	mu       sync.Mutex
	stored   map[string]models.WireRecord
	reject   map[string]bool
	requests atomic.Int32
	status   atomic.Int32
}

func newFakeIngest() *fakeIngest {
	f := &fakeIngest{
		stored: map[string]models.WireRecord{},
		reject: map[string]bool{},
	}
	f.status.Store(http.StatusOK)
	return f
}

func (f *fakeIngest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	if code := int(f.status.Load()); code != http.StatusOK {
		w.WriteHeader(code)
		w.Write([]byte(`{"error":"Database connection failed"}`))
		return
	}

	var batch []models.WireRecord
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	success := []string{}
	failed := []models.FailedRecord{}
	for _, rec := range batch {
		if f.reject[rec.Barcode] {
			failed = append(failed, models.FailedRecord{ID: rec.ID, Error: "value too long"})
			continue
		}
		f.stored[rec.ID] = rec
		success = append(success, rec.ID)
	}
	json.NewEncoder(w).Encode(models.NewUploadResponse(success, failed))
}

func (f *fakeIngest) rejectBarcode(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject[code] = true
}

func (f *fakeIngest) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

type rig struct {
	queue   *queue.FileQueue
	station *capture.Station
	ingest  *fakeIngest
	server  *httptest.Server
	sync    *SyncService
}

func newRig(t *testing.T, quarantine *QuarantinePolicy) *rig {
	t.Helper()

	q, err := queue.OpenFile(filepath.Join(t.TempDir(), "cache.txt"), discardLogger())
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}

	ingest := newFakeIngest()
	srv := httptest.NewServer(ingest)
	t.Cleanup(srv.Close)

	client := upload.NewClient(srv.URL+"/upload", "k", upload.NewHTTPClient(2*time.Second))
	return &rig{
		queue:   q,
		station: capture.NewStation(q, capture.NewLogAnnouncer(discardLogger()), "site-1", discardLogger()),
		ingest:  ingest,
		server:  srv,
		sync:    NewSyncService(q, client, quarantine, time.Hour, discardLogger()),
	}
}

func (r *rig) scan(t *testing.T, codes ...string) {
	t.Helper()
	for _, c := range codes {
		if _, err := r.station.Scan(context.Background(), c); err != nil {
			t.Fatalf("Scan(%q) error: %v", c, err)
		}
	}
}

func (r *rig) pending(t *testing.T) []models.ScanRecord {
	t.Helper()
	recs, err := r.queue.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	return recs
}

func TestRunCycle_EndToEndDrainsQueue(t *testing.T) {
	r := newRig(t, nil)
	r.scan(t, "A1B2C3D4")

	res, err := r.sync.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if res.Sent != 1 || res.Acknowledged != 1 || res.Pruned != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(r.pending(t)) != 0 {
		t.Fatal("queue should be empty after acknowledged sync")
	}
	if r.ingest.count() != 1 {
		t.Fatalf("server stored %d records, want 1", r.ingest.count())
	}
	if r.sync.LastSuccess().IsZero() {
		t.Fatal("last success not updated")
	}
	if r.sync.State() != StateIdle {
		t.Fatalf("state = %s, want idle", r.sync.State())
	}
}

func TestRunCycle_EmptyQueueMakesNoRequest(t *testing.T) {
	r := newRig(t, nil)

	if _, err := r.sync.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if n := r.ingest.requests.Load(); n != 0 {
		t.Fatalf("server saw %d requests, want 0", n)
	}
	if !r.sync.LastSuccess().IsZero() {
		t.Fatal("last success must not move without a request")
	}
}

func TestRunCycle_UnreachableServerKeepsQueue(t *testing.T) {
	r := newRig(t, nil)
	r.scan(t, "A1", "B2", "C3")
	before := r.pending(t)

	r.server.Close()

	if _, err := r.sync.RunCycle(context.Background()); err == nil {
		t.Fatal("expected error with server down")
	}

	after := r.pending(t)
	if len(after) != len(before) {
		t.Fatalf("pending = %d, want %d", len(after), len(before))
	}
	for i := range before {
		if after[i].ID != before[i].ID {
			t.Fatalf("queue changed at %d", i)
		}
	}
	if !r.sync.LastSuccess().IsZero() {
		t.Fatal("last success must not move on transport failure")
	}
}

func TestRunCycle_ServerErrorKeepsQueue(t *testing.T) {
	r := newRig(t, nil)
	r.scan(t, "A1", "B2")
	r.ingest.status.Store(http.StatusInternalServerError)

	_, err := r.sync.RunCycle(context.Background())
	var se *upload.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 status error, got %v", err)
	}
	if len(r.pending(t)) != 2 {
		t.Fatal("nothing may be pruned on a non-200 answer")
	}
}

func TestRunCycle_PartialFailureKeepsOnlyFailed(t *testing.T) {
	r := newRig(t, nil)
	r.ingest.rejectBarcode("BAD")
	r.scan(t, "A1", "BAD", "C3")

	res, err := r.sync.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if res.Acknowledged != 2 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	left := r.pending(t)
	if len(left) != 1 || left[0].Barcode != "BAD" {
		t.Fatalf("pending after partial success = %+v", left)
	}

	// retried next cycle, still failing, still pending
	if _, err := r.sync.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle error: %v", err)
	}
	if len(r.pending(t)) != 1 {
		t.Fatal("failed record must stay pending when quarantine is off")
	}
}

func TestRunCycle_ResubmissionIsIdempotent(t *testing.T) {
	r := newRig(t, nil)
	r.scan(t, "A1", "B2")
	recs := r.pending(t)

	if _, err := r.sync.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}

	// simulate a crash before prune: the same records come back
	for _, rec := range recs {
		if err := r.queue.Append(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.sync.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}

	if r.ingest.count() != 2 {
		t.Fatalf("server stored %d distinct records, want 2", r.ingest.count())
	}
	if len(r.pending(t)) != 0 {
		t.Fatal("queue should converge to empty")
	}
}

func TestRunCycle_QuarantineAfterRepeatedFailures(t *testing.T) {
	dir := t.TempDir()
	qStore, err := queue.OpenFile(filepath.Join(dir, "cache.quarantine.txt"), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	policy := NewQuarantinePolicy(qStore, 2, discardLogger())

	r := newRig(t, policy)
	r.ingest.rejectBarcode("BAD")
	r.scan(t, "BAD", "OK1")

	res, err := r.sync.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Quarantined != 0 || len(r.pending(t)) != 1 {
		t.Fatalf("first failure must not quarantine: %+v", res)
	}

	res, err = r.sync.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Quarantined != 1 {
		t.Fatalf("expected one quarantined record, got %+v", res)
	}
	if len(r.pending(t)) != 0 {
		t.Fatal("quarantined record should leave the pending queue")
	}

	moved, err := qStore.ReadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 1 || moved[0].Barcode != "BAD" {
		t.Fatalf("quarantine contents = %+v", moved)
	}
}

type blockingUploader struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingUploader) Upload(ctx context.Context, recs []models.WireRecord) (*models.UploadResponse, error) {
	close(b.entered)
	<-b.release
	resp := models.NewUploadResponse(nil, nil)
	return &resp, nil
}

func TestRunCycle_SingleFlight(t *testing.T) {
	q, err := queue.OpenFile(filepath.Join(t.TempDir(), "cache.txt"), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	q.Append(context.Background(), models.NewScanRecord("A1", "s", time.Now()))

	up := &blockingUploader{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSyncService(q, up, nil, time.Hour, discardLogger())

	done := make(chan error, 1)
	go func() {
		_, err := s.RunCycle(context.Background())
		done <- err
	}()

	<-up.entered
	if s.State() != StateAwaitingResponse {
		t.Fatalf("state = %s, want awaiting_response", s.State())
	}
	if _, err := s.RunCycle(context.Background()); !errors.Is(err, ErrSyncInFlight) {
		t.Fatalf("expected ErrSyncInFlight, got %v", err)
	}

	close(up.release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle error: %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %s, want idle", s.State())
	}
}

func TestRunCycle_UploadDisabled(t *testing.T) {
	q, err := queue.OpenFile(filepath.Join(t.TempDir(), "cache.txt"), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	q.Append(context.Background(), models.NewScanRecord("A1", "s", time.Now()))

	s := NewSyncService(q, upload.NewClient("", "", upload.NewHTTPClient(time.Second)), nil, time.Hour, discardLogger())
	if _, err := s.RunCycle(context.Background()); !errors.Is(err, upload.ErrUploadDisabled) {
		t.Fatalf("expected ErrUploadDisabled, got %v", err)
	}
	if n, _ := q.Len(context.Background()); n != 1 {
		t.Fatal("record must stay pending while uploads are disabled")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := newRig(t, nil)
	r.scan(t, "A1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.sync.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(r.pending(t)) != 0 {
		select {
		case <-deadline:
			t.Fatal("initial cycle did not drain the queue")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunOnce_LogsFailedUploadOnce(t *testing.T) {
	r := newRig(t, nil)
	r.scan(t, "A1B2C3D4")
	r.ingest.status.Store(http.StatusInternalServerError)

	var buf bytes.Buffer
	r.sync.logger = slog.New(slog.NewTextHandler(&buf, nil))

	r.sync.runOnce(context.Background())

	out := buf.String()
	if n := strings.Count(out, "level=ERROR"); n != 1 {
		t.Fatalf("expected one error line, got %d:\n%s", n, out)
	}
	if n := strings.Count(out, "level=WARN"); n != 0 {
		t.Fatalf("unexpected warnings for a failed upload:\n%s", out)
	}
	if !strings.Contains(out, "kept pending") {
		t.Fatalf("log line misses the batch outcome:\n%s", out)
	}
}
