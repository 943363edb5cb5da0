package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Guizzs26/go-scan-sync/internal/config"
	"github.com/Guizzs26/go-scan-sync/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openBackends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	file, err := Open(ctx, config.QueueBackendFile, filepath.Join(dir, "cache.txt"), discardLogger())
	if err != nil {
		t.Fatalf("open file queue: %v", err)
	}
	lite, err := Open(ctx, config.QueueBackendSQLite, filepath.Join(dir, "cache.db"), discardLogger())
	if err != nil {
		t.Fatalf("open sqlite queue: %v", err)
	}
	t.Cleanup(func() {
		file.Close()
		lite.Close()
	})

	return map[string]Backend{"file": file, "sqlite": lite}
}

func makeRecords(n int, prefix string) []models.ScanRecord {
	base := time.Date(2024, 5, 1, 9, 30, 0, 0, time.Local)
	out := make([]models.ScanRecord, n)
	for i := range out {
		out[i] = models.ScanRecord{
			ID:         fmt.Sprintf("%s-%03d", prefix, i),
			Barcode:    fmt.Sprintf("BC%05d", i),
			CapturedAt: base.Add(time.Duration(i) * time.Second),
			SiteID:     "site-1",
		}
	}
	return out
}

func assertRecords(t *testing.T, got, want []models.ScanRecord) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.ID != w.ID || g.Barcode != w.Barcode || g.SiteID != w.SiteID || !g.CapturedAt.Equal(w.CapturedAt) {
			t.Fatalf("record %d = %+v, want %+v", i, g, w)
		}
	}
}

func TestReadAll_EmptyStore(t *testing.T) {
	for name, q := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := q.ReadAll(context.Background())
			if err != nil {
				t.Fatalf("ReadAll error: %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Fatalf("expected empty non-nil slice, got %#v", got)
			}
		})
	}
}

func TestAppendReadAll_PreservesOrder(t *testing.T) {
	for name, q := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := makeRecords(25, name)
			for _, rec := range want {
				if err := q.Append(ctx, rec); err != nil {
					t.Fatalf("Append error: %v", err)
				}
			}

			got, err := q.ReadAll(ctx)
			if err != nil {
				t.Fatalf("ReadAll error: %v", err)
			}
			assertRecords(t, got, want)

			n, err := q.Len(ctx)
			if err != nil || n != 25 {
				t.Fatalf("Len = %d, %v; want 25", n, err)
			}
		})
	}
}

func TestPrune_SubsetKeepsRemainderInOrder(t *testing.T) {
	for name, q := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			all := makeRecords(10, name)
			for _, rec := range all {
				if err := q.Append(ctx, rec); err != nil {
					t.Fatalf("Append error: %v", err)
				}
			}

			removed, err := q.Prune(ctx, IDSet(all[0].ID, all[3].ID, all[4].ID, all[9].ID, "not-pending"))
			if err != nil {
				t.Fatalf("Prune error: %v", err)
			}
			if removed != 4 {
				t.Fatalf("removed = %d, want 4", removed)
			}

			got, err := q.ReadAll(ctx)
			if err != nil {
				t.Fatalf("ReadAll error: %v", err)
			}
			assertRecords(t, got, []models.ScanRecord{all[1], all[2], all[5], all[6], all[7], all[8]})
		})
	}
}

func TestPrune_EmptySetIsNoop(t *testing.T) {
	for name, q := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			all := makeRecords(3, name)
			for _, rec := range all {
				if err := q.Append(ctx, rec); err != nil {
					t.Fatalf("Append error: %v", err)
				}
			}
			removed, err := q.Prune(ctx, IDSet())
			if err != nil || removed != 0 {
				t.Fatalf("Prune = %d, %v", removed, err)
			}
			got, _ := q.ReadAll(ctx)
			assertRecords(t, got, all)
		})
	}
}

func TestPrune_ConcurrentAppendSurvives(t *testing.T) {
	for name, q := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := makeRecords(200, name+"-old")
			for _, rec := range old {
				if err := q.Append(ctx, rec); err != nil {
					t.Fatalf("Append error: %v", err)
				}
			}
			ids := make([]string, len(old))
			for i, rec := range old {
				ids[i] = rec.ID
			}

			fresh := makeRecords(50, name+"-new")

			var wg sync.WaitGroup
			errs := make(chan error, len(fresh)+1)

			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := q.Prune(ctx, IDSet(ids...)); err != nil {
					errs <- err
				}
			}()
			for _, rec := range fresh {
				wg.Add(1)
				go func(rec models.ScanRecord) {
					defer wg.Done()
					if err := q.Append(ctx, rec); err != nil {
						errs <- err
					}
				}(rec)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("concurrent operation failed: %v", err)
			}

			got, err := q.ReadAll(ctx)
			if err != nil {
				t.Fatalf("ReadAll error: %v", err)
			}
			if len(got) != len(fresh) {
				t.Fatalf("got %d records after prune, want %d", len(got), len(fresh))
			}
			seen := map[string]bool{}
			for _, rec := range got {
				seen[rec.ID] = true
			}
			for _, rec := range fresh {
				if !seen[rec.ID] {
					t.Fatalf("record %s appended during prune was lost", rec.ID)
				}
			}
		})
	}
}

func TestAppend_RejectsInvalidRecords(t *testing.T) {
	for name, q := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			rec := makeRecords(1, name)[0]
			rec.Barcode = "A1\nB2"
			if err := q.Append(context.Background(), rec); !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("expected ErrInvalidRecord, got %v", err)
			}

			rec = makeRecords(1, name)[0]
			rec.Barcode = ""
			if err := q.Append(context.Background(), rec); !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}
}

func TestFileQueue_CommaAndQuoteInBarcode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.txt")
	q, err := OpenFile(path, discardLogger())
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}

	rec := makeRecords(1, "comma")[0]
	rec.Barcode = `LOT,42 "B"`
	if err := q.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	got, err := q.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	assertRecords(t, got, []models.ScanRecord{rec})
}

func TestFileQueue_RecoversTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.txt")
	content := "id-1,A1B2C3D4,2024-05-01 09:30:00,site-1\nid-2,DEAD"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	q, err := OpenFile(path, discardLogger())
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}

	rec := makeRecords(1, "after")[0]
	if err := q.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	got, err := q.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "id-1" || got[0].Barcode != "A1B2C3D4" || got[1].ID != rec.ID {
		t.Fatalf("unexpected records after recovery: %+v", got)
	}
}

func TestFileQueue_IgnoresUnterminatedTailOnRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.txt")
	q, err := OpenFile(path, discardLogger())
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}
	rec := makeRecords(1, "ok")[0]
	if err := q.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("half-written,XY")
	f.Close()

	got, err := q.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	assertRecords(t, got, []models.ScanRecord{rec})
}

func TestFileQueue_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.txt")
	content := "garbage line without fields\n" +
		"id-1,A1,not-a-time,site-1\n" +
		"id-2,B2,2024-05-01 09:30:00,site-1\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	q, err := OpenFile(path, discardLogger())
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}
	got, err := q.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "id-2" {
		t.Fatalf("unexpected records: %+v", got)
	}
}

func TestFileQueue_PruneLeavesNoTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.txt")
	q, err := OpenFile(path, discardLogger())
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}
	all := makeRecords(3, "tmp")
	for _, rec := range all {
		q.Append(context.Background(), rec)
	}
	if _, err := q.Prune(context.Background(), IDSet(all[1].ID)); err != nil {
		t.Fatalf("Prune error: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), "redis", "x", discardLogger()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestFileQueue_PruneKeepsUnreadableLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.txt")
	q, err := OpenFile(path, discardLogger())
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}

	rec := makeRecords(1, "valid")[0]
	if err := q.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	bad := "id-legacy,ABC123,2024/05/01 09:30,site-1\n"
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(bad)
	f.Close()

	removed, err := q.Prune(context.Background(), IDSet(rec.ID))
	if err != nil || removed != 1 {
		t.Fatalf("Prune = %d, %v; want 1", removed, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != bad {
		t.Fatalf("file after prune = %q, want %q", data, bad)
	}
}

func TestFileQueue_ReadsLegacyLineWithCommaInBarcode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.txt")
	content := "id-1,LOT,42,2024-05-01 09:30:00,site-1\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	q, err := OpenFile(path, discardLogger())
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}
	got, err := q.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if len(got) != 1 || got[0].Barcode != "LOT,42" || got[0].SiteID != "site-1" {
		t.Fatalf("unexpected records: %+v", got)
	}
}

func TestFileQueue_AppendAfterTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.txt")
	q, err := OpenFile(path, discardLogger())
	if err != nil {
		t.Fatalf("OpenFile error: %v", err)
	}

	recs := makeRecords(2, "torn")
	if err := q.Append(context.Background(), recs[0]); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	// a write that stopped partway while the process kept running
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("t-torn,BC9")
	f.Close()

	if err := q.Append(context.Background(), recs[1]); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	got, err := q.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	assertRecords(t, got, recs)
}
