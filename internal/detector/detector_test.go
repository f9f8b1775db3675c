package detector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/developingchet/ip-tracker/internal/storage"
	"github.com/developingchet/ip-tracker/internal/testutil"
	"github.com/rs/zerolog"
)

var now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newDetector(store storage.Store) *Detector {
	return New(store, Config{Now: func() time.Time { return now }}, zerolog.Nop())
}

func seed(t *testing.T, store storage.Store, addr, path string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := storage.RequestLogEntry{Address: addr, Path: path, Timestamp: at}
		if err := store.AppendRequestLog(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
}

func suspicious(t *testing.T, store storage.Store, addr string) *storage.SuspiciousAddress {
	t.Helper()
	rec, err := store.GetSuspicious(context.Background(), addr)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestRun_VolumeRule(t *testing.T) {
	store := testutil.NewMockStore()
	seed(t, store, "203.0.113.1", "/", 101, now.Add(-10*time.Minute))
	seed(t, store, "203.0.113.2", "/", 100, now.Add(-10*time.Minute))

	sum, err := newDetector(store).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec := suspicious(t, store, "203.0.113.1")
	if rec == nil || !strings.Contains(rec.Reason, "101") {
		t.Fatalf("expected volume reason with 101, got %+v", rec)
	}
	if rec.Reason != "High request volume: 101 requests in the last hour." {
		t.Errorf("unexpected reason %q", rec.Reason)
	}
	if suspicious(t, store, "203.0.113.2") != nil {
		t.Error("exactly the threshold must not be flagged")
	}
	if sum.VolumeFlagged != 1 {
		t.Errorf("VolumeFlagged = %d", sum.VolumeFlagged)
	}
	if sum.Message() != CompletedMessage {
		t.Errorf("unexpected message %q", sum.Message())
	}
}

func TestRun_OldEntriesOutsideWindowIgnored(t *testing.T) {
	store := testutil.NewMockStore()
	seed(t, store, "203.0.113.3", "/", 150, now.Add(-2*time.Hour))
	seed(t, store, "203.0.113.3", "/admin/x", 1, now.Add(-90*time.Minute))

	if _, err := newDetector(store).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec := suspicious(t, store, "203.0.113.3"); rec != nil {
		t.Errorf("entries outside the window must be ignored, got %+v", rec)
	}
}

func TestRun_SensitivePath(t *testing.T) {
	store := testutil.NewMockStore()
	seed(t, store, "198.51.100.4", "/admin/settings", 1, now.Add(-time.Minute))
	seed(t, store, "198.51.100.5", "/administrator", 1, now.Add(-time.Minute))

	sum, err := newDetector(store).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec := suspicious(t, store, "198.51.100.4")
	if rec == nil || !strings.Contains(rec.Reason, "/admin/") {
		t.Fatalf("expected path reason, got %+v", rec)
	}
	if suspicious(t, store, "198.51.100.5") != nil {
		t.Error("/administrator does not start with /admin/")
	}
	if sum.PathFlagged != 1 {
		t.Errorf("PathFlagged = %d", sum.PathFlagged)
	}
}

func TestRun_EmptySensitivePathsDisablesPathRule(t *testing.T) {
	store := testutil.NewMockStore()
	seed(t, store, "198.51.100.4", "/admin/settings", 1, now.Add(-time.Minute))

	d := New(store, Config{SensitivePaths: []string{}, Now: func() time.Time { return now }}, zerolog.Nop())
	sum, err := d.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.PathFlagged != 0 || suspicious(t, store, "198.51.100.4") != nil {
		t.Errorf("path rule should be off, got %+v", sum)
	}
}

func TestRun_LastRuleWins(t *testing.T) {
	store := testutil.NewMockStore()
	seed(t, store, "192.0.2.1", "/", 120, now.Add(-time.Minute))
	seed(t, store, "192.0.2.1", "/admin/a", 1, now.Add(-time.Minute))
	seed(t, store, "192.0.2.1", "/login/", 1, now.Add(-time.Minute))

	if _, err := newDetector(store).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := suspicious(t, store, "192.0.2.1")
	if rec == nil || rec.Reason != PathReason("/login/") {
		t.Errorf("expected last configured prefix to win, got %+v", rec)
	}
}

func TestRun_Idempotent(t *testing.T) {
	store := testutil.NewMockStore()
	seed(t, store, "192.0.2.9", "/login/", 1, now.Add(-time.Minute))
	d := newDetector(store)
	for i := 0; i < 3; i++ {
		if _, err := d.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	all, _ := store.ListSuspicious(context.Background())
	if len(all) != 1 {
		t.Errorf("expected one record after repeated runs, got %d", len(all))
	}
}

func TestRun_OneRuleFailureDoesNotStopOther(t *testing.T) {
	store := testutil.NewMockStore()
	seed(t, store, "192.0.2.10", "/admin/", 1, now.Add(-time.Minute))
	store.SetError("CountRequestsByAddress", errors.New("query timeout"))

	sum, err := newDetector(store).Run(context.Background())
	if err == nil {
		t.Fatal("volume rule failure must be reported")
	}
	if sum.PathFlagged != 1 {
		t.Errorf("path rule should still run, PathFlagged=%d", sum.PathFlagged)
	}
	if suspicious(t, store, "192.0.2.10") == nil {
		t.Error("path rule should have flagged the address")
	}
}

func TestRun_UpsertFailureReported(t *testing.T) {
	store := testutil.NewMockStore()
	seed(t, store, "192.0.2.11", "/admin/", 1, now.Add(-time.Minute))
	store.SetError("UpsertSuspicious", errors.New("write failed"))

	if _, err := newDetector(store).Run(context.Background()); err == nil {
		t.Error("upsert failure must be reported")
	}
}

func TestRun_NoOverlap(t *testing.T) {
	d := newDetector(testutil.NewMockStore())
	d.mu.Lock()
	_, err := d.Run(context.Background())
	d.mu.Unlock()
	if !errors.Is(err, ErrRunning) {
		t.Errorf("expected ErrRunning while a pass is in flight, got %v", err)
	}
}

func TestRun_ConcurrentWithBboltStore(t *testing.T) {
	store, err := storage.NewBboltStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	seed(t, store, "203.0.113.50", "/admin/", 1, now.Add(-time.Minute))
	d1 := newDetector(store)
	d2 := newDetector(store)

	var wg sync.WaitGroup
	for _, d := range []*Detector{d1, d2} {
		wg.Add(1)
		go func(d *Detector) {
			defer wg.Done()
			if _, err := d.Run(context.Background()); err != nil {
				t.Error(err)
			}
		}(d)
	}
	wg.Wait()

	all, _ := store.ListSuspicious(context.Background())
	if len(all) != 1 {
		t.Errorf("concurrent passes must not duplicate records, got %d", len(all))
	}
}

func TestScheduler_RunOnStartAndStop(t *testing.T) {
	store := testutil.NewMockStore()
	seed(t, store, "192.0.2.20", "/login/", 1, time.Now().Add(-time.Minute))
	d := New(store, Config{}, zerolog.Nop())
	s := NewScheduler(d, time.Hour, true, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for store.Calls("CountRequestsByAddress") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if store.Calls("CountRequestsByAddress") == 0 {
		t.Error("run-on-start should trigger an immediate pass")
	}
}
