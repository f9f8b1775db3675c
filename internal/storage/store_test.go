package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	s, err := NewGormStore(sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachBackend runs fn against every Store implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	backends := map[string]func(*testing.T) Store{
		"bbolt":  newTestStore,
		"sqlite": newSQLiteStore,
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func strPtr(s string) *string { return &s }

func TestBlockAddIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const ip = "203.0.113.7"

		exists, err := s.BlockExists(ctx, ip)
		if err != nil || exists {
			t.Fatalf("BlockExists before add: err=%v, exists=%v", err, exists)
		}

		created, err := s.BlockAdd(ctx, ip, "cli")
		if err != nil || !created {
			t.Fatalf("first BlockAdd: err=%v, created=%v", err, created)
		}
		created, err = s.BlockAdd(ctx, ip, "cli")
		if err != nil {
			t.Fatalf("second BlockAdd: %v", err)
		}
		if created {
			t.Error("second BlockAdd should report created=false")
		}

		list, err := s.BlockList(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 {
			t.Fatalf("expected exactly one blocked row, got %d", len(list))
		}
		if list[0].Address != ip || list[0].Source != "cli" {
			t.Errorf("unexpected row %+v", list[0])
		}

		exists, _ = s.BlockExists(ctx, ip)
		if !exists {
			t.Error("BlockExists after add should be true")
		}
	})
}

func TestBlockGetAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.BlockGet(ctx, "198.51.100.1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("BlockGet missing: expected ErrNotFound, got %v", err)
		}
		if _, err := s.BlockAdd(ctx, "198.51.100.1", "crowdsec"); err != nil {
			t.Fatal(err)
		}
		got, err := s.BlockGet(ctx, "198.51.100.1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Source != "crowdsec" {
			t.Errorf("Source: got %q", got.Source)
		}

		removed, err := s.BlockDelete(ctx, "198.51.100.1")
		if err != nil || !removed {
			t.Fatalf("BlockDelete: err=%v removed=%v", err, removed)
		}
		removed, err = s.BlockDelete(ctx, "198.51.100.1")
		if err != nil || removed {
			t.Fatalf("second BlockDelete: err=%v removed=%v", err, removed)
		}
	})
}

func TestCountRequestsByAddressWindow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()

		// Outside the window
		if err := s.AppendRequestLog(ctx, RequestLogEntry{Address: "1.1.1.1", Path: "/", Timestamp: now.Add(-2 * time.Hour)}); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 3; i++ {
			if err := s.AppendRequestLog(ctx, RequestLogEntry{Address: "1.1.1.1", Path: "/", Timestamp: now}); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.AppendRequestLog(ctx, RequestLogEntry{
			Address: "2.2.2.2", Path: "/x", Timestamp: now,
			Country: strPtr("Germany"), City: strPtr("Berlin"),
		}); err != nil {
			t.Fatal(err)
		}

		counts, err := s.CountRequestsByAddress(ctx, now.Add(-time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if counts["1.1.1.1"] != 3 {
			t.Errorf("1.1.1.1: expected 3 in window, got %d", counts["1.1.1.1"])
		}
		if counts["2.2.2.2"] != 1 {
			t.Errorf("2.2.2.2: expected 1 in window, got %d", counts["2.2.2.2"])
		}
	})
}

func TestAddressesWithPathPrefix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		entries := []RequestLogEntry{
			{Address: "10.0.0.2", Path: "/admin/settings", Timestamp: now},
			{Address: "10.0.0.2", Path: "/admin/users", Timestamp: now},
			{Address: "10.0.0.1", Path: "/admin/", Timestamp: now},
			{Address: "10.0.0.3", Path: "/administrator", Timestamp: now},
			{Address: "10.0.0.4", Path: "/admin/old", Timestamp: now.Add(-3 * time.Hour)},
			{Address: "10.0.0.5", Path: "/admin_x/", Timestamp: now},
		}
		for _, e := range entries {
			if err := s.AppendRequestLog(ctx, e); err != nil {
				t.Fatal(err)
			}
		}

		got, err := s.AddressesWithPathPrefix(ctx, now.Add(-time.Hour), "/admin/")
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"10.0.0.1", "10.0.0.2"}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("got %v, want %v", got, want)
		}

		// "_" must match literally, not as a wildcard.
		got, err = s.AddressesWithPathPrefix(ctx, now.Add(-time.Hour), "/admin_")
		if err != nil {
			t.Fatal(err)
		}
		if fmt.Sprint(got) != fmt.Sprint([]string{"10.0.0.5"}) {
			t.Errorf("literal underscore prefix: got %v", got)
		}
	})
}

func TestUpsertSuspiciousOverwritesReason(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.UpsertSuspicious(ctx, "5.5.5.5", "first"); err != nil {
			t.Fatal(err)
		}
		if err := s.UpsertSuspicious(ctx, "5.5.5.5", "second"); err != nil {
			t.Fatal(err)
		}
		rec, err := s.GetSuspicious(ctx, "5.5.5.5")
		if err != nil {
			t.Fatal(err)
		}
		if rec.Reason != "second" {
			t.Errorf("Reason: got %q, want %q", rec.Reason, "second")
		}
		if rec.UpdatedAt.IsZero() {
			t.Error("UpdatedAt should be set")
		}

		list, err := s.ListSuspicious(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 {
			t.Fatalf("expected one suspicious row, got %d", len(list))
		}

		if _, err := s.GetSuspicious(ctx, "6.6.6.6"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPruneRequestLogs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		_ = s.AppendRequestLog(ctx, RequestLogEntry{Address: "a", Path: "/", Timestamp: now.Add(-48 * time.Hour)})
		_ = s.AppendRequestLog(ctx, RequestLogEntry{Address: "b", Path: "/", Timestamp: now.Add(-25 * time.Hour)})
		_ = s.AppendRequestLog(ctx, RequestLogEntry{Address: "c", Path: "/", Timestamp: now})

		pruned, err := s.PruneRequestLogs(ctx, now.Add(-24*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if pruned != 2 {
			t.Fatalf("expected 2 pruned, got %d", pruned)
		}
		counts, err := s.CountRequestsByAddress(ctx, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		if len(counts) != 1 || counts["c"] != 1 {
			t.Errorf("unexpected remaining rows: %v", counts)
		}
	})
}

func TestSizeBytes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		size, err := s.SizeBytes()
		if err != nil {
			t.Fatalf("SizeBytes: %v", err)
		}
		if size <= 0 {
			t.Errorf("expected positive size, got %d", size)
		}
	})
}

func TestConcurrentUpsertSameAddress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.UpsertSuspicious(ctx, "7.7.7.7", fmt.Sprintf("reason-%d", i)); err != nil {
				t.Errorf("UpsertSuspicious: %v", err)
			}
		}(i)
	}
	wg.Wait()

	list, err := s.ListSuspicious(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("concurrent upserts must leave one row, got %d", len(list))
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.BlockAdd(ctx, "9.9.9.9", "cli"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := NewBboltStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	exists, err := s2.BlockExists(ctx, "9.9.9.9")
	if err != nil || !exists {
		t.Fatalf("block should survive reopen: err=%v exists=%v", err, exists)
	}
}
