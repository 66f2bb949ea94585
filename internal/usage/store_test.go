package usage

import (
	"math"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "usage.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndTotals(t *testing.T) {
	s := openStore(t)

	s.Record(30, "whisper-1", 0.003, false)
	s.Record(60, "whisper-1", 0.006, true)
	s.Record(10, "whisper-base-en", 0, false)

	got, err := s.Totals(time.Time{})
	if err != nil {
		t.Fatalf("Totals() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Totals() returned %d rows, want 2", len(got))
	}

	// ordered by backend
	local, cloud := got[0], got[1]
	if local.Backend != "whisper-base-en" || local.Requests != 1 || local.Seconds != 10 || local.Cost != 0 {
		t.Errorf("local total = %+v", local)
	}
	if cloud.Backend != "whisper-1" || cloud.Requests != 2 || cloud.Seconds != 90 || cloud.Translations != 1 {
		t.Errorf("cloud total = %+v", cloud)
	}
	if math.Abs(cloud.Cost-0.009) > 1e-9 {
		t.Errorf("cloud cost = %v, want 0.009", cloud.Cost)
	}
}

func TestTotalsSince(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base.Add(-48 * time.Hour) }
	s.Record(5, "whisper-1", 0.0005, false)
	s.now = func() time.Time { return base }
	s.Record(7, "whisper-1", 0.0007, false)

	got, err := s.Totals(base.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Seconds != 7 {
		t.Errorf("Totals(last hour) = %+v, want only the 7s record", got)
	}
}

func TestEntriesOldestFirst(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base.Add(time.Hour) }
	s.Record(20, "whisper-1", 0.002, true)
	s.now = func() time.Time { return base.Add(-time.Hour) }
	s.Record(10, "whisper-large-v3", 0.0003, false)
	s.now = func() time.Time { return base.Add(-72 * time.Hour) }
	s.Record(99, "whisper-1", 0.01, false)

	got, err := s.Entries(base.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Entries() returned %d rows, want 2", len(got))
	}
	if got[0].Backend != "whisper-large-v3" || got[0].Seconds != 10 || got[0].Translation {
		t.Errorf("first entry = %+v", got[0])
	}
	if !got[0].At.Equal(base.Add(-time.Hour)) {
		t.Errorf("first entry At = %v, want %v", got[0].At, base.Add(-time.Hour))
	}
	if got[1].Backend != "whisper-1" || !got[1].Translation {
		t.Errorf("second entry = %+v", got[1])
	}
}

func TestRecordAfterCloseDoesNotPanic(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	s.Record(1, "whisper-1", 0, false)
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Record(3, "gpt-4o-transcribe", 0.0003, false)
	_ = s.Close()

	s = openStoreAt(t, path)
	got, err := s.Totals(time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Requests != 1 {
		t.Errorf("Totals() after reopen = %+v", got)
	}
}

func openStoreAt(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", path, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
