package ledger

import (
	"testing"
	"time"

	"medsync/internal/mirror"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fileHash(t *testing.T, s *SQLiteStore, remotePath string) string {
	t.Helper()
	var hash string
	if err := s.db.QueryRow("SELECT hash FROM files WHERE remote_path = ?", remotePath).Scan(&hash); err != nil {
		t.Fatalf("reading hash of %s: %v", remotePath, err)
	}
	return hash
}

func TestSQLiteStore_SaveWritesOnlyChangedRows(t *testing.T) {
	s := newTestSQLiteStore(t)
	l := sampleLedger()
	if err := s.Save(l); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// A row rewritten by a later Save would lose this marker.
	if _, err := s.db.Exec("UPDATE files SET hash = 'marker' WHERE remote_path = 'Music/a.mp3'"); err != nil {
		t.Fatalf("marking row: %v", err)
	}

	rec, _ := l.Get("Music/b.mp3")
	rec.Hash = "bb2"
	l.Upsert("Music/b.mp3", rec)
	l.Upsert("Music/c.mp3", mirror.FileRecord{
		LocalPath:    "/lib/Music/c.mp3",
		Filename:     "c.mp3",
		Size:         10,
		Hash:         "cc",
		DownloadedAt: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	if err := s.Save(l); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if got := fileHash(t, s, "Music/a.mp3"); got != "marker" {
		t.Errorf("unchanged row hash = %q, want it left alone", got)
	}
	if got := fileHash(t, s, "Music/b.mp3"); got != "bb2" {
		t.Errorf("changed row hash = %q, want bb2", got)
	}
	if got := fileHash(t, s, "Music/c.mp3"); got != "cc" {
		t.Errorf("new row hash = %q, want cc", got)
	}
}

func TestSQLiteStore_SaveAfterLoadDiffsAgainstLoaded(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := s.Save(sampleLedger()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	l, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	l.Remove("Music/b.mp3")
	l.SetIgnored([]string{"Music/b.nfo", "Music/a.nfo"})
	if err := s.Save(l); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&n); err != nil {
		t.Fatalf("counting files: %v", err)
	}
	if n != 1 {
		t.Errorf("files rows = %d, want 1", n)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got.Ignored) != 2 || got.Ignored[0] != "Music/a.nfo" || got.Ignored[1] != "Music/b.nfo" {
		t.Errorf("Ignored = %v, want [Music/a.nfo Music/b.nfo]", got.Ignored)
	}
}

func TestSQLiteStore_FirstSaveClearsStaleRows(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := s.Save(sampleLedger()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// A second store on the same database has no snapshot yet.
	fresh := &SQLiteStore{db: s.db}
	l := mirror.NewLedger()
	l.SyncCount = 1
	if err := fresh.Save(l); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&n); err != nil {
		t.Fatalf("counting files: %v", err)
	}
	if n != 0 {
		t.Errorf("files rows = %d, want 0", n)
	}
}
