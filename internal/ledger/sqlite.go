package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"medsync/internal/ledger/migrations"
	"medsync/internal/mirror"
)

// SQLiteFileName is the database file created by the sqlite store.
const SQLiteFileName = "ledger.db"

// SQLiteStore keeps the ledger in a SQLite database. Each Save runs inside
// one transaction, so a crash leaves the previous ledger.
type SQLiteStore struct {
	db *sql.DB

	mu sync.Mutex
	// saved is the ledger as last loaded or saved; nil until then.
	saved *mirror.Ledger
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates it to the latest schema. path may be ":memory:".
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// OpenConnection opens and configures a SQLite connection for the ledger.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The ledger has a single writer; one connection also keeps ":memory:"
	// databases alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) Load() (*mirror.Ledger, error) {
	ctx := context.Background()
	l := mirror.NewLedger()

	var (
		lastSync sql.NullString
		found    bool
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT last_sync_at, sync_count, last_commit_id FROM ledger_meta WHERE id = 1",
	).Scan(&lastSync, &l.SyncCount, &l.LastCommitID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("reading ledger metadata: %w", err)
	default:
		found = true
	}
	if lastSync.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastSync.String)
		if err != nil {
			return nil, fmt.Errorf("%w: last_sync_at %q: %v", ErrCorrupt, lastSync.String, err)
		}
		l.LastSyncAt = &t
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT remote_path, local_path, filename, size, hash, downloaded_at, source_server FROM files",
	)
	if err != nil {
		return nil, fmt.Errorf("reading ledger files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec          mirror.FileRecord
			size         int64
			downloadedAt string
		)
		if err := rows.Scan(&rec.RemotePath, &rec.LocalPath, &rec.Filename, &size, &rec.Hash, &downloadedAt, &rec.SourceServer); err != nil {
			return nil, fmt.Errorf("scanning ledger file: %w", err)
		}
		if size < 0 {
			return nil, fmt.Errorf("%w: negative size for %s", ErrCorrupt, rec.RemotePath)
		}
		rec.Size = uint64(size)
		if rec.DownloadedAt, err = time.Parse(time.RFC3339Nano, downloadedAt); err != nil {
			return nil, fmt.Errorf("%w: downloaded_at for %s: %v", ErrCorrupt, rec.RemotePath, err)
		}
		l.Files[rec.RemotePath] = rec
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading ledger files: %w", err)
	}

	ignored, err := s.loadIgnored(ctx)
	if err != nil {
		return nil, err
	}
	if len(ignored) > 0 {
		l.Ignored = ignored
		found = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !found {
		s.saved = nil
		return nil, nil
	}
	l.Normalize()
	s.saved = l.Clone()
	return l, nil
}

func (s *SQLiteStore) loadIgnored(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT remote_path FROM ignored_paths")
	if err != nil {
		return nil, fmt.Errorf("reading ignored paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning ignored path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading ignored paths: %w", err)
	}
	return paths, nil
}

// Save writes l. After the first write it only touches the file rows that
// differ from the ledger it last loaded or saved.
func (s *SQLiteStore) Save(l *mirror.Ledger) error {
	ctx := context.Background()
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	prev := s.saved
	if prev == nil {
		if _, err := tx.ExecContext(ctx, "DELETE FROM files"); err != nil {
			return fmt.Errorf("clearing files: %w", err)
		}
		prev = mirror.NewLedger()
	}

	if err := writeFiles(ctx, tx, prev.Files, l.Files); err != nil {
		return err
	}
	if s.saved == nil || !slices.Equal(prev.Ignored, l.Ignored) {
		if err := writeIgnored(ctx, tx, l.Ignored); err != nil {
			return err
		}
	}

	var lastSync sql.NullString
	if l.LastSyncAt != nil {
		lastSync = sql.NullString{String: l.LastSyncAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_meta (id, last_sync_at, sync_count, last_commit_id) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			sync_count = excluded.sync_count,
			last_commit_id = excluded.last_commit_id`,
		lastSync, l.SyncCount, l.LastCommitID,
	)
	if err != nil {
		return fmt.Errorf("writing ledger metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing ledger: %w", err)
	}
	s.saved = l.Clone()
	return nil
}

// writeFiles upserts records of next that are new or differ from prev and
// deletes the paths next no longer holds.
func writeFiles(ctx context.Context, tx *sql.Tx, prev, next map[string]mirror.FileRecord) error {
	upsert, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO files (remote_path, local_path, filename, size, hash, downloaded_at, source_server) VALUES (?, ?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer upsert.Close()

	for p, rec := range next {
		if old, ok := prev[p]; ok && sameRecord(old, rec) {
			continue
		}
		_, err := upsert.ExecContext(ctx, p, rec.LocalPath, rec.Filename, int64(rec.Size), rec.Hash,
			rec.DownloadedAt.UTC().Format(time.RFC3339Nano), rec.SourceServer)
		if err != nil {
			return fmt.Errorf("inserting %s: %w", p, err)
		}
	}

	for p := range prev {
		if _, ok := next[p]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE remote_path = ?", p); err != nil {
			return fmt.Errorf("deleting %s: %w", p, err)
		}
	}
	return nil
}

func writeIgnored(ctx context.Context, tx *sql.Tx, paths []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM ignored_paths"); err != nil {
		return fmt.Errorf("clearing ignored paths: %w", err)
	}
	for _, p := range paths {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO ignored_paths (remote_path) VALUES (?)", p); err != nil {
			return fmt.Errorf("inserting ignored path %s: %w", p, err)
		}
	}
	return nil
}

func sameRecord(a, b mirror.FileRecord) bool {
	return a.RemotePath == b.RemotePath &&
		a.LocalPath == b.LocalPath &&
		a.Filename == b.Filename &&
		a.Size == b.Size &&
		a.Hash == b.Hash &&
		a.DownloadedAt.Equal(b.DownloadedAt) &&
		a.SourceServer == b.SourceServer
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RecordRun(run RunRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_runs (id, started_at, finished_at, status, mode, downloaded, updated, skipped, deleted, errors, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
		run.Status, run.Mode,
		run.Counts.Downloaded, run.Counts.Updated, run.Counts.Skipped, run.Counts.Deleted, run.Counts.Errors,
		run.Message,
	)
	if err != nil {
		return fmt.Errorf("recording sync run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(limit int) ([]RunRecord, error) {
	query := `SELECT id, started_at, finished_at, status, mode, downloaded, updated, skipped, deleted, errors, message
		FROM sync_runs ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			run               RunRecord
			started, finished string
		)
		err := rows.Scan(&run.ID, &started, &finished, &run.Status, &run.Mode,
			&run.Counts.Downloaded, &run.Counts.Updated, &run.Counts.Skipped, &run.Counts.Deleted, &run.Counts.Errors,
			&run.Message)
		if err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}
		if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parsing started_at of run %s: %w", run.ID, err)
		}
		if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("parsing finished_at of run %s: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Compile-time check
var _ Store = (*SQLiteStore)(nil)
