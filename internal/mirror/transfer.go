package mirror

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"math"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Download concurrency bounds.
const (
	DefaultConcurrency = 3
	MinConcurrency     = 1
	MaxConcurrency     = 10
)

var (
	// ErrFileTooLarge is returned when a download exceeds the configured size cap.
	ErrFileTooLarge = errors.New("file exceeds maximum download size")
	// ErrSizeMismatch is returned when fewer or more bytes arrive than announced.
	ErrSizeMismatch = errors.New("downloaded size does not match expected size")
	// ErrHashMismatch is returned when the content digest differs from the announced one.
	ErrHashMismatch = errors.New("downloaded content hash does not match expected hash")
	// ErrPathOutsideLibrary is returned for remote paths that would escape the library directory.
	ErrPathOutsideLibrary = errors.New("remote path escapes the library directory")
)

// ClampConcurrency returns n limited to [MinConcurrency, MaxConcurrency].
// Zero or negative values select DefaultConcurrency.
func ClampConcurrency(n int) int {
	if n <= 0 {
		return DefaultConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// TransferTask is one file to download during a sync pass.
type TransferTask struct {
	RemotePath   string
	LocalPath    string // derived from the library dir when empty
	ExpectedSize int64  // SizeUnknown when not announced
	ExpectedHash string // empty when not announced
}

// DeleteResult summarizes a deletion pass.
type DeleteResult struct {
	Deleted int
	Errors  int
}

// DownloadResult summarizes a download pass.
type DownloadResult struct {
	Downloaded int
	Updated    int
	Skipped    int
	Errors     int
}

// DeleteProgressFunc is called after each deletion with the running totals.
type DeleteProgressFunc func(done, total int, res DeleteResult)

// DownloadProgressFunc is called after each download with the running totals.
type DownloadProgressFunc func(done, total int, res DownloadResult)

// TransferOptions configures a Transfer.
type TransferOptions struct {
	// LibraryDir is the local root that remote paths are mirrored under.
	LibraryDir string
	// MaxFileSize caps a single download in bytes. Zero means no limit.
	MaxFileSize int64
	// DownloadTimeout bounds a single download. Zero means no timeout.
	DownloadTimeout time.Duration
	// VerifyHash re-hashes local files before treating them as up to date.
	VerifyHash bool
	// HashAlgorithm is "sha256" (default) or "md5".
	HashAlgorithm string
	// Cancelled is polled before each item is started. Nil means never.
	Cancelled func() bool
}

// Transfer executes deletions and bounded-concurrency downloads, committing
// every completed item to the ledger through a LedgerWriter.
type Transfer struct {
	remote Remote
	fsys   LocalFS
	writer *LedgerWriter
	logger Logger
	clock  Clock
	opts   TransferOptions
}

// NewTransfer creates a Transfer.
func NewTransfer(remote Remote, fsys LocalFS, writer *LedgerWriter, logger Logger, clock Clock, opts TransferOptions) *Transfer {
	if opts.Cancelled == nil {
		opts.Cancelled = func() bool { return false }
	}
	return &Transfer{
		remote: remote,
		fsys:   fsys,
		writer: writer,
		logger: logger,
		clock:  clock,
		opts:   opts,
	}
}

// RunDeletions removes each path's local file and ledger entry. Failures are
// counted and skipped. Paths that are neither in the ledger nor on disk are
// no-ops and not counted.
func (t *Transfer) RunDeletions(ctx context.Context, paths []string, onItem DeleteProgressFunc) DeleteResult {
	var res DeleteResult
	for i, p := range paths {
		if t.opts.Cancelled() || ctx.Err() != nil {
			break
		}
		removed, err := t.deleteOne(p)
		switch {
		case err != nil:
			res.Errors++
			t.logger.Warn("delete failed", "path", p, "error", err)
		case removed:
			res.Deleted++
			t.logger.Info("file deleted", "path", p)
		}
		if onItem != nil {
			onItem(i+1, len(paths), res)
		}
	}
	return res
}

func (t *Transfer) deleteOne(remotePath string) (bool, error) {
	rec, inLedger := t.writer.Get(remotePath)
	local := rec.LocalPath
	if !inLedger || local == "" {
		var err error
		local, err = LocalPathFor(t.opts.LibraryDir, remotePath)
		if err != nil {
			return false, err
		}
	}

	existed := true
	if err := t.fsys.Remove(local); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("removing %s: %w", local, err)
		}
		existed = false
	}
	if existed && t.opts.LibraryDir != "" {
		if err := t.fsys.PruneEmptyDirs(filepath.Dir(local), t.opts.LibraryDir); err != nil {
			t.logger.Debug("pruning empty directories failed", "path", local, "error", err)
		}
	}

	if inLedger {
		if err := t.writer.Commit(func(l *Ledger) { l.Remove(remotePath) }); err != nil {
			return false, err
		}
	}
	return existed || inLedger, nil
}

type downloadOutcome int

const (
	outcomeDownloaded downloadOutcome = iota
	outcomeUpdated
	outcomeSkipped
)

// RunDownloads executes tasks with at most maxConcurrency transfers in
// flight. A finished transfer frees its slot for the next queued task.
// Per-item failures are counted and never abort the batch.
func (t *Transfer) RunDownloads(ctx context.Context, tasks []TransferTask, maxConcurrency int, onItem DownloadProgressFunc) DownloadResult {
	var (
		mu   sync.Mutex
		res  DownloadResult
		done int
	)

	// Not errgroup.WithContext: one failed item must not cancel its siblings.
	g := new(errgroup.Group)
	g.SetLimit(ClampConcurrency(maxConcurrency))

	for _, task := range tasks {
		if t.opts.Cancelled() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if t.opts.Cancelled() {
				return nil
			}
			outcome, err := t.downloadOne(ctx, task)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Errors++
				t.logger.Warn("download failed", "path", task.RemotePath, "error", err)
			case outcome == outcomeSkipped:
				res.Skipped++
			case outcome == outcomeUpdated:
				res.Updated++
			default:
				res.Downloaded++
			}
			done++
			if onItem != nil {
				onItem(done, len(tasks), res)
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func (t *Transfer) downloadOne(ctx context.Context, task TransferTask) (downloadOutcome, error) {
	if task.LocalPath == "" {
		local, err := LocalPathFor(t.opts.LibraryDir, task.RemotePath)
		if err != nil {
			return 0, err
		}
		task.LocalPath = local
	}

	existing, had := t.writer.Get(task.RemotePath)
	if had && t.upToDate(task, existing) {
		t.logger.Debug("file up to date", "path", task.RemotePath)
		return outcomeSkipped, nil
	}

	if t.opts.MaxFileSize > 0 && task.ExpectedSize > t.opts.MaxFileSize {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, task.ExpectedSize, t.opts.MaxFileSize)
	}

	if t.opts.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.DownloadTimeout)
		defer cancel()
	}

	body, err := t.remote.Download(ctx, task.RemotePath)
	if err != nil {
		return 0, fmt.Errorf("requesting download: %w", err)
	}
	defer body.Close()

	size, sum, err := t.writeContent(body, task)
	if err != nil {
		return 0, err
	}

	rec := FileRecord{
		LocalPath:    task.LocalPath,
		Filename:     path.Base(task.RemotePath),
		Size:         uint64(size),
		Hash:         sum,
		DownloadedAt: t.clock.Now(),
		SourceServer: t.remote.Name(),
	}
	if err := t.writer.Commit(func(l *Ledger) { l.Upsert(task.RemotePath, rec) }); err != nil {
		return 0, err
	}

	if had && existing.Size != rec.Size {
		t.logger.Info("file updated", "path", task.RemotePath, "size", size)
		return outcomeUpdated, nil
	}
	t.logger.Info("file downloaded", "path", task.RemotePath, "size", size)
	return outcomeDownloaded, nil
}

// writeContent streams body into a partial file while hashing it, and only
// commits the file once size and digest have been verified.
func (t *Transfer) writeContent(body io.Reader, task TransferTask) (int64, string, error) {
	part, err := t.fsys.Create(task.LocalPath)
	if err != nil {
		return 0, "", fmt.Errorf("creating local file: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = part.Abort()
		}
	}()

	// "No limit" is the same code path with an unreachable cap.
	limit := t.opts.MaxFileSize
	if limit <= 0 {
		limit = math.MaxInt64 - 1
	}

	h := newHasher(t.opts.HashAlgorithm)
	n, err := io.Copy(io.MultiWriter(part, h), io.LimitReader(body, limit+1))
	if err != nil {
		return 0, "", fmt.Errorf("streaming content: %w", err)
	}
	if n > limit {
		return 0, "", fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, limit)
	}
	if task.ExpectedSize >= 0 && n != task.ExpectedSize {
		return 0, "", fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, task.ExpectedSize, n)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if match, comparable := sameDigest(sum, task.ExpectedHash); comparable && !match {
		return 0, "", fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, task.ExpectedHash, sum)
	}

	if err := part.Commit(); err != nil {
		return 0, "", fmt.Errorf("committing local file: %w", err)
	}
	committed = true
	return n, sum, nil
}

// upToDate reports whether the local copy described by rec can be kept.
// Something must be known about the remote version for that to be decided;
// a task with neither expected size nor hash is always downloaded.
func (t *Transfer) upToDate(task TransferTask, rec FileRecord) bool {
	if _, err := t.fsys.Stat(rec.LocalPath); err != nil {
		return false
	}

	known := false
	if match, comparable := sameDigest(rec.Hash, task.ExpectedHash); comparable {
		if !match {
			return false
		}
		known = true
	}
	if task.ExpectedSize >= 0 {
		if uint64(task.ExpectedSize) != rec.Size {
			return false
		}
		known = true
	}
	if !known {
		return false
	}

	if t.opts.VerifyHash {
		sum, size, err := t.hashLocal(rec.LocalPath)
		if err != nil {
			t.logger.Debug("hashing local file failed", "path", rec.LocalPath, "error", err)
			return false
		}
		if size != rec.Size || sum != rec.Hash {
			return false
		}
	}
	return true
}

func (t *Transfer) hashLocal(localPath string) (string, uint64, error) {
	f, err := t.fsys.Open(localPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := newHasher(t.opts.HashAlgorithm)
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), uint64(n), nil
}

func newHasher(algorithm string) hash.Hash {
	if strings.EqualFold(algorithm, "md5") {
		return md5.New()
	}
	return sha256.New()
}

// sameDigest compares two hex digests. Digests of different lengths come
// from different algorithms and are not comparable.
func sameDigest(a, b string) (match bool, comparable bool) {
	if a == "" || b == "" || len(a) != len(b) {
		return false, false
	}
	return strings.EqualFold(a, b), true
}

// LocalPathFor maps a remote path onto the library directory.
func LocalPathFor(libraryDir, remotePath string) (string, error) {
	p := NormalizePath(remotePath)
	if p == "" {
		return "", fmt.Errorf("empty remote path")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s", ErrPathOutsideLibrary, remotePath)
		}
	}
	return filepath.Join(libraryDir, filepath.FromSlash(path.Clean(p))), nil
}
