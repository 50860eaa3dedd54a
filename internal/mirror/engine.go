package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// State is a position in the sync run state machine.
type State int32

const (
	StateIdle State = iota
	StateCheckingUpdates
	StateDeleting
	StateDownloading
	StateConverging
	StateUpdatingStats
	StateComplete
	StateCancelled
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingUpdates:
		return "checking_updates"
	case StateDeleting:
		return "deleting"
	case StateDownloading:
		return "downloading"
	case StateConverging:
		return "converging"
	case StateUpdatingStats:
		return "updating_stats"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Mode describes how a run decided which files to transfer.
type Mode int

const (
	// ModeUpToDate means the completeness check found nothing to do.
	ModeUpToDate Mode = iota
	// ModeIncremental means tasks came straight from commit paths.
	ModeIncremental
	// ModeFullListing means tasks came from the remote listing.
	ModeFullListing
)

func (m Mode) String() string {
	switch m {
	case ModeUpToDate:
		return "up_to_date"
	case ModeIncremental:
		return "incremental"
	case ModeFullListing:
		return "full_listing"
	default:
		return "unknown"
	}
}

var (
	// ErrSyncInProgress is returned by Run when another run is active. The
	// active run is asked to cancel.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrCancelled is returned by Run when the run was cancelled.
	ErrCancelled = errors.New("sync cancelled")
)

// Engine defaults.
const (
	DefaultMaxPasses       = 5
	DefaultMetadataTimeout = 10 * time.Second
	DefaultDownloadTimeout = 10 * time.Minute
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	LibraryDir      string
	Folders         []string
	Ignore          PathMatcher
	MaxConcurrency  int
	MaxFileSize     int64
	MaxPasses       int
	MetadataTimeout time.Duration
	DownloadTimeout time.Duration
	VerifyHash      bool
	HashAlgorithm   string
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.MaxPasses <= 0 {
		o.MaxPasses = DefaultMaxPasses
	}
	if o.MetadataTimeout <= 0 {
		o.MetadataTimeout = DefaultMetadataTimeout
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = DefaultDownloadTimeout
	}
	o.MaxConcurrency = ClampConcurrency(o.MaxConcurrency)
	return o
}

// Result is the outcome of a finished run.
type Result struct {
	Counts
	Mode     Mode
	Passes   int
	CommitID string
}

// Engine mirrors a Remote into a local library. An Engine is long lived; each
// call to Run is one sync cycle and only one cycle may be active at a time.
type Engine struct {
	remote Remote
	fsys   LocalFS
	store  LedgerStore
	sink   EventSink
	logger Logger
	clock  Clock
	opts   EngineOptions

	running   atomic.Bool
	cancelled atomic.Bool
	state     atomic.Int32
}

// NewEngine creates an Engine.
func NewEngine(remote Remote, fsys LocalFS, store LedgerStore, sink EventSink, logger Logger, clock Clock, opts EngineOptions) *Engine {
	return &Engine{
		remote: remote,
		fsys:   fsys,
		store:  store,
		sink:   sink,
		logger: logger,
		clock:  clock,
		opts:   opts.withDefaults(),
	}
}

// State returns the current state of the engine.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Cancel asks the active run to stop. Transfers already in flight finish;
// nothing new is dispatched.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

func (e *Engine) setState(s State) {
	prev := State(e.state.Swap(int32(s)))
	if prev != s {
		e.logger.Debug("sync state changed", "from", prev.String(), "to", s.String())
	}
}

func (e *Engine) isCancelled(ctx context.Context) bool {
	return e.cancelled.Load() || ctx.Err() != nil
}

// Run performs one sync cycle. Ledger progress committed before a
// cancellation or failure is kept; LastSyncAt only advances when the
// cycle completes.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Info("sync requested while running, cancelling active run")
		e.Cancel()
		return Result{}, ErrSyncInProgress
	}
	defer e.running.Store(false)
	e.cancelled.Store(false)

	r := &run{
		engine:   e,
		progress: newProgressTracker(e.sink),
		filter:   NewFolderFilter(e.opts.Folders),
	}
	res, err := r.execute(ctx)
	switch {
	case err == nil:
		e.setState(StateComplete)
		e.logger.Info("sync complete",
			"mode", res.Mode.String(),
			"downloaded", res.Downloaded,
			"updated", res.Updated,
			"skipped", res.Skipped,
			"deleted", res.Deleted,
			"errors", res.Errors,
		)
	case errors.Is(err, ErrCancelled):
		e.setState(StateCancelled)
		r.progress.status("Sync cancelled", r.progress.current())
		e.logger.Info("sync cancelled", "downloaded", res.Downloaded, "deleted", res.Deleted)
	default:
		e.setState(StateError)
		r.progress.fail(err.Error())
		e.logger.Error("sync failed", "error", err)
	}
	return res, err
}

// run holds the state of a single sync cycle.
type run struct {
	engine   *Engine
	progress *progressTracker
	filter   *FolderFilter
	writer   *LedgerWriter
	transfer *Transfer
	result   Result
}

func (r *run) execute(ctx context.Context) (Result, error) {
	e := r.engine

	// CheckingUpdates
	e.setState(StateCheckingUpdates)
	r.progress.status("Checking for updates", 0)
	if e.isCancelled(ctx) {
		return r.result, ErrCancelled
	}

	ledger := LoadLedger(e.store, e.logger)
	r.writer = NewLedgerWriter(e.store, ledger, e.logger)
	r.transfer = NewTransfer(e.remote, e.fsys, r.writer, e.logger, e.clock, TransferOptions{
		LibraryDir:      e.opts.LibraryDir,
		MaxFileSize:     e.opts.MaxFileSize,
		DownloadTimeout: e.opts.DownloadTimeout,
		VerifyHash:      e.opts.VerifyHash,
		HashAlgorithm:   e.opts.HashAlgorithm,
		Cancelled:       func() bool { return e.isCancelled(ctx) },
	})

	baseline := ledger.LastSyncAt == nil || ledger.Len() == 0
	var since *time.Time
	if !baseline {
		since = ledger.LastSyncAt
	}

	commits, err := r.fetchCommits(ctx, since)
	if err != nil {
		return r.result, err
	}
	changes := ExtractChanges(commits)
	r.result.CommitID = LatestCommitID(commits)
	e.logger.Info("fetched commits",
		"commits", len(commits),
		"updated", len(changes.Updated),
		"deleted", len(changes.Deleted),
		"baseline", baseline,
	)

	if len(commits) == 0 && !baseline && r.inScopeCountsMatch(ctx) {
		r.result.Mode = ModeUpToDate
		if err := r.updateStats(ctx); err != nil {
			return r.result, err
		}
		r.progress.complete(r.result.Counts)
		return r.result, nil
	}

	if baseline || changes.Empty() {
		r.result.Mode = ModeFullListing
	} else {
		r.result.Mode = ModeIncremental
	}

	// Deleting
	if e.isCancelled(ctx) {
		return r.result, ErrCancelled
	}
	e.setState(StateDeleting)
	r.runDeletions(ctx, r.filter.FilterList(changes.Deleted))

	// Downloading / Converging
	if e.isCancelled(ctx) {
		return r.result, ErrCancelled
	}
	if r.result.Mode == ModeIncremental {
		err = r.downloadCommitPaths(ctx, changes.Updated)
	} else {
		err = r.downloadListing(ctx)
	}
	if err != nil {
		return r.result, err
	}

	// UpdatingStats
	if e.isCancelled(ctx) {
		return r.result, ErrCancelled
	}
	if err := r.updateStats(ctx); err != nil {
		return r.result, err
	}

	r.progress.complete(r.result.Counts)
	return r.result, nil
}

func (r *run) fetchCommits(ctx context.Context, since *time.Time) ([]Commit, error) {
	ctx, cancel := context.WithTimeout(ctx, r.engine.opts.MetadataTimeout)
	defer cancel()

	commits, err := r.engine.remote.Commits(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("fetching commits: %w", err)
	}
	return commits, nil
}

func (r *run) listFiles(ctx context.Context) ([]RemoteFile, error) {
	ctx, cancel := context.WithTimeout(ctx, r.engine.opts.MetadataTimeout)
	defer cancel()

	files, err := r.engine.remote.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing remote files: %w", err)
	}
	return files, nil
}

// inScopeCountsMatch is the cheap completeness check used when no commits
// arrived. A failed count is not fatal; the run falls back to a listing.
func (r *run) inScopeCountsMatch(ctx context.Context) bool {
	e := r.engine
	r.progress.status("Verifying library completeness", 0)

	cctx, cancel := context.WithTimeout(ctx, e.opts.MetadataTimeout)
	defer cancel()

	remoteCount, err := e.remote.CountFiles(cctx, r.filter.Selected())
	if err != nil {
		e.logger.Warn("counting remote files failed", "error", err)
		return false
	}
	// Ignored files are on the server but never downloaded; the ledger
	// remembers them so the counts still agree.
	localCount := r.writer.CountInScope(r.filter) + r.writer.CountIgnored(r.filter, e.opts.Ignore)
	e.logger.Debug("completeness check", "remote", remoteCount, "local", localCount)
	return remoteCount == localCount
}

func (r *run) runDeletions(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		r.progress.status("No deletions", percentDeleteEnd)
		return
	}

	r.forgetIgnored(paths)

	r.progress.status(fmt.Sprintf("Removing %d deleted files", len(paths)), 0)
	res := r.transfer.RunDeletions(ctx, paths, func(done, total int, sofar DeleteResult) {
		counts := r.result.Counts
		counts.Deleted += sofar.Deleted
		counts.Errors += sofar.Errors
		r.progress.progress(fmt.Sprintf("Removed %d/%d", done, total), band(0, percentDeleteEnd, done, total), counts)
	})
	r.result.Deleted += res.Deleted
	r.result.Errors += res.Errors
	r.progress.status("Deletions finished", percentDeleteEnd)
}

func (r *run) downloadCommitPaths(ctx context.Context, updated []string) error {
	e := r.engine
	e.setState(StateDownloading)
	r.result.Passes = 1

	var (
		tasks   []TransferTask
		ignored []string
	)
	for _, p := range r.filter.FilterList(updated) {
		if r.ignored(p) {
			ignored = append(ignored, p)
			continue
		}
		tasks = append(tasks, TransferTask{RemotePath: p, ExpectedSize: SizeUnknown})
	}
	if len(ignored) > 0 {
		r.commitIgnored(func(l *Ledger) bool {
			changed := false
			for _, p := range ignored {
				changed = l.AddIgnored(p) || changed
			}
			return changed
		})
	}
	r.runDownloads(ctx, tasks, percentDeleteEnd, percentDownloadEnd)
	if e.isCancelled(ctx) {
		return ErrCancelled
	}
	return nil
}

// Pass 1 leaves headroom below percentDownloadEnd for converging passes.
const percentFirstListingPassEnd = 90.0

func (r *run) downloadListing(ctx context.Context) error {
	e := r.engine

	for pass := 1; pass <= e.opts.MaxPasses; pass++ {
		if e.isCancelled(ctx) {
			return ErrCancelled
		}
		if pass > 1 {
			e.setState(StateConverging)
			r.progress.status(fmt.Sprintf("Verifying library (pass %d)", pass), r.progress.current())
		} else {
			e.setState(StateDownloading)
			r.progress.status("Fetching remote file list", percentDeleteEnd)
		}

		listing, err := r.listFiles(ctx)
		if err != nil {
			return err
		}
		tasks, ignored := r.listingTasks(listing)
		r.commitIgnored(func(l *Ledger) bool { return l.SetIgnored(ignored) })
		e.logger.Debug("listing difference", "pass", pass, "remote", len(listing), "tasks", len(tasks), "ignored", len(ignored))
		if len(tasks) == 0 {
			break
		}

		e.setState(StateDownloading)
		r.result.Passes = pass
		lo, hi := percentDeleteEnd, percentFirstListingPassEnd
		if pass > 1 {
			lo = r.progress.current()
			hi = lo + (percentDownloadEnd-lo)/2
		}
		res := r.runDownloads(ctx, tasks, lo, hi)
		if e.isCancelled(ctx) {
			return ErrCancelled
		}

		// A pass that committed nothing will not converge by repeating it.
		if res.Downloaded+res.Updated == 0 {
			break
		}
	}
	return nil
}

// listingTasks returns the listing entries that are in scope, not ignored,
// and missing or stale locally, plus the in-scope paths that were ignored.
func (r *run) listingTasks(listing []RemoteFile) ([]TransferTask, []string) {
	seen := make(map[string]struct{}, len(listing))
	var (
		tasks   []TransferTask
		ignored []string
	)
	for _, f := range r.filter.FilterFiles(listing) {
		p := NormalizePath(f.Path)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if r.ignored(p) {
			ignored = append(ignored, p)
			continue
		}

		task := TransferTask{RemotePath: p, ExpectedSize: f.Size, ExpectedHash: f.Hash}
		rec, ok := r.writer.Get(p)
		if !ok || r.stale(rec, f) {
			tasks = append(tasks, task)
			continue
		}
		if _, err := r.engine.fsys.Stat(rec.LocalPath); err != nil {
			tasks = append(tasks, task)
		}
	}
	return tasks, ignored
}

// commitIgnored applies fn to the ledger's ignored paths and saves only when
// fn reports a change. A failed save is logged; the next listing retries it.
func (r *run) commitIgnored(fn func(*Ledger) bool) {
	if _, err := r.writer.CommitIf(fn); err != nil {
		r.engine.logger.Warn("recording ignored paths failed", "error", err)
	}
}

func (r *run) forgetIgnored(paths []string) {
	r.commitIgnored(func(l *Ledger) bool {
		changed := false
		for _, p := range paths {
			changed = l.RemoveIgnored(p) || changed
		}
		return changed
	})
}

func (r *run) stale(rec FileRecord, f RemoteFile) bool {
	if f.Size >= 0 && uint64(f.Size) != rec.Size {
		return true
	}
	if match, comparable := sameDigest(rec.Hash, f.Hash); comparable && !match {
		return true
	}
	return false
}

func (r *run) ignored(remotePath string) bool {
	return r.engine.opts.Ignore != nil && r.engine.opts.Ignore.Match(remotePath)
}

func (r *run) runDownloads(ctx context.Context, tasks []TransferTask, lo, hi float64) DownloadResult {
	if len(tasks) == 0 {
		r.progress.status("Library up to date", hi)
		return DownloadResult{}
	}

	base := r.result.Counts
	r.progress.status(fmt.Sprintf("Downloading %d files", len(tasks)), lo)
	res := r.transfer.RunDownloads(ctx, tasks, r.engine.opts.MaxConcurrency, func(done, total int, sofar DownloadResult) {
		r.progress.progress(fmt.Sprintf("Downloaded %d/%d", done, total), band(lo, hi, done, total), addDownloads(base, sofar))
	})
	r.result.Counts = addDownloads(base, res)
	return res
}

func addDownloads(c Counts, res DownloadResult) Counts {
	c.Downloaded += res.Downloaded
	c.Updated += res.Updated
	c.Skipped += res.Skipped
	c.Errors += res.Errors
	return c
}

func (r *run) updateStats(ctx context.Context) error {
	if r.engine.isCancelled(ctx) {
		return ErrCancelled
	}
	r.engine.setState(StateUpdatingStats)
	r.progress.status("Updating library statistics", percentDownloadEnd)

	now := r.engine.clock.Now()
	commitID := r.result.CommitID
	err := r.writer.Commit(func(l *Ledger) {
		l.LastSyncAt = &now
		l.SyncCount++
		if commitID != "" {
			l.LastCommitID = commitID
		}
	})
	if err != nil {
		return fmt.Errorf("recording sync statistics: %w", err)
	}
	return nil
}
