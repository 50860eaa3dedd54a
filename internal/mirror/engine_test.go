package mirror_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"medsync/internal/mirror"
	"medsync/internal/testutil"
)

type engineFixture struct {
	remote *testutil.MemoryRemote
	fsys   *testutil.MemoryFS
	store  *testutil.FailingStore
	clock  *testutil.StubClock
	events []mirror.Event
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	return &engineFixture{
		remote: testutil.NewMemoryRemote("test-server"),
		fsys:   testutil.NewMemoryFS(),
		store:  &testutil.FailingStore{},
		clock:  testutil.FixedClock(),
	}
}

func (f *engineFixture) engine(opts mirror.EngineOptions) *mirror.Engine {
	if opts.LibraryDir == "" {
		opts.LibraryDir = libraryDir
	}
	// The progress tracker serializes Emit calls.
	sink := mirror.EventSinkFunc(func(e mirror.Event) { f.events = append(f.events, e) })
	return mirror.NewEngine(f.remote, f.fsys, f.store, sink, mirror.NewNopLogger(), f.clock, opts)
}

func (f *engineFixture) ledger(t *testing.T) *mirror.Ledger {
	t.Helper()
	l, err := f.store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if l == nil {
		return mirror.NewLedger()
	}
	return l
}

func commitAt(id string, at time.Time, fields map[string]any) mirror.Commit {
	c := mirror.Commit{"id": id, "timestamp": at.UTC().Format(time.RFC3339)}
	for k, v := range fields {
		c[k] = v
	}
	return c
}

func mustRun(t *testing.T, e *mirror.Engine) mirror.Result {
	t.Helper()
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return res
}

func TestEngine_EndToEnd(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.AddFile("Music/A.mp3", []byte("aaa"))
	f.remote.AddFile("Music/B.mp3", []byte("bbbb"))
	f.remote.AddFile("Music/C.mp3", []byte("ccccc"))
	f.remote.AddFile("Videos/clip.mp4", []byte("video"))
	e := f.engine(mirror.EngineOptions{Folders: []string{"Music"}})

	first := mustRun(t, e)
	if first.Mode != mirror.ModeFullListing || first.Downloaded != 3 {
		t.Fatalf("first run = %+v, want full listing with 3 downloads", first)
	}
	l := f.ledger(t)
	for path, content := range map[string]string{"Music/A.mp3": "aaa", "Music/B.mp3": "bbbb", "Music/C.mp3": "ccccc"} {
		rec, ok := l.Get(path)
		if !ok || rec.Hash != testutil.SHA256Hex([]byte(content)) {
			t.Errorf("record %s = %+v, %v", path, rec, ok)
		}
	}
	if _, ok := l.Get("Videos/clip.mp4"); ok {
		t.Error("out-of-scope file was mirrored")
	}
	if l.LastSyncAt == nil || !l.LastSyncAt.Equal(testutil.FixedClock().Now()) {
		t.Errorf("LastSyncAt = %v", l.LastSyncAt)
	}

	// A commit published after the first sync deletes B and adds D.
	commitTime := f.clock.Now().Add(30 * time.Minute)
	f.remote.AddCommit(commitAt("c2", commitTime, map[string]any{
		"deleted": []any{"Music/B.mp3"},
		"added":   []any{"Music/D.mp3"},
	}))
	f.remote.RemoveFile("Music/B.mp3")
	f.remote.AddFile("Music/D.mp3", []byte("dddddd"))
	f.clock.Advance(time.Hour)

	second := mustRun(t, e)
	if second.Mode != mirror.ModeIncremental || second.Deleted != 1 || second.Downloaded != 1 {
		t.Fatalf("second run = %+v, want incremental with 1 deletion and 1 download", second)
	}
	if second.CommitID != "c2" {
		t.Errorf("CommitID = %q, want c2", second.CommitID)
	}
	l = f.ledger(t)
	if got := strings.Join(l.Paths(), ","); got != "Music/A.mp3,Music/C.mp3,Music/D.mp3" {
		t.Errorf("ledger paths = %s", got)
	}
	if l.TotalSizeBytes != 3+5+6 {
		t.Errorf("TotalSizeBytes = %d, want 14", l.TotalSizeBytes)
	}
	if l.SyncCount != 2 || l.LastCommitID != "c2" {
		t.Errorf("SyncCount = %d LastCommitID = %q", l.SyncCount, l.LastCommitID)
	}
	if _, ok := f.fsys.ReadFile(local("Music/B.mp3")); ok {
		t.Error("deleted file still on disk")
	}

	f.clock.Advance(time.Hour)
	third := mustRun(t, e)
	if third.Mode != mirror.ModeUpToDate || third.Downloaded != 0 || third.Deleted != 0 {
		t.Errorf("third run = %+v, want up to date", third)
	}
	if e.State() != mirror.StateComplete {
		t.Errorf("State() = %v, want complete", e.State())
	}
}

func TestEngine_SecondRunIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.AddFile("Music/A.mp3", []byte("a"))
	f.remote.AddFile("Podcasts/ep1.mp3", []byte("ep"))
	e := f.engine(mirror.EngineOptions{})

	mustRun(t, e)
	f.clock.Advance(time.Minute)
	res := mustRun(t, e)

	if res.Mode != mirror.ModeUpToDate || res.Downloaded+res.Updated != 0 {
		t.Errorf("second run = %+v, want up to date", res)
	}
	if f.remote.ListCalls() != 2 {
		t.Errorf("ListCalls() = %d, want only the two listing passes of the first run", f.remote.ListCalls())
	}
	if f.remote.TotalDownloads() != 2 {
		t.Errorf("TotalDownloads() = %d, want 2", f.remote.TotalDownloads())
	}
}

func TestEngine_UpdateWinsOverDelete(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.AddFile("Music/P.mp3", []byte("old"))
	e := f.engine(mirror.EngineOptions{})
	mustRun(t, e)

	base := f.clock.Now()
	f.remote.AddCommit(commitAt("c1", base.Add(time.Minute), map[string]any{"deleted": []any{"Music/P.mp3"}}))
	f.remote.AddCommit(commitAt("c2", base.Add(2*time.Minute), map[string]any{"added": []any{"Music/P.mp3"}}))
	f.remote.AddFile("Music/P.mp3", []byte("new version"))
	f.clock.Advance(time.Hour)

	res := mustRun(t, e)
	if res.Deleted != 1 || res.Downloaded != 1 {
		t.Errorf("result = %+v, want 1 deleted then 1 downloaded", res)
	}
	if got, ok := f.fsys.ReadFile(local("Music/P.mp3")); !ok || string(got) != "new version" {
		t.Errorf("local file = %q, %v", got, ok)
	}
	if rec, ok := f.ledger(t).Get("Music/P.mp3"); !ok || rec.Size != uint64(len("new version")) {
		t.Errorf("record = %+v, %v", rec, ok)
	}
	if res.CommitID != "c2" {
		t.Errorf("CommitID = %q, want c2", res.CommitID)
	}
}

func TestEngine_Cancel(t *testing.T) {
	f := newEngineFixture(t)
	for _, p := range []string{"Music/1", "Music/2", "Music/3", "Music/4"} {
		f.remote.AddFile(p, []byte("x"))
	}
	e := f.engine(mirror.EngineOptions{MaxConcurrency: 1})
	f.remote.OnDownload = func(string) { e.Cancel() }

	res, err := e.Run(context.Background())
	if !errors.Is(err, mirror.ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if e.State() != mirror.StateCancelled {
		t.Errorf("State() = %v, want cancelled", e.State())
	}
	if res.Downloaded != 1 {
		t.Errorf("Downloaded = %d, want the single in-flight transfer", res.Downloaded)
	}

	l := f.ledger(t)
	if l.Len() != 1 {
		t.Errorf("ledger has %d records, want committed progress kept", l.Len())
	}
	if l.LastSyncAt != nil {
		t.Errorf("LastSyncAt = %v, want unset after cancellation", l.LastSyncAt)
	}

	// The next run starts clean and finishes the job.
	f.remote.OnDownload = nil
	res = mustRun(t, e)
	if res.Downloaded != 3 {
		t.Errorf("resumed run downloaded %d, want 3", res.Downloaded)
	}
}

func TestEngine_ContextCancelled(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.AddFile("Music/A.mp3", []byte("a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine(mirror.EngineOptions{}).Run(ctx)
	if !errors.Is(err, mirror.ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if f.remote.TotalDownloads() != 0 {
		t.Errorf("TotalDownloads() = %d, want 0", f.remote.TotalDownloads())
	}
}

func TestEngine_CommitsFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.AddFile("Music/A.mp3", []byte("a"))
	e := f.engine(mirror.EngineOptions{})
	mustRun(t, e)
	lastSync := *f.ledger(t).LastSyncAt

	f.remote.CommitsErr = errors.New("server unavailable")
	f.clock.Advance(time.Hour)
	f.events = nil

	_, err := e.Run(context.Background())
	if !errors.Is(err, f.remote.CommitsErr) {
		t.Fatalf("Run() error = %v, want wrapped commits error", err)
	}
	if e.State() != mirror.StateError {
		t.Errorf("State() = %v, want error", e.State())
	}
	if got := f.ledger(t).LastSyncAt; got == nil || !got.Equal(lastSync) {
		t.Errorf("LastSyncAt = %v, want unchanged %v", got, lastSync)
	}
	if n := len(f.events); n == 0 || f.events[n-1].Kind != mirror.EventError {
		t.Errorf("last event = %+v, want an error event", f.events)
	}
}

func TestEngine_StatsSaveFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.AddFile("Music/A.mp3", []byte("a"))
	e := f.engine(mirror.EngineOptions{})
	mustRun(t, e)

	f.store.SaveErr = errors.New("disk full")
	f.clock.Advance(time.Hour)

	res, err := e.Run(context.Background())
	if err == nil {
		t.Fatal("Run() expected error when statistics cannot be saved")
	}
	if res.Mode != mirror.ModeUpToDate {
		t.Errorf("Mode = %v, want up_to_date", res.Mode)
	}
	if e.State() != mirror.StateError {
		t.Errorf("State() = %v, want error", e.State())
	}
}

func TestEngine_ProgressIsMonotonic(t *testing.T) {
	f := newEngineFixture(t)
	for _, p := range []string{"Music/1", "Music/2", "Music/3", "Music/4", "Music/5", "Music/6"} {
		f.remote.AddFile(p, []byte(p))
	}
	f.remote.DownloadDelay = 5 * time.Millisecond
	e := f.engine(mirror.EngineOptions{MaxConcurrency: 3})
	mustRun(t, e)

	f.remote.AddCommit(commitAt("c1", f.clock.Now().Add(time.Minute), map[string]any{
		"deleted": []any{"Music/1"},
		"added":   []any{"Music/7"},
	}))
	f.remote.AddFile("Music/7", []byte("seven"))
	f.clock.Advance(time.Hour)
	f.events = nil
	mustRun(t, e)

	last := 0.0
	for i, ev := range f.events {
		if ev.Percent < last {
			t.Fatalf("event %d (%s %q) percent %.1f < %.1f", i, ev.Kind, ev.Message, ev.Percent, last)
		}
		last = ev.Percent
	}
	final := f.events[len(f.events)-1]
	if final.Kind != mirror.EventComplete || final.Percent != 100 {
		t.Errorf("final event = %+v, want complete at 100", final)
	}
	if final.Counts.Deleted != 1 || final.Counts.Downloaded != 1 {
		t.Errorf("final counts = %+v", final.Counts)
	}
}

func TestEngine_RejectsConcurrentRun(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.AddFile("Music/A.mp3", []byte("a"))
	f.remote.AddFile("Music/B.mp3", []byte("b"))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remote.OnDownload = func(string) {
		once.Do(func() { close(started) })
		<-release
	}
	e := f.engine(mirror.EngineOptions{MaxConcurrency: 1})

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background())
		done <- err
	}()
	<-started

	if _, err := e.Run(context.Background()); !errors.Is(err, mirror.ErrSyncInProgress) {
		t.Errorf("concurrent Run() error = %v, want ErrSyncInProgress", err)
	}
	close(release)

	select {
	case err := <-done:
		if !errors.Is(err, mirror.ErrCancelled) {
			t.Errorf("active Run() error = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("active run did not finish")
	}
}

func TestEngine_ConvergesOnLateFiles(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.OmitSizes = true
	f.remote.AddFile("Music/A.mp3", []byte("a"))
	f.remote.AddFile("Music/B.mp3", []byte("b"))

	var once sync.Once
	f.remote.OnDownload = func(string) {
		once.Do(func() { f.remote.AddFile("Music/late.mp3", []byte("late")) })
	}

	res := mustRun(t, f.engine(mirror.EngineOptions{}))
	if res.Downloaded != 3 || res.Passes != 2 {
		t.Errorf("result = %+v, want 3 downloads over 2 passes", res)
	}
	if f.remote.ListCalls() != 3 {
		t.Errorf("ListCalls() = %d, want 3", f.remote.ListCalls())
	}
	if n := f.remote.TotalDownloads(); n != 3 {
		t.Errorf("TotalDownloads() = %d, want each file once", n)
	}
}

func TestEngine_StopsConvergingWhenNothingCommits(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.AddFile("Music/good.mp3", []byte("good"))
	f.remote.AddFile("Music/bad.mp3", []byte("bad"))
	f.remote.DownloadErr["Music/bad.mp3"] = errors.New("broken")

	res := mustRun(t, f.engine(mirror.EngineOptions{MaxPasses: 5}))
	if res.Downloaded != 1 || res.Errors != 2 || res.Passes != 2 {
		t.Errorf("result = %+v, want 1 download, 2 errors, 2 passes", res)
	}
	if n := f.remote.Downloads("Music/bad.mp3"); n != 2 {
		t.Errorf("bad file attempted %d times, want 2", n)
	}
}

func TestEngine_CountMismatchFallsBackToListing(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.AddFile("Music/A.mp3", []byte("a"))
	e := f.engine(mirror.EngineOptions{})
	mustRun(t, e)

	// Appears on the server without a commit.
	f.remote.AddFile("Music/B.mp3", []byte("b"))
	f.clock.Advance(time.Hour)

	res := mustRun(t, e)
	if res.Mode != mirror.ModeFullListing || res.Downloaded != 1 {
		t.Errorf("result = %+v, want full listing with 1 download", res)
	}

	f.remote.CountErr = errors.New("count unsupported")
	f.clock.Advance(time.Hour)
	res = mustRun(t, e)
	if res.Mode != mirror.ModeFullListing || res.Downloaded != 0 {
		t.Errorf("result = %+v, want full listing with nothing to do", res)
	}
}

type suffixMatcher string

func (s suffixMatcher) Match(remotePath string) bool { return strings.HasSuffix(remotePath, string(s)) }

func TestEngine_SkipsIgnoredPaths(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.AddFile("Music/A.mp3", []byte("a"))
	f.remote.AddFile("Music/A.nfo", []byte("info"))

	res := mustRun(t, f.engine(mirror.EngineOptions{Ignore: suffixMatcher(".nfo")}))
	if res.Downloaded != 1 {
		t.Errorf("Downloaded = %d, want 1", res.Downloaded)
	}
	if f.remote.Downloads("Music/A.nfo") != 0 {
		t.Error("ignored file was downloaded")
	}
	if got := f.ledger(t).Ignored; len(got) != 1 || got[0] != "Music/A.nfo" {
		t.Errorf("Ignored = %v, want [Music/A.nfo]", got)
	}
}

func TestEngine_IgnoredPathsKeepLibraryUpToDate(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.AddFile("Music/A.mp3", []byte("a"))
	f.remote.AddFile("Music/A.nfo", []byte("info"))
	e := f.engine(mirror.EngineOptions{Ignore: suffixMatcher(".nfo")})

	mustRun(t, e)
	listed := f.remote.ListCalls()
	f.clock.Advance(time.Hour)

	res := mustRun(t, e)
	if res.Mode != mirror.ModeUpToDate {
		t.Errorf("second run mode = %v, want up to date", res.Mode)
	}
	if f.remote.ListCalls() != listed {
		t.Errorf("ListCalls() = %d, want %d", f.remote.ListCalls(), listed)
	}

	// Dropping the pattern makes the counts disagree, so the file is fetched.
	f.clock.Advance(time.Hour)
	res = mustRun(t, f.engine(mirror.EngineOptions{}))
	if res.Mode != mirror.ModeFullListing || res.Downloaded != 1 {
		t.Errorf("run without pattern = %+v, want full listing with 1 download", res)
	}
	if f.remote.Downloads("Music/A.nfo") != 1 {
		t.Error("previously ignored file was not downloaded")
	}
}

func TestEngine_IgnoredCommitPathsStayUpToDate(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.AddFile("Music/A.mp3", []byte("a"))
	e := f.engine(mirror.EngineOptions{Ignore: suffixMatcher(".nfo")})
	mustRun(t, e)

	f.remote.AddCommit(commitAt("c1", f.clock.Now().Add(time.Minute), map[string]any{"added": []any{"Music/A.nfo"}}))
	f.remote.AddFile("Music/A.nfo", []byte("info"))
	f.clock.Advance(time.Hour)
	if res := mustRun(t, e); res.Mode != mirror.ModeIncremental || res.Downloaded != 0 {
		t.Fatalf("commit run = %+v, want incremental with nothing downloaded", res)
	}

	listed := f.remote.ListCalls()
	f.clock.Advance(time.Hour)
	if res := mustRun(t, e); res.Mode != mirror.ModeUpToDate {
		t.Errorf("run after commit mode = %v, want up to date", res.Mode)
	}
	if f.remote.ListCalls() != listed {
		t.Errorf("ListCalls() = %d, want %d", f.remote.ListCalls(), listed)
	}
}
