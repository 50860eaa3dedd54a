package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"medsync/internal/config"
	"medsync/internal/fs"
	"medsync/internal/ledger"
	"medsync/internal/mirror"
	"medsync/internal/remote"
	"medsync/internal/room"
)

// Options customise how an App is built. Zero values select production
// implementations.
type Options struct {
	Operation string        // CLI command name, logged with every run
	Token     string        // bearer token for the remote and rooms
	Console   io.Writer     // log echo; nil logs to file only
	Remote    mirror.Remote // overrides the configured remote
	Clock     mirror.Clock
	IDs       mirror.IDGenerator
}

// App is the application layer between the CLI and the sync engine.
// It constructs all dependencies from config and owns their lifecycle.
type App struct {
	cfg       *config.Config
	opts      Options
	store     ledger.Store
	fsys      mirror.LocalFS
	remote    mirror.Remote
	engine    *mirror.Engine
	logger    mirror.Logger
	logCloser io.Closer
	clock     mirror.Clock
	ids       mirror.IDGenerator
}

// New creates an App from the given config. The caller must call Close.
func New(cfg *config.Config, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = mirror.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = mirror.UUIDGenerator{}
	}

	store, err := ledger.NewStoreFromConfig(cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("creating ledger store: %w", err)
	}

	opID := opts.Clock.Now().UTC().Format("20060102T150405Z")
	if opts.Operation != "" {
		opID = opts.Operation + "-" + opID
	}
	slogger, closer, err := newLogger(cfg.Log, cfg.LogDir, opID, opts.Console)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	return &App{
		cfg:       cfg,
		opts:      opts,
		store:     store,
		fsys:      fs.NewOSLocalFS(),
		remote:    opts.Remote,
		logger:    &slogAdapter{l: slogger},
		logCloser: closer,
		clock:     opts.Clock,
		ids:       opts.IDs,
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() mirror.Logger {
	return a.logger
}

func (a *App) remoteFor(ctx context.Context) (mirror.Remote, error) {
	if a.remote != nil {
		return a.remote, nil
	}
	r, err := remote.NewRemoteFromConfig(ctx, a.cfg.Remote, a.opts.Token, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating remote: %w", err)
	}
	a.remote = r
	return r, nil
}

// engineOptions translates the sync config. Ignore patterns come from the
// config plus the library's ignore file.
func (a *App) engineOptions() (mirror.EngineOptions, error) {
	sc := a.cfg.Sync
	downloadTimeout, err := config.ParseDuration(sc.DownloadTimeout, mirror.DefaultDownloadTimeout)
	if err != nil {
		return mirror.EngineOptions{}, fmt.Errorf("sync.download_timeout: %w", err)
	}
	metadataTimeout, err := config.ParseDuration(a.cfg.Remote.Timeout, mirror.DefaultMetadataTimeout)
	if err != nil {
		return mirror.EngineOptions{}, fmt.Errorf("remote.timeout: %w", err)
	}

	patterns := append([]string(nil), sc.Ignore...)
	filePatterns, err := fs.ParseIgnoreFile(filepath.Join(sc.LibraryDir, fs.IgnoreFileName))
	if err != nil {
		return mirror.EngineOptions{}, err
	}
	patterns = append(patterns, filePatterns...)

	return mirror.EngineOptions{
		LibraryDir:      sc.LibraryDir,
		Folders:         sc.Folders,
		Ignore:          fs.NewIgnoreMatcher(patterns),
		MaxConcurrency:  sc.MaxConcurrency,
		MaxFileSize:     sc.MaxFileSize,
		MaxPasses:       sc.MaxPasses,
		MetadataTimeout: metadataTimeout,
		DownloadTimeout: downloadTimeout,
		VerifyHash:      sc.VerifyHash,
		HashAlgorithm:   sc.HashAlgorithm,
	}, nil
}

func (a *App) engineFor(ctx context.Context, sink mirror.EventSink) (*mirror.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	if a.cfg.Sync.LibraryDir == "" {
		return nil, fmt.Errorf("sync.library_dir is not configured")
	}
	r, err := a.remoteFor(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := a.engineOptions()
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = mirror.NopSink{}
	}
	a.engine = mirror.NewEngine(r, a.fsys, a.store, sink, a.logger, a.clock, opts)
	return a.engine, nil
}

// Sync runs one sync cycle and records it in the run history. sink receives
// progress events for the first cycle; later cycles reuse the same engine.
func (a *App) Sync(ctx context.Context, sink mirror.EventSink) (mirror.Result, error) {
	engine, err := a.engineFor(ctx, sink)
	if err != nil {
		return mirror.Result{}, err
	}

	op := NewSyncOperation(a.ids.New(), a.clock.Now())
	a.logger.Info("sync started", "run_id", op.ID, "remote", a.remote.Name(), "library", a.cfg.Sync.LibraryDir)
	res, runErr := engine.Run(ctx)

	if rec, ok := op.Finish(res, runErr, a.clock.Now()); ok {
		if err := a.store.RecordRun(rec); err != nil {
			a.logger.Warn("recording sync run failed", "run_id", op.ID, "error", err)
		}
	}
	return res, runErr
}

// CancelSync asks an active sync to stop.
func (a *App) CancelSync() {
	if a.engine != nil {
		a.engine.Cancel()
	}
}

// FolderStatus summarises the ledger entries under one top-level folder.
type FolderStatus struct {
	Name  string
	Files int
	Bytes int64
}

// Status summarises the ledger.
type Status struct {
	Files          int
	TotalSizeBytes int64
	LastSyncAt     *time.Time
	SyncCount      uint32
	LastCommitID   string
	Folders        []FolderStatus
}

// Status reads the ledger and groups its entries by top-level folder.
func (a *App) Status() (*Status, error) {
	l, err := a.store.Load()
	if err != nil && !errors.Is(err, ledger.ErrCorrupt) {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}
	if l == nil {
		l = mirror.NewLedger()
	}
	l.Normalize()

	byFolder := make(map[string]*FolderStatus)
	for p, rec := range l.Files {
		name := mirror.FirstSegment(p)
		fsum, ok := byFolder[name]
		if !ok {
			fsum = &FolderStatus{Name: name}
			byFolder[name] = fsum
		}
		fsum.Files++
		fsum.Bytes += int64(rec.Size)
	}

	st := &Status{
		Files:          l.Len(),
		TotalSizeBytes: l.TotalSizeBytes,
		LastSyncAt:     l.LastSyncAt,
		SyncCount:      l.SyncCount,
		LastCommitID:   l.LastCommitID,
	}
	for _, f := range byFolder {
		st.Folders = append(st.Folders, *f)
	}
	sort.Slice(st.Folders, func(i, j int) bool { return st.Folders[i].Name < st.Folders[j].Name })
	return st, nil
}

// History returns the most recent sync runs, newest first.
func (a *App) History(limit int) ([]ledger.RunRecord, error) {
	return a.store.ListRuns(limit)
}

// JoinRoom connects to a listening room on the configured room server.
func (a *App) JoinRoom(ctx context.Context, roomID string, player room.Player) (*room.Session, error) {
	serverURL := a.cfg.Room.ServerURL
	if serverURL == "" {
		serverURL = a.cfg.Remote.BaseURL
	}
	if serverURL == "" {
		return nil, fmt.Errorf("room.server_url is not configured")
	}
	return room.Dial(ctx, room.DialOptions{
		ServerURL: serverURL,
		RoomID:    roomID,
		Token:     a.opts.Token,
		DeviceID:  a.cfg.DeviceID,
	}, player, a.logger, a.clock)
}

// SendRoomCommand joins roomID just long enough to send one playback
// command, then leaves. See room.Controller for the command syntax.
func (a *App) SendRoomCommand(ctx context.Context, roomID, line string) error {
	session, err := a.JoinRoom(ctx, roomID, room.NewConsolePlayer(a.logger))
	if err != nil {
		return err
	}
	defer session.Close()

	if err := room.NewController(session).Exec(line); err != nil {
		return fmt.Errorf("room %s: %w", roomID, err)
	}
	a.logger.Info("room command sent", "room_id", roomID, "command", line)
	return nil
}

// Close releases the ledger store and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing ledger store: %w", err)
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing log file: %w", err)
		}
	}
	return firstErr
}
