package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"medsync/internal/mirror"
)

// ErrRemoteNotFound is returned by MemoryRemote.Download for unknown paths.
var ErrRemoteNotFound = errors.New("remote file not found")

// MemoryRemote is an in-memory mirror.Remote with call instrumentation.
// Safe for concurrent use.
type MemoryRemote struct {
	mu      sync.Mutex
	name    string
	files   map[string][]byte
	commits []mirror.Commit

	// Failure injection.
	CommitsErr  error
	ListErr     error
	CountErr    error
	DownloadErr map[string]error
	// BodyOverride replaces the served content without changing the listing.
	BodyOverride map[string][]byte
	// OmitSizes hides sizes from the listing.
	OmitSizes bool
	// WithHashes includes SHA-256 digests in the listing.
	WithHashes bool
	// DownloadDelay is slept inside Download so transfers overlap.
	DownloadDelay time.Duration
	// OnDownload runs at the start of each Download.
	OnDownload func(remotePath string)

	inFlight    int
	maxInFlight int
	downloads   map[string]int
	listCalls   int
	countCalls  int
}

// NewMemoryRemote creates an empty remote.
func NewMemoryRemote(name string) *MemoryRemote {
	return &MemoryRemote{
		name:         name,
		files:        make(map[string][]byte),
		DownloadErr:  make(map[string]error),
		BodyOverride: make(map[string][]byte),
		downloads:    make(map[string]int),
	}
}

// AddFile adds or replaces a remote file.
func (r *MemoryRemote) AddFile(path string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = append([]byte(nil), content...)
}

// RemoveFile deletes a remote file.
func (r *MemoryRemote) RemoveFile(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, path)
}

// AddCommit appends a change-log entry.
func (r *MemoryRemote) AddCommit(c mirror.Commit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, c)
}

// MaxInFlight returns the highest number of simultaneously open downloads.
func (r *MemoryRemote) MaxInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInFlight
}

// Downloads returns how often path was downloaded.
func (r *MemoryRemote) Downloads(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downloads[path]
}

// TotalDownloads returns the number of Download calls.
func (r *MemoryRemote) TotalDownloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.downloads {
		n += c
	}
	return n
}

// ListCalls returns the number of ListFiles calls.
func (r *MemoryRemote) ListCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listCalls
}

// CountCalls returns the number of CountFiles calls.
func (r *MemoryRemote) CountCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countCalls
}

func (r *MemoryRemote) Name() string { return r.name }

// Commits returns commits whose timestamp is after since. Commits without a
// timestamp are always returned.
func (r *MemoryRemote) Commits(ctx context.Context, since *time.Time) ([]mirror.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CommitsErr != nil {
		return nil, r.CommitsErr
	}
	var out []mirror.Commit
	for _, c := range r.commits {
		if since != nil {
			if _, at, ok := mirror.CommitMeta(c); ok && !at.After(*since) {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryRemote) ListFiles(ctx context.Context) ([]mirror.RemoteFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if r.ListErr != nil {
		return nil, r.ListErr
	}
	paths := make([]string, 0, len(r.files))
	for p := range r.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]mirror.RemoteFile, 0, len(paths))
	for _, p := range paths {
		f := mirror.RemoteFile{Path: p, Size: int64(len(r.files[p]))}
		if r.OmitSizes {
			f.Size = mirror.SizeUnknown
		}
		if r.WithHashes {
			f.Hash = SHA256Hex(r.files[p])
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *MemoryRemote) CountFiles(ctx context.Context, folders []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.countCalls++
	if r.CountErr != nil {
		return 0, r.CountErr
	}
	filter := mirror.NewFolderFilter(folders)
	n := 0
	for p := range r.files {
		if filter.IsInScope(p) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRemote) Download(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	r.mu.Lock()
	r.downloads[remotePath]++
	hook := r.OnDownload
	if err := r.DownloadErr[remotePath]; err != nil {
		r.mu.Unlock()
		return nil, err
	}
	content, ok := r.BodyOverride[remotePath]
	if !ok {
		content, ok = r.files[remotePath]
	}
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRemoteNotFound, remotePath)
	}
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	delay := r.DownloadDelay
	r.mu.Unlock()

	if hook != nil {
		hook(remotePath)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.release()
			return nil, ctx.Err()
		}
	}
	return &trackedBody{Reader: bytes.NewReader(content), release: r.release}, nil
}

func (r *MemoryRemote) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
}

// trackedBody counts as in flight until closed.
type trackedBody struct {
	io.Reader
	once    sync.Once
	release func()
}

func (b *trackedBody) Close() error {
	b.once.Do(b.release)
	return nil
}

// Compile-time check
var _ mirror.Remote = (*MemoryRemote)(nil)

// FailingStore is a mirror.LedgerStore whose Save can be made to fail.
type FailingStore struct {
	mu      sync.Mutex
	saved   *mirror.Ledger
	SaveErr error
	LoadErr error
	saves   int
}

func (s *FailingStore) Load() (*mirror.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	if s.saved == nil {
		return nil, nil
	}
	return s.saved.Clone(), nil
}

func (s *FailingStore) Save(l *mirror.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.saved = l.Clone()
	return nil
}

func (s *FailingStore) Close() error { return nil }

// Saves returns the number of Save calls.
func (s *FailingStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

var _ mirror.LedgerStore = (*FailingStore)(nil)
