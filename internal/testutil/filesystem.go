package testutil

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"medsync/internal/mirror"
)

// MemoryFS is an in-memory mirror.LocalFS. Safe for concurrent use.
type MemoryFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	// CreateErr, when set for a path, is returned by Create.
	CreateErr map[string]error
	// RemoveErr, when set for a path, is returned by Remove.
	RemoveErr map[string]error
}

// NewMemoryFS creates an empty filesystem.
func NewMemoryFS() *MemoryFS {
	return &MemoryFS{
		files:     make(map[string][]byte),
		dirs:      make(map[string]bool),
		CreateErr: make(map[string]error),
		RemoveErr: make(map[string]error),
	}
}

// AddFile writes content at path, creating parent directories.
func (m *MemoryFS) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(path, content)
}

func (m *MemoryFS) putLocked(path string, content []byte) {
	path = filepath.Clean(path)
	m.files[path] = append([]byte(nil), content...)
	for dir := filepath.Dir(path); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
		m.dirs[dir] = true
	}
}

// ReadFile returns the content at path.
func (m *MemoryFS) ReadFile(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[filepath.Clean(path)]
	return b, ok
}

// HasDir reports whether dir exists.
func (m *MemoryFS) HasDir(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirs[filepath.Clean(dir)]
}

// Files returns all file paths in lexical order.
func (m *MemoryFS) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (m *MemoryFS) Stat(path string) (fs.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	if b, ok := m.files[path]; ok {
		return &memFileInfo{name: filepath.Base(path), size: int64(len(b))}, nil
	}
	if m.dirs[path] {
		return &memFileInfo{name: filepath.Base(path), isDir: true}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
}

func (m *MemoryFS) Open(path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[filepath.Clean(path)]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *MemoryFS) Create(path string) (mirror.PartialFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.CreateErr[path]; err != nil {
		return nil, err
	}
	return &memPartialFile{fs: m, path: path}, nil
}

func (m *MemoryFS) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.RemoveErr[path]; err != nil {
		return err
	}
	path = filepath.Clean(path)
	if _, ok := m.files[path]; !ok {
		return &fs.PathError{Op: "remove", Path: path, Err: fs.ErrNotExist}
	}
	delete(m.files, path)
	return nil
}

func (m *MemoryFS) PruneEmptyDirs(dir string, root string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, root = filepath.Clean(dir), filepath.Clean(root)
	for dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
		if !m.emptyLocked(dir) {
			return nil
		}
		delete(m.dirs, dir)
		dir = filepath.Dir(dir)
	}
	return nil
}

func (m *MemoryFS) emptyLocked(dir string) bool {
	prefix := dir + string(filepath.Separator)
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			return false
		}
	}
	for d := range m.dirs {
		if strings.HasPrefix(d, prefix) {
			return false
		}
	}
	return true
}

type memPartialFile struct {
	fs   *MemoryFS
	path string
	buf  bytes.Buffer
	done bool
}

func (p *memPartialFile) Write(b []byte) (int, error) {
	if p.done {
		return 0, fmt.Errorf("write to finished file %s", p.path)
	}
	return p.buf.Write(b)
}

func (p *memPartialFile) Commit() error {
	if p.done {
		return fmt.Errorf("file %s already finished", p.path)
	}
	p.done = true
	p.fs.mu.Lock()
	defer p.fs.mu.Unlock()
	p.fs.putLocked(p.path, p.buf.Bytes())
	return nil
}

func (p *memPartialFile) Abort() error {
	p.done = true
	return nil
}

// memFileInfo implements fs.FileInfo
type memFileInfo struct {
	name  string
	size  int64
	isDir bool
}

func (i *memFileInfo) Name() string { return i.name }
func (i *memFileInfo) Size() int64  { return i.size }
func (i *memFileInfo) Mode() fs.FileMode {
	if i.isDir {
		return fs.ModeDir | 0755
	}
	return 0644
}
func (i *memFileInfo) ModTime() time.Time { return time.Time{} }
func (i *memFileInfo) IsDir() bool        { return i.isDir }
func (i *memFileInfo) Sys() any           { return nil }

// Compile-time check
var _ mirror.LocalFS = (*MemoryFS)(nil)
