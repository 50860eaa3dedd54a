package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"medsync/internal/mirror"
)

// partialPattern names in-progress downloads. The leading dot keeps them out
// of most media players' library scans.
const partialPattern = ".medsync-*.part"

// OSLocalFS is the real filesystem implementation of mirror.LocalFS.
type OSLocalFS struct {
	dirMode  fs.FileMode
	fileMode fs.FileMode
}

// NewOSLocalFS creates a LocalFS that operates on the real filesystem.
func NewOSLocalFS() *OSLocalFS {
	return &OSLocalFS{dirMode: 0755, fileMode: 0644}
}

func (m *OSLocalFS) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

func (m *OSLocalFS) Open(path string) (io.ReadCloser, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("cannot open directory as file: %s", path)
	}
	return os.Open(path)
}

// Create opens a temp file next to path. Committing renames it over path so
// readers never observe a partially written file.
func (m *OSLocalFS) Create(path string) (mirror.PartialFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, m.dirMode); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, partialPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return &osPartialFile{file: tmp, dest: path, mode: m.fileMode}, nil
}

func (m *OSLocalFS) Remove(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("refusing to remove directory: %s", path)
	}
	return os.Remove(path)
}

// PruneEmptyDirs removes dir and its parents while they are empty, stopping
// at root. Directories outside root are never touched.
func (m *OSLocalFS) PruneEmptyDirs(dir string, root string) error {
	root = filepath.Clean(root)
	dir = filepath.Clean(dir)

	for dir != root && isWithin(root, dir) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				dir = filepath.Dir(dir)
				continue
			}
			return fmt.Errorf("reading directory: %w", err)
		}
		if len(entries) > 0 {
			return nil
		}
		if err := os.Remove(dir); err != nil {
			return fmt.Errorf("removing empty directory: %w", err)
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type osPartialFile struct {
	file *os.File
	dest string
	mode fs.FileMode
	done bool
}

func (p *osPartialFile) Write(b []byte) (int, error) {
	return p.file.Write(b)
}

func (p *osPartialFile) Commit() error {
	if p.done {
		return fmt.Errorf("partial file for %s already finished", p.dest)
	}
	p.done = true
	tmpPath := p.file.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := p.file.Sync(); err != nil {
		p.file.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, p.mode); err != nil {
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpPath, p.dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func (p *osPartialFile) Abort() error {
	if p.done {
		return nil
	}
	p.done = true
	p.file.Close()
	if err := os.Remove(p.file.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing temp file: %w", err)
	}
	return nil
}

// Compile-time check that OSLocalFS implements mirror.LocalFS
var _ mirror.LocalFS = (*OSLocalFS)(nil)
