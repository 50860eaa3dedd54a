package mirror

import (
	"io"
	"io/fs"
)

// LocalFS abstracts the local library directory so transfers can be tested
// without touching the real filesystem.
type LocalFS interface {
	// Stat returns file info for path.
	Stat(path string) (fs.FileInfo, error)

	// Open opens a file for reading.
	Open(path string) (io.ReadCloser, error)

	// Create starts writing a new version of path. Nothing is visible at
	// path until the returned PartialFile is committed.
	Create(path string) (PartialFile, error)

	// Remove deletes the file at path. A missing file yields an error
	// matching fs.ErrNotExist.
	Remove(path string) error

	// PruneEmptyDirs removes empty directories from dir upwards, stopping
	// at root (which is never removed).
	PruneEmptyDirs(dir string, root string) error
}

// PartialFile is an in-progress write created by LocalFS.Create.
type PartialFile interface {
	io.Writer

	// Commit makes the written content visible at the target path atomically.
	Commit() error

	// Abort discards the written content.
	Abort() error
}

// PathMatcher reports whether a remote path should be excluded from sync.
type PathMatcher interface {
	Match(remotePath string) bool
}
