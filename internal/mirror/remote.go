package mirror

import (
	"context"
	"io"
	"time"
)

// SizeUnknown marks a RemoteFile or TransferTask whose size is not known.
const SizeUnknown int64 = -1

// Commit is one change-log entry as decoded from the server's JSON. Its
// shape is loosely specified; ExtractChanges is the only code that reads it.
type Commit = map[string]any

// RemoteFile is one entry of the remote library listing.
type RemoteFile struct {
	Path string
	Size int64  // SizeUnknown when the server did not report it
	Hash string // empty when the server did not report it
}

// Remote is the media library server the local library mirrors.
type Remote interface {
	// Name identifies the server; it is recorded as FileRecord.SourceServer.
	Name() string

	// Commits returns change-log entries newer than since, or all entries
	// when since is nil.
	Commits(ctx context.Context, since *time.Time) ([]Commit, error)

	// ListFiles returns the complete remote library listing.
	ListFiles(ctx context.Context) ([]RemoteFile, error)

	// CountFiles returns the number of remote files whose first path segment
	// is one of folders, or all files when folders is empty.
	CountFiles(ctx context.Context, folders []string) (int, error)

	// Download opens the content of remotePath for streaming.
	// The caller must close the returned reader.
	Download(ctx context.Context, remotePath string) (io.ReadCloser, error)
}
