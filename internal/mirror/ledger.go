package mirror

import (
	"sort"
	"time"
)

// FileRecord describes one remote file that is present in the local library.
// Size and Hash always describe the last completed transfer, never a partial write.
type FileRecord struct {
	RemotePath   string    `json:"remote_path"`
	LocalPath    string    `json:"local_path"`
	Filename     string    `json:"filename"`
	Size         uint64    `json:"size"`
	Hash         string    `json:"hash"`
	DownloadedAt time.Time `json:"downloaded_at"`
	SourceServer string    `json:"source_server"`
}

// Ledger is the durable record of which remote files exist locally.
// TotalSizeBytes always equals the sum of Files[*].Size after a mutation
// made through Upsert or Remove.
type Ledger struct {
	Files          map[string]FileRecord `json:"files"`
	LastSyncAt     *time.Time            `json:"last_sync_at"`
	SyncCount      uint32                `json:"sync_count"`
	TotalSizeBytes int64                 `json:"total_size_bytes"`
	LastCommitID   string                `json:"last_commit_id,omitempty"`

	// Ignored holds remote paths, sorted, that exist on the server but are
	// kept out of Files by ignore patterns. The completeness check counts
	// them as present.
	Ignored []string `json:"ignored,omitempty"`
}

// NewLedger returns the empty ledger used on first run.
func NewLedger() *Ledger {
	return &Ledger{Files: make(map[string]FileRecord)}
}

// Get returns the record for remotePath, if any.
func (l *Ledger) Get(remotePath string) (FileRecord, bool) {
	rec, ok := l.Files[remotePath]
	return rec, ok
}

// Upsert inserts or replaces the record for remotePath.
func (l *Ledger) Upsert(remotePath string, rec FileRecord) {
	if old, ok := l.Files[remotePath]; ok {
		l.TotalSizeBytes -= int64(old.Size)
	}
	rec.RemotePath = remotePath
	l.Files[remotePath] = rec
	l.TotalSizeBytes += int64(rec.Size)
}

// Remove deletes the record for remotePath. It reports whether a record existed.
func (l *Ledger) Remove(remotePath string) bool {
	old, ok := l.Files[remotePath]
	if !ok {
		return false
	}
	delete(l.Files, remotePath)
	l.TotalSizeBytes -= int64(old.Size)
	return true
}

// Len returns the number of files in the ledger.
func (l *Ledger) Len() int {
	return len(l.Files)
}

// Paths returns all remote paths in lexical order.
func (l *Ledger) Paths() []string {
	paths := make([]string, 0, len(l.Files))
	for p := range l.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// CountInScope returns how many ledger entries the filter keeps.
func (l *Ledger) CountInScope(filter *FolderFilter) int {
	n := 0
	for p := range l.Files {
		if filter.IsInScope(p) {
			n++
		}
	}
	return n
}

// Normalize repairs a ledger decoded from storage: a missing file map becomes
// empty, TotalSizeBytes is recomputed from the records and Ignored is sorted.
func (l *Ledger) Normalize() {
	if l.Files == nil {
		l.Files = make(map[string]FileRecord)
	}
	var total int64
	for p, rec := range l.Files {
		if rec.RemotePath == "" {
			rec.RemotePath = p
			l.Files[p] = rec
		}
		total += int64(rec.Size)
	}
	l.TotalSizeBytes = total
	l.SetIgnored(l.Ignored)
}

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		Files:          make(map[string]FileRecord, len(l.Files)),
		SyncCount:      l.SyncCount,
		TotalSizeBytes: l.TotalSizeBytes,
		LastCommitID:   l.LastCommitID,
	}
	for p, rec := range l.Files {
		c.Files[p] = rec
	}
	if l.LastSyncAt != nil {
		t := *l.LastSyncAt
		c.LastSyncAt = &t
	}
	if l.Ignored != nil {
		c.Ignored = append([]string(nil), l.Ignored...)
	}
	return c
}

// SetIgnored replaces the ignored paths. It reports whether they changed.
func (l *Ledger) SetIgnored(paths []string) bool {
	next := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if _, dup := seen[p]; dup || p == "" {
			continue
		}
		seen[p] = struct{}{}
		next = append(next, p)
	}
	sort.Strings(next)

	if len(next) == len(l.Ignored) {
		same := true
		for i := range next {
			if next[i] != l.Ignored[i] {
				same = false
				break
			}
		}
		if same {
			return false
		}
	}
	if len(next) == 0 {
		next = nil
	}
	l.Ignored = next
	return true
}

// AddIgnored records remotePath as ignored. It reports whether it was new.
func (l *Ledger) AddIgnored(remotePath string) bool {
	i := sort.SearchStrings(l.Ignored, remotePath)
	if i < len(l.Ignored) && l.Ignored[i] == remotePath {
		return false
	}
	l.Ignored = append(l.Ignored, "")
	copy(l.Ignored[i+1:], l.Ignored[i:])
	l.Ignored[i] = remotePath
	return true
}

// RemoveIgnored forgets remotePath. It reports whether it was recorded.
func (l *Ledger) RemoveIgnored(remotePath string) bool {
	i := sort.SearchStrings(l.Ignored, remotePath)
	if i == len(l.Ignored) || l.Ignored[i] != remotePath {
		return false
	}
	l.Ignored = append(l.Ignored[:i], l.Ignored[i+1:]...)
	if len(l.Ignored) == 0 {
		l.Ignored = nil
	}
	return true
}

// CountIgnored returns how many ignored paths are in scope and still matched
// by m. Paths that also have a file record are not counted twice.
func (l *Ledger) CountIgnored(filter *FolderFilter, m PathMatcher) int {
	if m == nil {
		return 0
	}
	n := 0
	for _, p := range l.Ignored {
		if _, tracked := l.Files[p]; tracked {
			continue
		}
		if filter.IsInScope(p) && m.Match(p) {
			n++
		}
	}
	return n
}
