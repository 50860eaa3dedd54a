package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"medsync/internal/mirror"
)

// File names used by JSONStore inside its data directory.
const (
	LedgerFileName  = "ledger.json"
	HistoryFileName = "history.json"
)

// JSONStore keeps the ledger as a single JSON document on disk.
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

// NewJSONStore creates a store under dir, creating the directory if needed.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

// Path returns the ledger file location.
func (s *JSONStore) Path() string {
	return filepath.Join(s.dir, LedgerFileName)
}

func (s *JSONStore) Load() (*mirror.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading ledger: %w", err)
	}

	var l mirror.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.Path(), err)
	}
	l.Normalize()
	return &l, nil
}

func (s *JSONStore) Save(l *mirror.Ledger) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.Path(), data)
}

func (s *JSONStore) Close() error { return nil }

func (s *JSONStore) RecordRun(run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.readHistory()
	if err != nil {
		// An unreadable history is replaced rather than blocking syncs.
		runs = nil
	}
	runs = append(runs, run)
	if len(runs) > maxHistory {
		runs = runs[len(runs)-maxHistory:]
	}

	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.dir, HistoryFileName), data)
}

func (s *JSONStore) ListRuns(limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.readHistory()
	if err != nil {
		return nil, err
	}
	return newestFirst(runs, limit), nil
}

func (s *JSONStore) readHistory() ([]RunRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, HistoryFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading history: %w", err)
	}
	var runs []RunRecord
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrCorrupt, err)
	}
	return runs, nil
}

// writeFileAtomic writes data to a temp file in the destination directory,
// syncs it and renames it over destPath. A crash leaves either the previous
// file or a stray temp file, never a truncated destPath.
func writeFileAtomic(destPath string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check
var _ Store = (*JSONStore)(nil)
