package ledger

import (
	"encoding/json"
	"fmt"
	"sync"

	"medsync/internal/mirror"
)

// MemoryStore keeps the encoded ledger in memory. Used by tests and dry runs.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	runs  []RunRecord
	saves int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (*mirror.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	var l mirror.Ledger
	if err := json.Unmarshal(s.data, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	l.Normalize()
	return &l, nil
}

func (s *MemoryStore) Save(l *mirror.Ledger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.saves++
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Raw returns the last saved document.
func (s *MemoryStore) Raw() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// SetRaw replaces the saved document, e.g. with corrupt data.
func (s *MemoryStore) SetRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
}

// Saves returns the number of successful Save calls.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) RecordRun(run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	if len(s.runs) > maxHistory {
		s.runs = s.runs[len(s.runs)-maxHistory:]
	}
	return nil
}

func (s *MemoryStore) ListRuns(limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.runs, limit), nil
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
