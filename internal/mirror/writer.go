package mirror

import (
	"fmt"
	"sync"
)

// LedgerWriter is the single write path for a ledger shared by concurrent
// transfers. Commits are applied and persisted one at a time in the order
// they arrive. Readers take a shared lock and are not blocked while a
// committed ledger is being written to disk.
type LedgerWriter struct {
	store  LedgerStore
	logger Logger

	commitMu sync.Mutex
	mu       sync.RWMutex
	ledger   *Ledger
}

// NewLedgerWriter wraps ledger so that every mutation is persisted to store.
func NewLedgerWriter(store LedgerStore, ledger *Ledger, logger Logger) *LedgerWriter {
	return &LedgerWriter{
		store:  store,
		logger: logger,
		ledger: ledger,
	}
}

// Commit applies fn to the ledger and saves the result.
func (w *LedgerWriter) Commit(fn func(*Ledger)) error {
	_, err := w.CommitIf(func(l *Ledger) bool {
		fn(l)
		return true
	})
	return err
}

// CommitIf applies fn to the ledger and saves the result only when fn
// reports a change.
func (w *LedgerWriter) CommitIf(fn func(*Ledger) bool) (bool, error) {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	w.mu.Lock()
	changed := fn(w.ledger)
	w.mu.Unlock()
	if !changed {
		return false, nil
	}

	w.mu.RLock()
	err := w.store.Save(w.ledger)
	w.mu.RUnlock()
	if err != nil {
		w.logger.Error("saving ledger failed", "error", err)
		return true, fmt.Errorf("saving ledger: %w", err)
	}
	return true, nil
}

// Get returns the committed record for remotePath.
func (w *LedgerWriter) Get(remotePath string) (FileRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ledger.Get(remotePath)
}

// Len returns the number of committed records.
func (w *LedgerWriter) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ledger.Len()
}

// CountInScope counts committed records kept by filter.
func (w *LedgerWriter) CountInScope(filter *FolderFilter) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ledger.CountInScope(filter)
}

// CountIgnored counts committed ignored paths kept by filter and m.
func (w *LedgerWriter) CountIgnored(filter *FolderFilter, m PathMatcher) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ledger.CountIgnored(filter, m)
}

// Snapshot returns a copy of the committed ledger.
func (w *LedgerWriter) Snapshot() *Ledger {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ledger.Clone()
}
