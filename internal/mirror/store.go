package mirror

import "errors"

// ErrLedgerCorrupt is wrapped by LedgerStore implementations when persisted
// data exists but cannot be decoded.
var ErrLedgerCorrupt = errors.New("ledger data is corrupt")

// LedgerStore persists the ledger document.
type LedgerStore interface {
	// Load returns the persisted ledger. It returns nil and no error when
	// nothing has been saved yet.
	Load() (*Ledger, error)

	// Save persists the whole ledger. A crash during Save must leave either
	// the previous ledger or detectably invalid data, never a truncated
	// document that decodes successfully.
	Save(ledger *Ledger) error

	// Close releases any resources held by the store.
	Close() error
}

// LoadLedger reads the ledger from store. Missing data yields a fresh ledger;
// unreadable or corrupt data is logged and also yields a fresh ledger, so the
// next successful sync rewrites a valid document.
func LoadLedger(store LedgerStore, logger Logger) *Ledger {
	ledger, err := store.Load()
	if err != nil {
		logger.Warn("ledger unreadable, starting from an empty ledger", "error", err)
		return NewLedger()
	}
	if ledger == nil {
		return NewLedger()
	}
	ledger.Normalize()
	return ledger
}
