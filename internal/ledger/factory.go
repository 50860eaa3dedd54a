package ledger

import (
	"fmt"
	"os"
	"path/filepath"

	"medsync/internal/config"
)

// NewStoreFromConfig creates a Store implementation based on the ledger config type.
func NewStoreFromConfig(cfg config.LedgerConfig) (Store, error) {
	switch cfg.Type {
	case "json", "":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for json ledger")
		}
		return NewJSONStore(cfg.DataDir)
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite ledger")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, SQLiteFileName))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown ledger type: %s", cfg.Type)
	}
}
