package ledger

import (
	"time"

	"medsync/internal/mirror"
)

// ErrCorrupt is wrapped when a persisted ledger exists but cannot be decoded.
var ErrCorrupt = mirror.ErrLedgerCorrupt

// Run statuses recorded in the sync history.
const (
	RunStatusSuccess   = "success"
	RunStatusCancelled = "cancelled"
	RunStatusError     = "error"
)

// RunRecord is one entry of the sync-run history.
type RunRecord struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Status     string        `json:"status"`
	Mode       string        `json:"mode"`
	Counts     mirror.Counts `json:"counts"`
	Message    string        `json:"message,omitempty"`
}

// Duration returns how long the run took.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store persists the ledger together with the sync-run history.
type Store interface {
	mirror.LedgerStore

	// RecordRun appends a finished run to the history.
	RecordRun(run RunRecord) error

	// ListRuns returns up to limit runs, newest first. A limit <= 0 returns all.
	ListRuns(limit int) ([]RunRecord, error)
}

// maxHistory bounds the history kept by the file and memory stores.
const maxHistory = 200

// newestFirst returns up to limit runs from runs (oldest first) in reverse order.
func newestFirst(runs []RunRecord, limit int) []RunRecord {
	n := len(runs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]RunRecord, 0, n)
	for i := len(runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, runs[i])
	}
	return out
}
