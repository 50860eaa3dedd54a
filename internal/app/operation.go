package app

import (
	"errors"
	"time"

	"medsync/internal/ledger"
	"medsync/internal/mirror"
)

// SyncOperation tracks one sync run from start to its history record.
type SyncOperation struct {
	ID        string
	StartedAt time.Time
}

// NewSyncOperation creates an in-memory operation started at the given time.
func NewSyncOperation(id string, startedAt time.Time) *SyncOperation {
	return &SyncOperation{ID: id, StartedAt: startedAt}
}

// Finish builds the history record for the run's outcome. A run rejected
// because another was active yields ok=false and is not recorded.
func (op *SyncOperation) Finish(res mirror.Result, err error, finishedAt time.Time) (ledger.RunRecord, bool) {
	if errors.Is(err, mirror.ErrSyncInProgress) {
		return ledger.RunRecord{}, false
	}

	rec := ledger.RunRecord{
		ID:         op.ID,
		StartedAt:  op.StartedAt,
		FinishedAt: finishedAt,
		Status:     ledger.RunStatusSuccess,
		Mode:       res.Mode.String(),
		Counts:     res.Counts,
	}
	switch {
	case err == nil:
	case errors.Is(err, mirror.ErrCancelled):
		rec.Status = ledger.RunStatusCancelled
	default:
		rec.Status = ledger.RunStatusError
		rec.Message = err.Error()
	}
	return rec, true
}
