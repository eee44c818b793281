package lifecycle

import (
	"context"
	"fmt"
	"time"

	"task-lifecycle/internal/models"
)

const (
	msgTaskCreated    = "task created"
	msgBatchStarted   = "batch execution: task started"
	msgBatchCompleted = "batch execution: task completed"
)

// Transition is one committed status change and the ledger entry written with it.
type Transition struct {
	From  models.Status       `json:"from"`
	Task  models.Task         `json:"task"`
	Entry models.HistoryEntry `json:"entry"`
}

// Record appends a ledger entry. It trusts the caller already validated the
// transition and must only run inside the unit of work that writes the status.
func Record(ctx context.Context, w LedgerWriter, taskID int64, status models.Status, at time.Time, message string) (models.HistoryEntry, error) {
	entry, err := w.AppendHistory(ctx, models.HistoryEntry{
		TaskID:    taskID,
		Status:    status,
		Timestamp: at,
		Message:   message,
	})
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("append history: %w", err)
	}
	return entry, nil
}

// advance is the read-validate-write-append sequence shared by single and
// batch transitions. The ledger timestamp never precedes the task's previous
// updated_at.
func advance(ctx context.Context, tx Tx, id int64, to models.Status, message string, now time.Time) (Transition, error) {
	from, prev, err := validate(ctx, tx, id, to)
	if err != nil {
		return Transition{}, err
	}
	at := now.UTC().Truncate(time.Microsecond)
	if at.Before(prev) {
		at = prev
	}
	task, err := tx.SetStatus(ctx, id, to, at)
	if err != nil {
		return Transition{}, fmt.Errorf("set status: %w", err)
	}
	entry, err := Record(ctx, tx, id, to, at, message)
	if err != nil {
		return Transition{}, err
	}
	return Transition{From: from, Task: task, Entry: entry}, nil
}
