package lifecycle

import (
	"context"
	"time"

	"task-lifecycle/internal/models"
)

// StatusReader is the read port the validator consults. Implementations must
// return ErrTaskNotFound for unknown ids.
type StatusReader interface {
	TaskStatus(ctx context.Context, id int64) (models.Status, time.Time, error)
}

// LedgerWriter appends history entries. The store assigns ID.
type LedgerWriter interface {
	AppendHistory(ctx context.Context, entry models.HistoryEntry) (models.HistoryEntry, error)
}

// Tx is one unit of work. Reading a task through Task or TaskStatus locks it
// until the unit commits or rolls back.
type Tx interface {
	StatusReader
	LedgerWriter

	Task(ctx context.Context, id int64) (models.Task, error)
	InsertTask(ctx context.Context, task models.Task) (models.Task, error)
	SetStatus(ctx context.Context, id int64, status models.Status, at time.Time) (models.Task, error)
	SetDetails(ctx context.Context, task models.Task) (models.Task, error)
	History(ctx context.Context, taskID int64) ([]models.HistoryEntry, error)
	DeleteHistory(ctx context.Context, taskID int64) (int64, error)
	DeleteTask(ctx context.Context, id int64) error
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	Status   models.Status
	Priority models.Priority
	Type     string
}

// Store is the task table plus history ledger. InTx commits when fn returns
// nil and rolls back otherwise, returning fn's error unchanged.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetTask(ctx context.Context, id int64) (models.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error)
	History(ctx context.Context, taskID int64) ([]models.HistoryEntry, error)
	Ping(ctx context.Context) error
}

// Publisher receives committed transitions.
type Publisher interface {
	Publish(ctx context.Context, ev models.TransitionEvent) error
}

// Locker grants a named lease. ok is false when someone else holds it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Archiver keeps a copy of a task's history before the task is deleted.
type Archiver interface {
	ArchiveHistory(ctx context.Context, task models.Task, entries []models.HistoryEntry) (string, error)
}
