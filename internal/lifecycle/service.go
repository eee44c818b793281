package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"task-lifecycle/internal/logger"
	"task-lifecycle/internal/models"
	"task-lifecycle/internal/telemetry"
)

const (
	SourceAPI   = "transition"
	SourceBatch = "batch"
)

// Service is the entry point for every task lifecycle operation.
type Service struct {
	store       Store
	publisher   Publisher
	locker      Locker
	lockTTL     time.Duration
	archiver    Archiver
	concurrency int
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sends committed transitions to p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLocker makes ExecuteAllPending hold a run lock for at most ttl.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Service) {
		s.locker = l
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithArchiver archives task history before deletion.
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// WithBatchConcurrency sets how many tasks a batch run advances at once.
func WithBatchConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st Store, opts ...Option) *Service {
	s := &Service{
		store:       st,
		lockTTL:     time.Minute,
		concurrency: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewTask collects the inputs for CreateTask.
type NewTask struct {
	Name       string
	Type       string
	Priority   models.Priority
	Parameters string
}

// CreateTask stores a pending task together with its seed history entry.
func (s *Service) CreateTask(ctx context.Context, in NewTask) (models.Task, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Type) == "" {
		return models.Task{}, fmt.Errorf("%w: name and type are required", ErrInvalidTask)
	}
	now := s.now().UTC().Truncate(time.Microsecond)

	var created models.Task
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		t, err := tx.InsertTask(ctx, models.Task{
			Name:       in.Name,
			Type:       in.Type,
			Priority:   in.Priority,
			Status:     models.StatusPending,
			Parameters: in.Parameters,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if _, err := Record(ctx, tx, t.ID, models.StatusPending, now, msgTaskCreated); err != nil {
			return err
		}
		created = t
		return nil
	})
	if err != nil {
		return models.Task{}, classify("create task", err)
	}

	telemetry.TasksCreated.Inc()
	logger.FromContext(ctx).Debug("task created", "task_id", created.ID, "priority", created.Priority)
	s.publish(ctx, models.TransitionEvent{
		TaskID:  created.ID,
		To:      models.StatusPending,
		Message: msgTaskCreated,
		At:      now,
		Source:  SourceAPI,
	})
	return created, nil
}

// ApplyTransition moves one task to status to. On rejection it returns the
// *TransitionError carrying the validator's reason; a missing task yields ErrTaskNotFound.
func (s *Service) ApplyTransition(ctx context.Context, id int64, to models.Status, message string) (Transition, error) {
	var tr Transition
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		tr, err = advance(ctx, tx, id, to, message, s.now())
		return err
	})
	if err != nil {
		if IsIllegalTransition(err) {
			telemetry.TransitionsRejected.WithLabelValues(statusLabel(to)).Inc()
			logger.FromContext(ctx).Debug("transition rejected", "task_id", id, "to", to, "reason", err.Error())
		}
		return Transition{}, classify("apply transition", err)
	}
	s.committed(ctx, tr, SourceAPI)
	return tr, nil
}

// Ping checks that the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, id int64) (models.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, classify("get task", err)
	}
	return t, nil
}

// ListTasks returns tasks matching f, newest first.
func (s *Service) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	tasks, err := s.store.ListTasks(ctx, f)
	if err != nil {
		return nil, classify("list tasks", err)
	}
	return tasks, nil
}

// History returns the ledger for a task, newest first.
func (s *Service) History(ctx context.Context, id int64) ([]models.HistoryEntry, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, classify("get task", err)
	}
	entries, err := s.store.History(ctx, id)
	if err != nil {
		return nil, classify("read history", err)
	}
	return entries, nil
}

// TaskPatch lists the descriptive fields UpdateTask may change. Nil fields
// are left as they are. Status only changes through ApplyTransition.
type TaskPatch struct {
	Name       *string
	Type       *string
	Priority   *models.Priority
	Parameters *string
}

// UpdateTask applies p to a task without touching its status or history.
func (s *Service) UpdateTask(ctx context.Context, id int64, p TaskPatch) (models.Task, error) {
	if (p.Name != nil && strings.TrimSpace(*p.Name) == "") || (p.Type != nil && strings.TrimSpace(*p.Type) == "") {
		return models.Task{}, fmt.Errorf("%w: name and type cannot be empty", ErrInvalidTask)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return models.Task{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, *p.Priority)
	}
	var updated models.Task
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		task, err := tx.Task(ctx, id)
		if err != nil {
			return err
		}
		if p.Name != nil {
			task.Name = *p.Name
		}
		if p.Type != nil {
			task.Type = *p.Type
		}
		if p.Priority != nil {
			task.Priority = *p.Priority
		}
		if p.Parameters != nil {
			task.Parameters = *p.Parameters
		}
		at := s.now().UTC().Truncate(time.Microsecond)
		if at.Before(task.UpdatedAt) {
			at = task.UpdatedAt
		}
		task.UpdatedAt = at
		updated, err = tx.SetDetails(ctx, task)
		return err
	})
	if err != nil {
		return models.Task{}, classify("update task", err)
	}
	logger.FromContext(ctx).Debug("task updated", "task_id", id)
	return updated, nil
}

// DeleteTask removes a task and all of its history in one unit of work. When
// an Archiver is configured the history is archived first and an archive
// failure aborts the delete.
func (s *Service) DeleteTask(ctx context.Context, id int64) error {
	var removed int64
	var location string
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		task, err := tx.Task(ctx, id)
		if err != nil {
			return err
		}
		if s.archiver != nil {
			entries, err := tx.History(ctx, id)
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			if location, err = s.archiver.ArchiveHistory(ctx, task, entries); err != nil {
				return fmt.Errorf("archive history: %w", err)
			}
		}
		if removed, err = tx.DeleteHistory(ctx, id); err != nil {
			return fmt.Errorf("delete history: %w", err)
		}
		return tx.DeleteTask(ctx, id)
	})
	if err != nil {
		return classify("delete task", err)
	}
	telemetry.TasksDeleted.Inc()
	logger.FromContext(ctx).Info("task deleted", "task_id", id, "history_entries", removed, "archive", location)
	return nil
}

func (s *Service) committed(ctx context.Context, tr Transition, source string) {
	telemetry.TransitionsApplied.WithLabelValues(string(tr.Task.Status)).Inc()
	logger.FromContext(ctx).Debug("transition applied",
		"task_id", tr.Task.ID,
		"from", tr.From,
		"to", tr.Task.Status,
		"source", source)
	s.publish(ctx, models.TransitionEvent{
		TaskID:  tr.Task.ID,
		From:    tr.From,
		To:      tr.Task.Status,
		Message: tr.Entry.Message,
		At:      tr.Entry.Timestamp,
		Source:  source,
	})
}

// statusLabel keeps metric label values bounded to the known statuses.
func statusLabel(s models.Status) string {
	if !s.Valid() {
		return "unknown"
	}
	return string(s)
}

// publish runs after commit; failures are logged and counted only.
func (s *Service) publish(ctx context.Context, ev models.TransitionEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		telemetry.EventPublishFailures.Inc()
		logger.FromContext(ctx).Warn("publish transition event", "task_id", ev.TaskID, "error", err)
	}
}
