package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"task-lifecycle/internal/logger"
	"task-lifecycle/internal/models"
	"task-lifecycle/internal/telemetry"
)

const batchLockKey = "lock:execute_all"

// Outcome is what a batch run did with one task.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// TaskOutcome is reported per selected task.
type TaskOutcome struct {
	TaskID   int64           `json:"task_id"`
	Priority models.Priority `json:"priority"`
	Outcome  Outcome         `json:"outcome"`
	Reason   string          `json:"reason,omitempty"`
}

// BatchResult summarizes one ExecuteAllPending run. Executed counts tasks that
// went all the way to completed.
type BatchResult struct {
	RunID      string        `json:"run_id"`
	Executed   int           `json:"executed"`
	Outcomes   []TaskOutcome `json:"outcomes"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// OrderForExecution sorts tasks by priority rank descending, then created_at
// ascending, then id ascending.
func OrderForExecution(tasks []models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := models.PriorityRank(tasks[i].Priority), models.PriorityRank(tasks[j].Priority)
		if ri != rj {
			return ri > rj
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// ExecuteAllPending advances every pending task through in_progress to
// completed in execution order. Tasks whose transition is rejected are skipped
// and tasks hitting a storage error are marked failed; neither stops the run.
// If the store stops answering the run aborts with ErrStoreUnavailable and the
// partial result.
func (s *Service) ExecuteAllPending(ctx context.Context) (BatchResult, error) {
	res := BatchResult{RunID: uuid.NewString(), StartedAt: s.now().UTC()}
	log := logger.FromContext(ctx).With("run_id", res.RunID, "component", "batch")
	ctx = logger.WithContext(ctx, log)

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, batchLockKey, s.lockTTL)
		if err != nil {
			telemetry.BatchRuns.WithLabelValues("error").Inc()
			return res, &StorageError{Op: "acquire batch lock", Err: err}
		}
		if !ok {
			telemetry.BatchRuns.WithLabelValues("locked").Inc()
			return res, ErrBatchInProgress
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("release batch lock", "error", err)
			}
		}()
	}

	pending, err := s.store.ListTasks(ctx, TaskFilter{Status: models.StatusPending})
	if err != nil {
		telemetry.BatchRuns.WithLabelValues("error").Inc()
		return res, fmt.Errorf("%w: list pending tasks: %v", ErrStoreUnavailable, err)
	}
	OrderForExecution(pending)

	outcomes := make([]TaskOutcome, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, t := range pending {
		i, t := i, t
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			outcomes[i] = s.executeOne(gctx, t)
			if outcomes[i].Outcome != OutcomeFailed {
				return nil
			}
			if err := s.store.Ping(gctx); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			return nil
		})
	}
	runErr := g.Wait()
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	res.Outcomes = make([]TaskOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Outcome == "" {
			continue
		}
		telemetry.BatchTaskOutcomes.WithLabelValues(string(o.Outcome)).Inc()
		if o.Outcome == OutcomeCompleted {
			res.Executed++
		}
		res.Outcomes = append(res.Outcomes, o)
	}
	res.FinishedAt = s.now().UTC()

	if runErr != nil {
		telemetry.BatchRuns.WithLabelValues("error").Inc()
		log.Error("batch execution aborted", "executed", res.Executed, "selected", len(pending), "error", runErr)
		return res, runErr
	}
	telemetry.BatchRuns.WithLabelValues("ok").Inc()
	log.Info("batch execution finished",
		"selected", len(pending),
		"executed", res.Executed,
		"duration_ms", res.FinishedAt.Sub(res.StartedAt).Milliseconds())
	return res, nil
}

// executeOne runs both steps for one task in a single unit of work, so the task
// is never left half advanced.
func (s *Service) executeOne(ctx context.Context, t models.Task) TaskOutcome {
	out := TaskOutcome{TaskID: t.ID, Priority: t.Priority}

	var applied []Transition
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		applied = applied[:0]
		started, err := advance(ctx, tx, t.ID, models.StatusInProgress, msgBatchStarted, s.now())
		if err != nil {
			return err
		}
		done, err := advance(ctx, tx, t.ID, models.StatusCompleted, msgBatchCompleted, s.now())
		if err != nil {
			return err
		}
		applied = append(applied, started, done)
		return nil
	})

	switch {
	case err == nil:
		out.Outcome = OutcomeCompleted
		for _, tr := range applied {
			s.committed(ctx, tr, SourceBatch)
		}
	case errors.Is(err, ErrTaskNotFound) || IsIllegalTransition(err):
		out.Outcome = OutcomeSkipped
		out.Reason = err.Error()
		logger.FromContext(ctx).Debug("batch skipped task", "task_id", t.ID, "reason", out.Reason)
	default:
		out.Outcome = OutcomeFailed
		out.Reason = classify("execute task", err).Error()
		logger.FromContext(ctx).Error("batch task failed", "task_id", t.ID, "error", err)
	}
	return out
}
