package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"task-lifecycle/internal/lifecycle"
	"task-lifecycle/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence. Units of work lock the
// task row with SELECT ... FOR UPDATE.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations applies the embedded Postgres schema.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return migrate(ctx, db, goose.DialectPostgres, "migrations/postgres")
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTx runs fn in a read-committed transaction; fn's error is returned unchanged.
func (s *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, tx lifecycle.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Postgres) GetTask(ctx context.Context, id int64) (models.Task, error) {
	return pgTask(ctx, s.pool, id, false)
}

func (s *Postgres) History(ctx context.Context, taskID int64) ([]models.HistoryEntry, error) {
	return pgHistory(ctx, s.pool, taskID)
}

// ListTasks returns matching tasks, newest first.
func (s *Postgres) ListTasks(ctx context.Context, f lifecycle.TaskFilter) ([]models.Task, error) {
	query := `SELECT id, name, type, priority, status, parameters, created_at, updated_at FROM tasks`
	var conds []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Priority != "" {
		add("priority", string(f.Priority))
	}
	if f.Type != "" {
		add("type", f.Type)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// pgQueryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQueryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	q pgQueryer
}

func (t *pgTx) Task(ctx context.Context, id int64) (models.Task, error) {
	return pgTask(ctx, t.q, id, true)
}

func (t *pgTx) TaskStatus(ctx context.Context, id int64) (models.Status, time.Time, error) {
	var status string
	var updated time.Time
	err := t.q.QueryRow(ctx, `SELECT status, updated_at FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&status, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, lifecycle.ErrTaskNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read current status: %w", err)
	}
	return models.Status(status), updated.UTC(), nil
}

func (t *pgTx) InsertTask(ctx context.Context, task models.Task) (models.Task, error) {
	err := t.q.QueryRow(ctx, `
		INSERT INTO tasks (name, type, priority, status, parameters, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, task.Name, task.Type, string(task.Priority), string(task.Status), task.Parameters, task.CreatedAt, task.UpdatedAt).Scan(&task.ID)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func (t *pgTx) SetStatus(ctx context.Context, id int64, status models.Status, at time.Time) (models.Task, error) {
	row := t.q.QueryRow(ctx, `
		UPDATE tasks SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING id, name, type, priority, status, parameters, created_at, updated_at
	`, id, string(status), at)
	task, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, lifecycle.ErrTaskNotFound
	}
	return task, err
}

func (t *pgTx) SetDetails(ctx context.Context, task models.Task) (models.Task, error) {
	row := t.q.QueryRow(ctx, `
		UPDATE tasks SET name = $2, type = $3, priority = $4, parameters = $5, updated_at = $6
		WHERE id = $1
		RETURNING id, name, type, priority, status, parameters, created_at, updated_at
	`, task.ID, task.Name, task.Type, string(task.Priority), task.Parameters, task.UpdatedAt)
	updated, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, lifecycle.ErrTaskNotFound
	}
	return updated, err
}

func (t *pgTx) AppendHistory(ctx context.Context, e models.HistoryEntry) (models.HistoryEntry, error) {
	err := t.q.QueryRow(ctx, `
		INSERT INTO task_status_history (task_id, status, ts, message)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, e.TaskID, string(e.Status), e.Timestamp, e.Message).Scan(&e.ID)
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("insert history: %w", err)
	}
	return e, nil
}

func (t *pgTx) History(ctx context.Context, taskID int64) ([]models.HistoryEntry, error) {
	return pgHistory(ctx, t.q, taskID)
}

func (t *pgTx) DeleteHistory(ctx context.Context, taskID int64) (int64, error) {
	tag, err := t.q.Exec(ctx, `DELETE FROM task_status_history WHERE task_id = $1`, taskID)
	if err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) DeleteTask(ctx context.Context, id int64) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lifecycle.ErrTaskNotFound
	}
	return nil
}

func pgTask(ctx context.Context, q pgQueryer, id int64, lock bool) (models.Task, error) {
	query := `
		SELECT id, name, type, priority, status, parameters, created_at, updated_at
		FROM tasks WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	t, err := scanPgTask(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, lifecycle.ErrTaskNotFound
	}
	return t, err
}

func pgHistory(ctx context.Context, q pgQueryer, taskID int64) ([]models.HistoryEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, task_id, status, ts, message
		FROM task_status_history WHERE task_id = $1
		ORDER BY ts DESC, id DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		var e models.HistoryEntry
		var status string
		if err := rows.Scan(&e.ID, &e.TaskID, &status, &e.Timestamp, &e.Message); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Status = models.Status(status)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanPgTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var priority, status string
	if err := row.Scan(&t.ID, &t.Name, &t.Type, &priority, &status, &t.Parameters, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, err
		}
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Priority = models.Priority(priority)
	t.Status = models.Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}
