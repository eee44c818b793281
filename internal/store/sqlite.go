package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"task-lifecycle/internal/lifecycle"
	"task-lifecycle/internal/models"
)

// SQLite is an embedded store. It keeps a single open connection, so every
// unit of work runs alone and per-task serialization comes for free.
type SQLite struct {
	db *sql.DB
}

// uriEscaper escapes the characters SQLite URI filenames treat specially.
var uriEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

// OpenSQLite opens or creates the database file at path with foreign keys,
// WAL journaling and a 5 second busy timeout.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := "file:" + uriEscaper.Replace(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// RunMigrations applies the embedded SQLite schema.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	return migrate(ctx, s.db, goose.DialectSQLite3, "migrations/sqlite")
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn in a transaction; fn's error is returned unchanged.
func (s *SQLite) InTx(ctx context.Context, fn func(ctx context.Context, tx lifecycle.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	if err := fn(ctx, &sqliteTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, id int64) (models.Task, error) {
	return sqliteTask(ctx, s.db, id)
}

func (s *SQLite) History(ctx context.Context, taskID int64) ([]models.HistoryEntry, error) {
	return sqliteHistory(ctx, s.db, taskID)
}

// ListTasks returns matching tasks, newest first.
func (s *SQLite) ListTasks(ctx context.Context, f lifecycle.TaskFilter) ([]models.Task, error) {
	query := `SELECT id, name, type, priority, status, parameters, created_at, updated_at FROM tasks`
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, string(f.Priority))
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// sqlQueryer is satisfied by both *sql.DB and *sql.Tx.
type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	q sqlQueryer
}

func (t *sqliteTx) Task(ctx context.Context, id int64) (models.Task, error) {
	return sqliteTask(ctx, t.q, id)
}

func (t *sqliteTx) TaskStatus(ctx context.Context, id int64) (models.Status, time.Time, error) {
	task, err := sqliteTask(ctx, t.q, id)
	if err != nil {
		return "", time.Time{}, err
	}
	return task.Status, task.UpdatedAt, nil
}

func (t *sqliteTx) InsertTask(ctx context.Context, task models.Task) (models.Task, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO tasks (name, type, priority, status, parameters, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, task.Name, task.Type, string(task.Priority), string(task.Status), task.Parameters,
		task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano())
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Task{}, fmt.Errorf("task id: %w", err)
	}
	task.ID = id
	return task, nil
}

func (t *sqliteTx) SetStatus(ctx context.Context, id int64, status models.Status, at time.Time) (models.Task, error) {
	res, err := t.q.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), at.UnixNano(), id)
	if err != nil {
		return models.Task{}, fmt.Errorf("update status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.Task{}, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return models.Task{}, lifecycle.ErrTaskNotFound
	}
	return sqliteTask(ctx, t.q, id)
}

// SetDetails rewrites the descriptive columns and updated_at. Status is untouched.
func (t *sqliteTx) SetDetails(ctx context.Context, task models.Task) (models.Task, error) {
	res, err := t.q.ExecContext(ctx, `
		UPDATE tasks SET name = ?, type = ?, priority = ?, parameters = ?, updated_at = ?
		WHERE id = ?
	`, task.Name, task.Type, string(task.Priority), task.Parameters, task.UpdatedAt.UnixNano(), task.ID)
	if err != nil {
		return models.Task{}, fmt.Errorf("update details: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.Task{}, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return models.Task{}, lifecycle.ErrTaskNotFound
	}
	return sqliteTask(ctx, t.q, task.ID)
}

func (t *sqliteTx) AppendHistory(ctx context.Context, e models.HistoryEntry) (models.HistoryEntry, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO task_status_history (task_id, status, ts, message)
		VALUES (?, ?, ?, ?)
	`, e.TaskID, string(e.Status), e.Timestamp.UnixNano(), e.Message)
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("insert history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("history id: %w", err)
	}
	e.ID = id
	return e, nil
}

func (t *sqliteTx) History(ctx context.Context, taskID int64) ([]models.HistoryEntry, error) {
	return sqliteHistory(ctx, t.q, taskID)
}

func (t *sqliteTx) DeleteHistory(ctx context.Context, taskID int64) (int64, error) {
	res, err := t.q.ExecContext(ctx, `DELETE FROM task_status_history WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	return res.RowsAffected()
}

func (t *sqliteTx) DeleteTask(ctx context.Context, id int64) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return lifecycle.ErrTaskNotFound
	}
	return nil
}

func sqliteTask(ctx context.Context, q sqlQueryer, id int64) (models.Task, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, type, priority, status, parameters, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, lifecycle.ErrTaskNotFound
	}
	return t, err
}

func sqliteHistory(ctx context.Context, q sqlQueryer, taskID int64) ([]models.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, task_id, status, ts, message
		FROM task_status_history WHERE task_id = ?
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
		var ts int64
		if err := rows.Scan(&e.ID, &e.TaskID, &status, &ts, &e.Message); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Status = models.Status(status)
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(s rowScanner) (models.Task, error) {
	var t models.Task
	var priority, status string
	var created, updated int64
	if err := s.Scan(&t.ID, &t.Name, &t.Type, &priority, &status, &t.Parameters, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Task{}, err
		}
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Priority = models.Priority(priority)
	t.Status = models.Status(status)
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return t, nil
}
