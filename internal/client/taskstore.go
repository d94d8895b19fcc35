package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore persists tasks in a local SQLite database. Every state
// transition is flushed synchronously: each Save is its own transaction, so
// progress survives a crash at any point.
type TaskStore struct {
	db *sql.DB
}

// OpenTaskStore opens (creating if necessary) the task database at dbPath.
func OpenTaskStore(ctx context.Context, dbPath string) (*TaskStore, error) {
	if dbPath == "" {
		return nil, errors.New("dbPath must not be empty")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS upload_tasks (
			id TEXT PRIMARY KEY,
			session_url TEXT NOT NULL DEFAULT '',
			file_path TEXT NOT NULL,
			target_ref TEXT NOT NULL DEFAULT '',
			declared_size INTEGER NOT NULL,
			bytes_transferred INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			terminate_pending INTEGER NOT NULL DEFAULT 0,
			requested_state TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_upload_tasks_status ON upload_tasks(status);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return &TaskStore{db: db}, nil
}

// Close closes the underlying database.
func (s *TaskStore) Close() error {
	return s.db.Close()
}

// Save upserts the full task record.
func (s *TaskStore) Save(ctx context.Context, task *Task) error {
	var completedAt any
	if !task.CompletedAt.IsZero() {
		completedAt = task.CompletedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_tasks(id, session_url, file_path, target_ref, declared_size, bytes_transferred, status, last_error, terminate_pending, created_at, completed_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 	session_url=excluded.session_url,
		 	bytes_transferred=excluded.bytes_transferred,
		 	status=excluded.status,
		 	last_error=excluded.last_error,
		 	terminate_pending=excluded.terminate_pending,
		 	completed_at=excluded.completed_at`,
		task.ID, task.SessionURL, task.FilePath, task.Target, task.DeclaredSize,
		task.BytesTransferred, string(task.Status), task.LastError,
		boolToInt(task.TerminatePending), task.CreatedAt.UTC(), completedAt,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// Get returns the task with the given id.
func (s *TaskStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_url, file_path, target_ref, declared_size, bytes_transferred, status, last_error, terminate_pending, created_at, completed_at
		 FROM upload_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// List returns all tasks, oldest first.
func (s *TaskStore) List(ctx context.Context) ([]*Task, error) {
	return s.query(ctx,
		`SELECT id, session_url, file_path, target_ref, declared_size, bytes_transferred, status, last_error, terminate_pending, created_at, completed_at
		 FROM upload_tasks ORDER BY created_at, id`)
}

// NextQueued returns the oldest queued task, or nil if none is waiting.
func (s *TaskStore) NextQueued(ctx context.Context) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_url, file_path, target_ref, declared_size, bytes_transferred, status, last_error, terminate_pending, created_at, completed_at
		 FROM upload_tasks WHERE status = ? ORDER BY created_at, id LIMIT 1`, string(TaskQueued))
	task, err := scanTask(row)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	return task, err
}

// NonTerminal returns every task that may still make progress.
func (s *TaskStore) NonTerminal(ctx context.Context) ([]*Task, error) {
	return s.query(ctx,
		`SELECT id, session_url, file_path, target_ref, declared_size, bytes_transferred, status, last_error, terminate_pending, created_at, completed_at
		 FROM upload_tasks WHERE status NOT IN (?, ?) ORDER BY created_at, id`,
		string(TaskCompleted), string(TaskCancelled))
}

// PendingTerminations returns cancelled tasks whose server session has not
// been confirmed terminated.
func (s *TaskStore) PendingTerminations(ctx context.Context) ([]*Task, error) {
	return s.query(ctx,
		`SELECT id, session_url, file_path, target_ref, declared_size, bytes_transferred, status, last_error, terminate_pending, created_at, completed_at
		 FROM upload_tasks WHERE status = ? AND terminate_pending = 1 ORDER BY created_at, id`,
		string(TaskCancelled))
}

// RequestState records a pause or cancel request for a task so that an engine
// holding the task — in this process or another one — observes it at the next
// chunk boundary. An empty status clears any pending request. The column is
// deliberately outside Save's upsert: a running engine's progress flushes must
// never overwrite a request it has not yet consumed.
func (s *TaskStore) RequestState(ctx context.Context, id string, status TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_tasks SET requested_state = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("request state: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// TakeRequestedState returns the pending state request for a task, if any,
// and clears it.
func (s *TaskStore) TakeRequestedState(ctx context.Context, id string) (TaskStatus, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT requested_state FROM upload_tasks WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTaskNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read requested state: %w", err)
	}
	if state == "" {
		return "", nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE upload_tasks SET requested_state = '' WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("clear requested state: %w", err)
	}
	return TaskStatus(state), nil
}

func (s *TaskStore) query(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task             Task
		status           string
		terminatePending int
		completedAt      sql.NullTime
	)

	err := row.Scan(&task.ID, &task.SessionURL, &task.FilePath, &task.Target,
		&task.DeclaredSize, &task.BytesTransferred, &status, &task.LastError,
		&terminatePending, &task.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Status = TaskStatus(status)
	task.TerminatePending = terminatePending != 0
	if completedAt.Valid {
		task.CompletedAt = completedAt.Time
	}
	return &task, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
