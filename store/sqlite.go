package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite implements SandboxStore, TaskStore, and ProjectStore on a sqlite
// database. Suitable for single-node deployments; pass ":memory:" for tests.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dsn.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// sqlite allows one writer; a second connection would see "database is
	// locked" under concurrent service/reaper writes.
	db.SetMaxOpenConns(1)
	return &SQLite{db: db}, nil
}

// Migrate creates the schema.
func (s *SQLite) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sandboxes (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		container_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'stopped',
		status_message TEXT NOT NULL DEFAULT '',
		idle_timeout_minutes INTEGER NOT NULL DEFAULT 30,
		last_activity_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_status ON sandboxes(status);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL DEFAULT 'backlog',
		status TEXT NOT NULL DEFAULT 'idle',
		session_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		sandbox_enabled INTEGER NOT NULL DEFAULT 0,
		sandbox_image TEXT NOT NULL DEFAULT '',
		memory_mb INTEGER NOT NULL DEFAULT 0,
		cpu_cores REAL NOT NULL DEFAULT 0,
		idle_timeout_minutes INTEGER NOT NULL DEFAULT 0,
		agent_model TEXT NOT NULL DEFAULT '',
		agent_max_turns INTEGER NOT NULL DEFAULT 0
	);`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// SaveSandbox implements SandboxStore (upsert).
func (s *SQLite) SaveSandbox(ctx context.Context, record *SandboxRecord) error {
	now := time.Now()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandboxes (id, project_id, container_id, status, status_message, idle_timeout_minutes, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			container_id = excluded.container_id,
			status = excluded.status,
			status_message = excluded.status_message,
			idle_timeout_minutes = excluded.idle_timeout_minutes,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at`,
		record.ID, record.ProjectID, record.ContainerID, record.Status, record.StatusMessage,
		record.IdleTimeoutMinutes, record.LastActivityAt, createdAt, now)
	return err
}

// GetSandbox implements SandboxStore.
func (s *SQLite) GetSandbox(ctx context.Context, id string) (*SandboxRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, container_id, status, status_message, idle_timeout_minutes, last_activity_at, created_at, updated_at
		FROM sandboxes WHERE id = ?`, id)
	return scanSandbox(row)
}

// ListSandboxesByStatus implements SandboxStore.
func (s *SQLite) ListSandboxesByStatus(ctx context.Context, status string) ([]*SandboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, container_id, status, status_message, idle_timeout_minutes, last_activity_at, created_at, updated_at
		FROM sandboxes WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SandboxRecord
	for rows.Next() {
		record, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// UpdateSandboxStatus implements SandboxStore.
func (s *SQLite) UpdateSandboxStatus(ctx context.Context, id, status, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET status = ?, status_message = ?, updated_at = ? WHERE id = ?`,
		status, message, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TouchSandbox implements SandboxStore.
func (s *SQLite) TouchSandbox(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET last_activity_at = ?, updated_at = ? WHERE id = ?`,
		at, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteSandbox implements SandboxStore.
func (s *SQLite) DeleteSandbox(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id)
	return err
}

// CreateTask inserts a task row. The host application owns task CRUD; this
// exists for embedders that use sqlite as their only store.
func (s *SQLite) CreateTask(ctx context.Context, task *Task) error {
	now := time.Now()
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	stage := task.Stage
	if stage == "" {
		stage = StageBacklog
	}
	status := task.Status
	if status == "" {
		status = TaskStatusIdle
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, stage, status, session_id, error_message, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ProjectID, task.Title, stage, status, task.SessionID, task.ErrorMessage, task.CompletedAt, createdAt, now)
	return err
}

// GetTask implements TaskStore.
func (s *SQLite) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, stage, status, session_id, error_message, completed_at, created_at, updated_at
		FROM tasks WHERE id = ?`, id)

	task := &Task{}
	var completedAt sql.NullTime
	err := row.Scan(&task.ID, &task.ProjectID, &task.Title, &task.Stage, &task.Status,
		&task.SessionID, &task.ErrorMessage, &completedAt, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return task, nil
}

// UpdateTask implements TaskStore with last-writer-wins semantics.
func (s *SQLite) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now()}

	if update.Stage != nil {
		sets = append(sets, "stage = ?")
		args = append(args, *update.Stage)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.SessionID != nil {
		sets = append(sets, "session_id = ?")
		args = append(args, *update.SessionID)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SaveProject upserts a project row.
func (s *SQLite) SaveProject(ctx context.Context, project *Project) error {
	enabled := 0
	if project.SandboxEnabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, path, sandbox_enabled, sandbox_image, memory_mb, cpu_cores, idle_timeout_minutes, agent_model, agent_max_turns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			sandbox_enabled = excluded.sandbox_enabled,
			sandbox_image = excluded.sandbox_image,
			memory_mb = excluded.memory_mb,
			cpu_cores = excluded.cpu_cores,
			idle_timeout_minutes = excluded.idle_timeout_minutes,
			agent_model = excluded.agent_model,
			agent_max_turns = excluded.agent_max_turns`,
		project.ID, project.Name, project.Path, enabled, project.SandboxImage,
		project.MemoryMB, project.CPUCores, project.IdleTimeoutMinutes, project.AgentModel, project.AgentMaxTurns)
	return err
}

// GetProject implements ProjectStore.
func (s *SQLite) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, sandbox_enabled, sandbox_image, memory_mb, cpu_cores, idle_timeout_minutes, agent_model, agent_max_turns
		FROM projects WHERE id = ?`, id)

	project := &Project{}
	var enabled int
	err := row.Scan(&project.ID, &project.Name, &project.Path, &enabled, &project.SandboxImage,
		&project.MemoryMB, &project.CPUCores, &project.IdleTimeoutMinutes, &project.AgentModel, &project.AgentMaxTurns)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	project.SandboxEnabled = enabled != 0
	return project, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSandbox(row scanner) (*SandboxRecord, error) {
	record := &SandboxRecord{}
	var lastActivity sql.NullTime
	err := row.Scan(&record.ID, &record.ProjectID, &record.ContainerID, &record.Status, &record.StatusMessage,
		&record.IdleTimeoutMinutes, &lastActivity, &record.CreatedAt, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastActivity.Valid {
		record.LastActivityAt = lastActivity.Time
	}
	return record, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
