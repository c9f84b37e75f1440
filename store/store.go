// Package store defines the narrow persistence interfaces the sandbox and
// agent services consume, with sqlite and in-memory adapters. The full
// task/project CRUD schema lives in the host application; only the fields
// these services read and write appear here.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Sandbox status values as persisted.
const (
	SandboxStatusRunning = "running"
	SandboxStatusStopped = "stopped"
	SandboxStatusError   = "error"
)

// Task stages.
const (
	StageBacklog    = "backlog"
	StageInProgress = "in_progress"
	StageReview     = "review"
	StageDone       = "done"
)

// Task statuses.
const (
	TaskStatusIdle      = "idle"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusTurnLimit = "turn_limit"
	TaskStatusCancelled = "cancelled"
	TaskStatusError     = "error"
)

// SandboxRecord mirrors a sandbox's durable metadata so the idle reaper and
// recovery survive process restarts.
type SandboxRecord struct {
	ID                 string    `json:"id"`
	ProjectID          string    `json:"project_id"`
	ContainerID        string    `json:"container_id"`
	Status             string    `json:"status"`
	StatusMessage      string    `json:"status_message,omitempty"`
	IdleTimeoutMinutes int       `json:"idle_timeout_minutes"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Task is the slice of a task row the agent service reconciles against.
type Task struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Title        string     `json:"title,omitempty"`
	Stage        string     `json:"stage"`
	Status       string     `json:"status"`
	SessionID    string     `json:"session_id,omitempty"` // agent/session linkage
	ErrorMessage string     `json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TaskUpdate is a partial task update; nil fields are left untouched.
type TaskUpdate struct {
	Stage        *string
	Status       *string
	SessionID    *string
	ErrorMessage *string
	CompletedAt  *time.Time
}

// Project is the slice of a project row the services read.
type Project struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name,omitempty"`
	Path               string  `json:"path"`
	SandboxEnabled     bool    `json:"sandbox_enabled"`
	SandboxImage       string  `json:"sandbox_image,omitempty"`
	MemoryMB           int64   `json:"memory_mb,omitempty"`
	CPUCores           float64 `json:"cpu_cores,omitempty"`
	IdleTimeoutMinutes int     `json:"idle_timeout_minutes,omitempty"`
	AgentModel         string  `json:"agent_model,omitempty"`
	AgentMaxTurns      int     `json:"agent_max_turns,omitempty"`
}

// SandboxStore persists sandbox metadata.
type SandboxStore interface {
	SaveSandbox(ctx context.Context, record *SandboxRecord) error
	GetSandbox(ctx context.Context, id string) (*SandboxRecord, error)
	ListSandboxesByStatus(ctx context.Context, status string) ([]*SandboxRecord, error)
	UpdateSandboxStatus(ctx context.Context, id, status, message string) error
	TouchSandbox(ctx context.Context, id string, at time.Time) error
	DeleteSandbox(ctx context.Context, id string) error
}

// TaskStore reads and conditionally updates task rows.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error
}

// ProjectStore reads project configuration.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*Project, error)
}
