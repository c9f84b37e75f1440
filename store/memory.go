package store

import (
	"context"
	"sync"
	"time"
)

// Memory implements SandboxStore, TaskStore, and ProjectStore in process.
// Used by tests and by embedders that keep persistence elsewhere.
type Memory struct {
	mu        sync.Mutex
	sandboxes map[string]*SandboxRecord
	tasks     map[string]*Task
	projects  map[string]*Project
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sandboxes: map[string]*SandboxRecord{},
		tasks:     map[string]*Task{},
		projects:  map[string]*Project{},
	}
}

// SaveSandbox implements SandboxStore (upsert).
func (m *Memory) SaveSandbox(ctx context.Context, record *SandboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *record
	now := time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.sandboxes[clone.ID] = &clone
	return nil
}

// GetSandbox implements SandboxStore.
func (m *Memory) GetSandbox(ctx context.Context, id string) (*SandboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.sandboxes[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *record
	return &clone, nil
}

// ListSandboxesByStatus implements SandboxStore.
func (m *Memory) ListSandboxesByStatus(ctx context.Context, status string) ([]*SandboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SandboxRecord
	for _, record := range m.sandboxes {
		if record.Status == status {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

// UpdateSandboxStatus implements SandboxStore.
func (m *Memory) UpdateSandboxStatus(ctx context.Context, id, status, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.sandboxes[id]
	if !ok {
		return ErrNotFound
	}
	record.Status = status
	record.StatusMessage = message
	record.UpdatedAt = time.Now()
	return nil
}

// TouchSandbox implements SandboxStore.
func (m *Memory) TouchSandbox(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.sandboxes[id]
	if !ok {
		return ErrNotFound
	}
	record.LastActivityAt = at
	record.UpdatedAt = time.Now()
	return nil
}

// DeleteSandbox implements SandboxStore.
func (m *Memory) DeleteSandbox(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sandboxes, id)
	return nil
}

// PutTask seeds a task. Test helper; the host application owns task CRUD.
func (m *Memory) PutTask(task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *task
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.tasks[clone.ID] = &clone
}

// GetTask implements TaskStore.
func (m *Memory) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *task
	return &clone, nil
}

// UpdateTask implements TaskStore with last-writer-wins semantics.
func (m *Memory) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	applyTaskUpdate(task, update)
	return nil
}

// PutProject seeds a project. Test helper.
func (m *Memory) PutProject(project *Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *project
	m.projects[clone.ID] = &clone
}

// GetProject implements ProjectStore.
func (m *Memory) GetProject(ctx context.Context, id string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *project
	return &clone, nil
}

func applyTaskUpdate(task *Task, update TaskUpdate) {
	if update.Stage != nil {
		task.Stage = *update.Stage
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.SessionID != nil {
		task.SessionID = *update.SessionID
	}
	if update.ErrorMessage != nil {
		task.ErrorMessage = *update.ErrorMessage
	}
	if update.CompletedAt != nil {
		task.CompletedAt = update.CompletedAt
	}
	task.UpdatedAt = time.Now()
}
