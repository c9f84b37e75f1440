package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sandboxStoreSuite exercises the SandboxStore contract against any adapter.
func sandboxStoreSuite(t *testing.T, s SandboxStore) {
	ctx := context.Background()

	record := &SandboxRecord{
		ID:                 "sb-1",
		ProjectID:          "p1",
		ContainerID:        "ctr-1",
		Status:             SandboxStatusRunning,
		IdleTimeoutMinutes: 30,
		LastActivityAt:     time.Now().Add(-time.Minute),
	}
	require.NoError(t, s.SaveSandbox(ctx, record))

	got, err := s.GetSandbox(ctx, "sb-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ProjectID)
	assert.Equal(t, SandboxStatusRunning, got.Status)
	assert.Equal(t, 30, got.IdleTimeoutMinutes)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetSandbox(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	running, err := s.ListSandboxesByStatus(ctx, SandboxStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)

	at := time.Now()
	require.NoError(t, s.TouchSandbox(ctx, "sb-1", at))
	got, err = s.GetSandbox(ctx, "sb-1")
	require.NoError(t, err)
	assert.WithinDuration(t, at, got.LastActivityAt, time.Second)

	require.NoError(t, s.UpdateSandboxStatus(ctx, "sb-1", SandboxStatusStopped, "idle_timeout"))
	got, err = s.GetSandbox(ctx, "sb-1")
	require.NoError(t, err)
	assert.Equal(t, SandboxStatusStopped, got.Status)
	assert.Equal(t, "idle_timeout", got.StatusMessage)

	running, err = s.ListSandboxesByStatus(ctx, SandboxStatusRunning)
	require.NoError(t, err)
	assert.Empty(t, running)

	assert.ErrorIs(t, s.UpdateSandboxStatus(ctx, "missing", SandboxStatusStopped, ""), ErrNotFound)
	assert.ErrorIs(t, s.TouchSandbox(ctx, "missing", at), ErrNotFound)

	require.NoError(t, s.DeleteSandbox(ctx, "sb-1"))
	_, err = s.GetSandbox(ctx, "sb-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySandboxStore(t *testing.T) {
	sandboxStoreSuite(t, NewMemory())
}

func TestSQLiteSandboxStore(t *testing.T) {
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))

	sandboxStoreSuite(t, s)
}

func TestMemoryTaskStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutTask(&Task{ID: "t1", ProjectID: "p1", Stage: StageInProgress, Status: TaskStatusRunning, SessionID: "sess-1"})

	stage := StageReview
	status := TaskStatusCompleted
	session := ""
	now := time.Now()
	require.NoError(t, m.UpdateTask(ctx, "t1", TaskUpdate{
		Stage:       &stage,
		Status:      &status,
		SessionID:   &session,
		CompletedAt: &now,
	}))

	got, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StageReview, got.Stage)
	assert.Equal(t, TaskStatusCompleted, got.Status)
	assert.Empty(t, got.SessionID)
	require.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, m.UpdateTask(ctx, "missing", TaskUpdate{}), ErrNotFound)
}

func TestSQLiteTaskStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))

	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t1", ProjectID: "p1", Title: "fix login", SessionID: "sess-1"}))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StageBacklog, got.Stage)
	assert.Equal(t, TaskStatusIdle, got.Status)
	assert.Nil(t, got.CompletedAt)

	// Partial update leaves untouched fields alone.
	errMsg := "agent process exited with code 1"
	status := TaskStatusError
	session := ""
	require.NoError(t, s.UpdateTask(ctx, "t1", TaskUpdate{
		Status:       &status,
		ErrorMessage: &errMsg,
		SessionID:    &session,
	}))

	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StageBacklog, got.Stage)
	assert.Equal(t, TaskStatusError, got.Status)
	assert.Equal(t, errMsg, got.ErrorMessage)
	assert.Empty(t, got.SessionID)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateTask(ctx, "missing", TaskUpdate{Status: &status}), ErrNotFound)
}

func TestSQLiteProjectStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))

	project := &Project{
		ID:                 "p1",
		Name:               "demo",
		Path:               "/srv/p1",
		SandboxEnabled:     true,
		SandboxImage:       "registry.local/agent:v1",
		MemoryMB:           1024,
		CPUCores:           1.5,
		IdleTimeoutMinutes: 15,
		AgentModel:         "claude-sonnet-4-5",
		AgentMaxTurns:      25,
	}
	require.NoError(t, s.SaveProject(ctx, project))

	got, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, project, got)

	// Upsert.
	project.SandboxEnabled = false
	require.NoError(t, s.SaveProject(ctx, project))
	got, err = s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, got.SandboxEnabled)

	_, err = s.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
