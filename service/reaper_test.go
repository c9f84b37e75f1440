package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdock/taskdock/event"
	"github.com/taskdock/taskdock/sandbox"
	"github.com/taskdock/taskdock/store"
)

func TestReapIdleStopsExpiredSandboxes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sb, err := f.svc.GetOrCreateForProject(ctx, "p1")
	require.NoError(t, err)

	// Pretend two hours pass; the default idle timeout is 30 minutes.
	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	require.NoError(t, f.svc.reapIdle(ctx))
	assert.Equal(t, sandbox.StatusStopped, sb.Status())

	record, err := f.store.GetSandbox(ctx, sb.ID())
	require.NoError(t, err)
	assert.Equal(t, store.SandboxStatusStopped, record.Status)
	assert.Equal(t, "idle_timeout", record.StatusMessage)

	types := f.stream.Types("sandbox:p1")
	assert.Contains(t, types, event.SandboxIdle)
	assert.Contains(t, types, event.SandboxStopped)
}

func TestReapIdleLeavesActiveSandboxesAlone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sb, err := f.svc.GetOrCreateForProject(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, f.svc.reapIdle(ctx))
	assert.Equal(t, sandbox.StatusRunning, sb.Status())
	assert.NotContains(t, f.stream.Types("sandbox:p1"), event.SandboxIdle)
}

func TestReapIdleUsesLiveActivityOverPersisted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sb, err := f.svc.GetOrCreateForProject(ctx, "p1")
	require.NoError(t, err)

	// The persisted record looks ancient, but the live handle was touched
	// recently; the fresher timestamp wins.
	require.NoError(t, f.store.TouchSandbox(ctx, sb.ID(), time.Now().Add(-3*time.Hour)))
	sb.Touch()

	require.NoError(t, f.svc.reapIdle(ctx))
	assert.Equal(t, sandbox.StatusRunning, sb.Status())
}

func TestReapIdleReconcilesOrphanedRecords(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// A record with no live sandbox behind it: the container died with the
	// previous process.
	require.NoError(t, f.store.SaveSandbox(ctx, &store.SandboxRecord{
		ID:                 "sb-ghost",
		ProjectID:          "p1",
		Status:             store.SandboxStatusRunning,
		IdleTimeoutMinutes: 30,
		LastActivityAt:     time.Now().Add(-2 * time.Hour),
	}))

	require.NoError(t, f.svc.reapIdle(ctx))

	record, err := f.store.GetSandbox(ctx, "sb-ghost")
	require.NoError(t, err)
	assert.Equal(t, store.SandboxStatusStopped, record.Status)
}

func TestReapIdleSkipsZeroTimeout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.SaveSandbox(ctx, &store.SandboxRecord{
		ID:             "sb-pinned",
		ProjectID:      "p1",
		Status:         store.SandboxStatusRunning,
		LastActivityAt: time.Now().Add(-48 * time.Hour),
	}))

	require.NoError(t, f.svc.reapIdle(ctx))

	record, err := f.store.GetSandbox(ctx, "sb-pinned")
	require.NoError(t, err)
	assert.Equal(t, store.SandboxStatusRunning, record.Status)
}

// failingSandboxStore breaks listing so the reaper's circuit breaker trips.
type failingSandboxStore struct {
	*store.Memory
	calls int
}

func (f *failingSandboxStore) ListSandboxesByStatus(ctx context.Context, status string) ([]*store.SandboxRecord, error) {
	f.calls++
	return nil, errors.New("database is locked")
}

func TestReaperCircuitBreaker(t *testing.T) {
	f := newFixture(t, nil)
	broken := &failingSandboxStore{Memory: f.store}
	svc := New(f.provider, broken, f.store, f.stream, &Options{ReapInterval: time.Millisecond})

	svc.StartReaper()
	defer svc.StopReaper()

	select {
	case <-svc.reapDone:
		// Self-disabled after consecutive failures.
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not self-disable")
	}
	assert.Equal(t, reaperMaxFailures, broken.calls)
}

func TestStartStopReaper(t *testing.T) {
	f := newFixture(t, nil)
	svc := New(f.provider, f.store, f.store, f.stream, &Options{ReapInterval: time.Millisecond})

	svc.StartReaper()
	// Idempotent start.
	svc.StartReaper()
	time.Sleep(10 * time.Millisecond)
	svc.StopReaper()
	// Idempotent stop.
	svc.StopReaper()
}
