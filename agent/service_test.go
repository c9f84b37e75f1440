package agent

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdock/taskdock/event"
	"github.com/taskdock/taskdock/sandbox"
	"github.com/taskdock/taskdock/sandbox/sandboxtest"
	"github.com/taskdock/taskdock/store"
)

// fakeBridge drives the completion contract from the test: after draining
// the stream it fires the configured callback, the way a real protocol
// bridge would on seeing a completion message.
type fakeBridge struct {
	cfg   BridgeConfig
	turns int

	completeWith *CompletionStatus
	failWith     error

	mu       sync.Mutex
	received []byte
}

func (b *fakeBridge) ProcessStream(ctx context.Context, r io.Reader) error {
	data, _ := io.ReadAll(r)
	b.mu.Lock()
	b.received = data
	b.mu.Unlock()

	if b.completeWith != nil {
		b.cfg.OnComplete(*b.completeWith, b.turns)
	} else if b.failWith != nil {
		b.cfg.OnError(b.failWith, b.turns)
	}
	return nil
}

func (b *fakeBridge) TurnCount() int { return b.turns }

func (b *fakeBridge) output() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.received)
}

type agentFixture struct {
	engine *sandboxtest.FakeEngine
	store  *store.Memory
	stream *event.Memory
	svc    *Service
	bridge *fakeBridge
}

func newAgentFixture(t *testing.T, setup func(*fakeBridge), opts *Options) *agentFixture {
	t.Helper()

	engine := sandboxtest.New()
	engine.Images[sandbox.DefaultImage] = "sha256:current"
	provider := sandbox.NewProvider(engine, nil)
	_, err := provider.Create(context.Background(), sandbox.Config{ProjectID: "p1", ProjectPath: "/srv/p1"})
	require.NoError(t, err)

	mem := store.NewMemory()
	mem.PutProject(&store.Project{ID: "p1", Path: "/srv/p1", SandboxEnabled: true})
	mem.PutTask(&store.Task{ID: "t1", ProjectID: "p1", Stage: store.StageInProgress, Status: store.TaskStatusRunning, SessionID: "sess-1"})

	f := &agentFixture{
		engine: engine,
		store:  mem,
		stream: event.NewMemory(0),
	}
	factory := func(cfg BridgeConfig) Bridge {
		f.bridge = &fakeBridge{cfg: cfg}
		if setup != nil {
			setup(f.bridge)
		}
		return f.bridge
	}
	f.svc = New(ProviderSource{provider}, mem, mem, f.stream, factory, opts)
	return f
}

func startParams() StartParams {
	return StartParams{ProjectID: "p1", TaskID: "t1", SessionID: "sess-1", Prompt: "fix the login page"}
}

func waitForRemoval(t *testing.T, svc *Service, taskID string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		_, running := svc.Running(taskID)
		return !running
	}, 5*time.Second, 10*time.Millisecond, "agent entry was not removed")
}

func TestStartAgentCompletes(t *testing.T) {
	done := StatusCompleted
	f := newAgentFixture(t, func(b *fakeBridge) {
		b.completeWith = &done
		b.turns = 12
	}, nil)
	f.engine.Script = func(containerID string, opts container.ExecOptions) *sandboxtest.ExecScript {
		if opts.Cmd[0] == "sh" {
			return &sandboxtest.ExecScript{Stdout: []byte(`{"type":"result"}` + "\n")}
		}
		return nil
	}

	ra, err := f.svc.StartAgent(context.Background(), startParams())
	require.NoError(t, err)
	assert.Equal(t, "t1", ra.TaskID)
	assert.Equal(t, "/tmp/.agent-stop-t1", ra.SentinelPath)

	waitForRemoval(t, f.svc, "t1")
	assert.Equal(t, `{"type":"result"}`+"\n", f.bridge.output())

	task, err := f.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.StageReview, task.Stage)
	assert.Equal(t, store.TaskStatusCompleted, task.Status)
	assert.Empty(t, task.SessionID)
	assert.NotNil(t, task.CompletedAt)

	types := f.stream.Types("session:sess-1")
	assert.Contains(t, types, event.AgentStarted)
	assert.Contains(t, types, event.AgentStatus)
}

func TestStartAgentTurnLimitKeepsNoCompletionTime(t *testing.T) {
	limit := StatusTurnLimit
	f := newAgentFixture(t, func(b *fakeBridge) {
		b.completeWith = &limit
		b.turns = 50
	}, nil)

	_, err := f.svc.StartAgent(context.Background(), startParams())
	require.NoError(t, err)
	waitForRemoval(t, f.svc, "t1")

	task, err := f.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.StageReview, task.Stage)
	assert.Equal(t, store.TaskStatusTurnLimit, task.Status)
	assert.Nil(t, task.CompletedAt)
}

func TestStartAgentRejectsSecondStart(t *testing.T) {
	hold := make(chan struct{})
	f := newAgentFixture(t, nil, nil)
	f.engine.Script = func(containerID string, opts container.ExecOptions) *sandboxtest.ExecScript {
		if opts.Cmd[0] == "sh" {
			return &sandboxtest.ExecScript{Hold: hold}
		}
		return nil
	}

	_, err := f.svc.StartAgent(context.Background(), startParams())
	require.NoError(t, err)

	_, err = f.svc.StartAgent(context.Background(), startParams())
	assert.ErrorIs(t, err, ErrAgentAlreadyRunning)

	require.NoError(t, f.svc.StopAgent(context.Background(), "t1"))
	close(hold)
	waitForRemoval(t, f.svc, "t1")
}

func TestStartAgentProjectNotFound(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	params := startParams()
	params.ProjectID = "ghost"

	_, err := f.svc.StartAgent(context.Background(), params)
	assert.ErrorIs(t, err, ErrProjectNotFound)

	// The failed start leaves no registration behind.
	_, running := f.svc.Running("t1")
	assert.False(t, running)
}

func TestStartAgentSandboxNotRunning(t *testing.T) {
	f := newAgentFixture(t, nil, nil)

	// Stop the sandbox out from under the service.
	sb, err := f.svc.sandboxes.Get("p1")
	require.NoError(t, err)
	require.NoError(t, sb.(*sandbox.Sandbox).Stop(context.Background()))

	_, err = f.svc.StartAgent(context.Background(), startParams())
	assert.ErrorIs(t, err, sandbox.ErrSandboxNotRunning)
}

// plainHandle is a sandbox handle without the streaming capability.
type plainHandle struct{}

func (plainHandle) ID() string              { return "sb-plain" }
func (plainHandle) ProjectID() string       { return "p1" }
func (plainHandle) Status() sandbox.Status  { return sandbox.StatusRunning }
func (plainHandle) Touch()                  {}
func (plainHandle) LastActivity() time.Time { return time.Now() }
func (plainHandle) Exec(ctx context.Context, cmd string, args ...string) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}

type plainSource struct{}

func (plainSource) Get(projectID string) (sandbox.Handle, error) { return plainHandle{}, nil }

func TestStartAgentStreamingUnsupported(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	f.svc.sandboxes = plainSource{}

	_, err := f.svc.StartAgent(context.Background(), startParams())
	assert.ErrorIs(t, err, sandbox.ErrStreamingUnsupported)
}

func TestStartAgentEnvironmentContract(t *testing.T) {
	done := StatusCompleted
	f := newAgentFixture(t, func(b *fakeBridge) { b.completeWith = &done }, &Options{AuthToken: "secret-token"})

	var gotCmd []string
	var gotEnv []string
	f.engine.Script = func(containerID string, opts container.ExecOptions) *sandboxtest.ExecScript {
		if opts.Cmd[0] == "sh" {
			gotCmd = opts.Cmd
			gotEnv = opts.Env
		}
		return nil
	}

	_, err := f.svc.StartAgent(context.Background(), startParams())
	require.NoError(t, err)
	waitForRemoval(t, f.svc, "t1")

	// The agent runs shell-composed in the workspace.
	require.Len(t, gotCmd, 3)
	assert.Contains(t, gotCmd[2], "cd '/workspace' && exec 'taskdock-agent'")

	assert.Contains(t, gotEnv, "TASKDOCK_TASK_ID=t1")
	assert.Contains(t, gotEnv, "TASKDOCK_SESSION_ID=sess-1")
	assert.Contains(t, gotEnv, "TASKDOCK_PROMPT=fix the login page")
	assert.Contains(t, gotEnv, "TASKDOCK_MODEL=claude-sonnet-4-5")
	assert.Contains(t, gotEnv, "TASKDOCK_MAX_TURNS=50")
	assert.Contains(t, gotEnv, "TASKDOCK_WORKDIR=/workspace")
	assert.Contains(t, gotEnv, "TASKDOCK_SENTINEL_PATH=/tmp/.agent-stop-t1")
	assert.Contains(t, gotEnv, "TASKDOCK_AUTH_TOKEN=secret-token")
}

func TestStartAgentConfigPrecedence(t *testing.T) {
	done := StatusCompleted
	f := newAgentFixture(t, func(b *fakeBridge) { b.completeWith = &done }, nil)
	f.store.PutProject(&store.Project{
		ID: "p1", Path: "/srv/p1", SandboxEnabled: true,
		AgentModel: "project-model", AgentMaxTurns: 30,
	})

	var gotEnv []string
	f.engine.Script = func(containerID string, opts container.ExecOptions) *sandboxtest.ExecScript {
		if opts.Cmd[0] == "sh" {
			gotEnv = opts.Env
		}
		return nil
	}

	params := startParams()
	params.Model = "explicit-model"

	_, err := f.svc.StartAgent(context.Background(), params)
	require.NoError(t, err)
	waitForRemoval(t, f.svc, "t1")

	// Explicit argument beats project config; project config beats the
	// hard default.
	assert.Contains(t, gotEnv, "TASKDOCK_MODEL=explicit-model")
	assert.Contains(t, gotEnv, "TASKDOCK_MAX_TURNS=30")
}

func TestStopAgentCancels(t *testing.T) {
	hold := make(chan struct{})
	f := newAgentFixture(t, nil, nil)

	var sentinelWrites []string
	f.engine.Script = func(containerID string, opts container.ExecOptions) *sandboxtest.ExecScript {
		switch opts.Cmd[0] {
		case "sh":
			return &sandboxtest.ExecScript{Stdout: []byte("working...\n"), Hold: hold}
		case "touch", "rm":
			sentinelWrites = append(sentinelWrites, opts.Cmd[0])
		}
		return nil
	}

	_, err := f.svc.StartAgent(context.Background(), startParams())
	require.NoError(t, err)

	require.NoError(t, f.svc.StopAgent(context.Background(), "t1"))
	close(hold)
	waitForRemoval(t, f.svc, "t1")

	// Cancellation is a clean completion, not an error: linkage cleared,
	// stage untouched.
	task, err := f.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCancelled, task.Status)
	assert.Equal(t, store.StageInProgress, task.Stage)
	assert.Empty(t, task.SessionID)
	assert.Empty(t, task.ErrorMessage)

	assert.Contains(t, sentinelWrites, "touch")
	assert.Contains(t, f.stream.Types("session:sess-1"), event.AgentCancelled)
}

func TestStopAgentNotRunning(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	err := f.svc.StopAgent(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrAgentNotRunning)
}

func TestProcessExitWithoutCompletionSynthesizesError(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	f.engine.Script = func(containerID string, opts container.ExecOptions) *sandboxtest.ExecScript {
		if opts.Cmd[0] == "sh" {
			return &sandboxtest.ExecScript{ExitCode: 1}
		}
		return nil
	}

	_, err := f.svc.StartAgent(context.Background(), startParams())
	require.NoError(t, err)
	waitForRemoval(t, f.svc, "t1")

	task, err := f.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusError, task.Status)
	assert.Contains(t, task.ErrorMessage, "exited with code 1")
	assert.Empty(t, task.SessionID)

	assert.Contains(t, f.stream.Types("session:sess-1"), event.AgentError)
}

func TestCleanExitWithoutCompletionSynthesizesError(t *testing.T) {
	f := newAgentFixture(t, nil, nil)

	_, err := f.svc.StartAgent(context.Background(), startParams())
	require.NoError(t, err)
	waitForRemoval(t, f.svc, "t1")

	task, err := f.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusError, task.Status)
	assert.Contains(t, task.ErrorMessage, "without emitting a completion event")
}

func TestBridgeErrorDrivesErrorPath(t *testing.T) {
	f := newAgentFixture(t, func(b *fakeBridge) {
		b.failWith = errors.New("protocol violation")
		b.turns = 7
	}, nil)

	_, err := f.svc.StartAgent(context.Background(), startParams())
	require.NoError(t, err)
	waitForRemoval(t, f.svc, "t1")

	task, err := f.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusError, task.Status)
	assert.Equal(t, "protocol violation", task.ErrorMessage)
}

func TestTaskUpdateFailurePublishesEvent(t *testing.T) {
	done := StatusCompleted
	f := newAgentFixture(t, func(b *fakeBridge) { b.completeWith = &done }, nil)

	// Point the service at a store without the task row so the completion
	// handler's update fails.
	f.svc.tasks = store.NewMemory()

	_, err := f.svc.StartAgent(context.Background(), startParams())
	require.NoError(t, err)

	waitForRemoval(t, f.svc, "t1")
	assert.Contains(t, f.stream.Types("session:sess-1"), event.AgentTaskUpdateFailed)
	// The completion is still published after the failed update.
	assert.Contains(t, f.stream.Types("session:sess-1"), event.AgentStatus)
}
