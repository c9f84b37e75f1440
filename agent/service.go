// Package agent runs one autonomous agent process per task inside the task's
// project sandbox, and reconciles the process lifecycle back into task state.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/yaoapp/kun/log"

	"github.com/taskdock/taskdock/event"
	"github.com/taskdock/taskdock/sandbox"
	"github.com/taskdock/taskdock/store"
)

var (
	// ErrAgentAlreadyRunning is returned when the task already has an agent registered
	ErrAgentAlreadyRunning = &sandbox.Error{Code: "agent_already_running", Message: "agent already running for task"}

	// ErrAgentNotRunning is returned when no agent is registered for the task
	ErrAgentNotRunning = &sandbox.Error{Code: "agent_not_running", Message: "no agent running for task"}

	// ErrProjectNotFound is returned when the task's project id is unknown
	ErrProjectNotFound = &sandbox.Error{Code: "project_not_found", Message: "project not found"}
)

// SentinelPath is the cancellation sentinel file for a task, polled by the
// in-container agent.
func SentinelPath(taskID string) string {
	return "/tmp/.agent-stop-" + taskID
}

// SandboxSource resolves a project's sandbox handle. *sandbox.Provider
// satisfies it through ProviderSource.
type SandboxSource interface {
	Get(projectID string) (sandbox.Handle, error)
}

// ProviderSource adapts a sandbox.Provider to SandboxSource.
type ProviderSource struct {
	Provider *sandbox.Provider
}

// Get implements SandboxSource.
func (p ProviderSource) Get(projectID string) (sandbox.Handle, error) {
	return p.Provider.Get(projectID)
}

// RunningAgent tracks one live agent process. Entries are created by
// StartAgent and removed only by the completion/error handlers.
type RunningAgent struct {
	TaskID       string
	SessionID    string
	ProjectID    string
	SandboxID    string
	SentinelPath string
	StartedAt    time.Time

	bridge Bridge
	exec   *sandbox.ExecStream
	sb     sandbox.Handle

	mu            sync.Mutex
	stopRequested bool
	completed     bool
}

func (ra *RunningAgent) markStopRequested() {
	ra.mu.Lock()
	ra.stopRequested = true
	ra.mu.Unlock()
}

func (ra *RunningAgent) markCompleted() {
	ra.mu.Lock()
	ra.completed = true
	ra.mu.Unlock()
}

func (ra *RunningAgent) flags() (stopRequested, completed bool) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.stopRequested, ra.completed
}

// Options configures the agent service defaults.
type Options struct {
	// AgentBinary is the in-container agent executable. Defaults to
	// "taskdock-agent".
	AgentBinary string

	// DefaultModel is used when neither the start call nor the project
	// sets one.
	DefaultModel string

	// DefaultMaxTurns caps agent turns when not otherwise configured.
	// Defaults to 50.
	DefaultMaxTurns int

	// AuthToken is passed to the agent process environment.
	AuthToken string
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.AgentBinary == "" {
		opts.AgentBinary = "taskdock-agent"
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = "claude-sonnet-4-5"
	}
	if opts.DefaultMaxTurns <= 0 {
		opts.DefaultMaxTurns = 50
	}
	return opts
}

// Service runs agents. At most one agent per task; re-entry is rejected, not
// queued.
type Service struct {
	mu     sync.Mutex
	agents map[string]*RunningAgent

	sandboxes SandboxSource
	tasks     store.TaskStore
	projects  store.ProjectStore
	stream    event.Stream
	factory   BridgeFactory
	opts      Options
}

// New creates an agent service.
func New(sandboxes SandboxSource, tasks store.TaskStore, projects store.ProjectStore, stream event.Stream, factory BridgeFactory, opts *Options) *Service {
	return &Service{
		agents:    map[string]*RunningAgent{},
		sandboxes: sandboxes,
		tasks:     tasks,
		projects:  projects,
		stream:    stream,
		factory:   factory,
		opts:      opts.withDefaults(),
	}
}

// StartParams describes an agent launch.
type StartParams struct {
	ProjectID string
	TaskID    string
	SessionID string
	Prompt    string
	Model     string // overrides project and default when set
	MaxTurns  int    // overrides project and default when positive
}

func sessionStreamID(sessionID string) string { return "session:" + sessionID }

// Running returns the running agent for a task, if any.
func (s *Service) Running(taskID string) (*RunningAgent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ra, ok := s.agents[taskID]
	return ra, ok
}

// StartAgent launches the agent process for a task. The call returns once
// the process is launched; completion is observed through task-state updates
// and the session event stream, never awaited here.
func (s *Service) StartAgent(ctx context.Context, params StartParams) (*RunningAgent, error) {
	// Check-and-insert is the critical section: a placeholder registered
	// under the lock makes concurrent starts for the same task lose here.
	placeholder := &RunningAgent{TaskID: params.TaskID}
	s.mu.Lock()
	if _, exists := s.agents[params.TaskID]; exists {
		s.mu.Unlock()
		return nil, sandbox.Wrap(ErrAgentAlreadyRunning, nil, "agent already running for task %s", params.TaskID)
	}
	s.agents[params.TaskID] = placeholder
	s.mu.Unlock()

	ra, err := s.startAgent(ctx, params)
	if err != nil {
		s.mu.Lock()
		if s.agents[params.TaskID] == placeholder {
			delete(s.agents, params.TaskID)
		}
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.agents[params.TaskID] = ra
	s.mu.Unlock()

	go s.processOutput(ra)

	s.publish(context.Background(), ra.SessionID, event.AgentStarted, map[string]interface{}{
		"task_id":    ra.TaskID,
		"project_id": ra.ProjectID,
		"sandbox_id": ra.SandboxID,
	})
	return ra, nil
}

func (s *Service) startAgent(ctx context.Context, params StartParams) (*RunningAgent, error) {
	project, err := s.projects.GetProject(ctx, params.ProjectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, sandbox.Wrap(ErrProjectNotFound, nil, "project %s not found", params.ProjectID)
		}
		return nil, err
	}

	sb, err := s.sandboxes.Get(params.ProjectID)
	if err != nil {
		return nil, err
	}
	if sb.Status() != sandbox.StatusRunning {
		return nil, sandbox.Wrap(sandbox.ErrSandboxNotRunning, nil, "sandbox %s is %s", sb.ID(), sb.Status())
	}
	streamer, ok := sb.(sandbox.StreamingExecutor)
	if !ok {
		return nil, sandbox.Wrap(sandbox.ErrStreamingUnsupported, nil, "sandbox %s does not support streaming exec", sb.ID())
	}

	sid := sessionStreamID(params.SessionID)
	if err := s.stream.CreateStream(ctx, sid, map[string]interface{}{
		"task_id":    params.TaskID,
		"project_id": params.ProjectID,
	}); err != nil && !errors.Is(err, event.ErrStreamExists) {
		return nil, fmt.Errorf("create event stream %s: %w", sid, err)
	}

	model := params.Model
	if model == "" {
		model = project.AgentModel
	}
	if model == "" {
		model = s.opts.DefaultModel
	}
	maxTurns := params.MaxTurns
	if maxTurns <= 0 {
		maxTurns = project.AgentMaxTurns
	}
	if maxTurns <= 0 {
		maxTurns = s.opts.DefaultMaxTurns
	}

	sentinel := SentinelPath(params.TaskID)

	ra := &RunningAgent{
		TaskID:       params.TaskID,
		SessionID:    params.SessionID,
		ProjectID:    params.ProjectID,
		SandboxID:    sb.ID(),
		SentinelPath: sentinel,
		StartedAt:    time.Now(),
		sb:           sb,
	}

	ra.bridge = s.factory(BridgeConfig{
		TaskID:    params.TaskID,
		SessionID: params.SessionID,
		OnComplete: func(status CompletionStatus, turnCount int) {
			ra.markCompleted()
			s.handleAgentComplete(ra.TaskID, status, turnCount)
		},
		OnError: func(err error, turnCount int) {
			ra.markCompleted()
			s.handleAgentError(ra.TaskID, err, turnCount)
		},
	})

	exec, err := streamer.ExecStream(ctx, &sandbox.StreamOptions{
		Cmd:     s.opts.AgentBinary,
		WorkDir: sandbox.WorkspaceDir,
		Env: map[string]string{
			"TASKDOCK_TASK_ID":       params.TaskID,
			"TASKDOCK_SESSION_ID":    params.SessionID,
			"TASKDOCK_PROMPT":        params.Prompt,
			"TASKDOCK_MODEL":         model,
			"TASKDOCK_MAX_TURNS":     strconv.Itoa(maxTurns),
			"TASKDOCK_WORKDIR":       sandbox.WorkspaceDir,
			"TASKDOCK_SENTINEL_PATH": sentinel,
			"TASKDOCK_AUTH_TOKEN":    s.opts.AuthToken,
		},
	})
	if err != nil {
		return nil, err
	}
	ra.exec = exec
	sb.Touch()

	return ra, nil
}

// processOutput feeds the agent's stdout through the bridge, then reconciles
// the process exit. It never removes the registry entry itself; removal
// belongs to the completion/error handlers so a handler mid-flight cannot
// lose its entry.
func (s *Service) processOutput(ra *RunningAgent) {
	ctx := context.Background()

	if err := ra.bridge.ProcessStream(ctx, ra.exec.Stdout); err != nil {
		log.Debug("agent: stream processing for task %s ended: %v", ra.TaskID, err)
	}

	code, err := ra.exec.Wait(ctx)

	s.mu.Lock()
	current := s.agents[ra.TaskID]
	s.mu.Unlock()
	if current != ra {
		// A terminal handler already ran and removed the entry.
		return
	}

	stopRequested, completed := ra.flags()
	if stopRequested {
		// Cancellation races with process exit; either order is a clean
		// cancelled completion.
		s.handleAgentComplete(ra.TaskID, StatusCancelled, ra.bridge.TurnCount())
		return
	}
	if completed {
		return
	}

	var msg string
	switch {
	case err != nil:
		msg = fmt.Sprintf("agent process wait failed: %v", err)
	case code != 0:
		msg = fmt.Sprintf("agent process exited with code %d", code)
	default:
		msg = "agent process exited without emitting a completion event"
	}
	s.handleAgentError(ra.TaskID, errors.New(msg), ra.bridge.TurnCount())
}

// StopAgent requests cancellation of a task's agent. "Requested" is the
// contract, not "confirmed stopped": confirmation arrives through the
// completion path.
func (s *Service) StopAgent(ctx context.Context, taskID string) error {
	s.mu.Lock()
	ra, ok := s.agents[taskID]
	s.mu.Unlock()
	if !ok || ra.exec == nil {
		return sandbox.Wrap(ErrAgentNotRunning, nil, "no agent running for task %s", taskID)
	}

	ra.markStopRequested()

	// Cooperative signal first: the in-container agent polls for the
	// sentinel and shuts down cleanly.
	if _, err := ra.sb.Exec(ctx, "touch", ra.SentinelPath); err != nil {
		log.Warn("agent: write sentinel %s for task %s: %v", ra.SentinelPath, taskID, err)
	}

	if err := ra.exec.Kill(ctx); err != nil {
		log.Warn("agent: kill exec for task %s: %v", taskID, err)
	}

	s.publish(ctx, ra.SessionID, event.AgentCancelled, map[string]interface{}{
		"task_id": taskID,
	})
	return nil
}

func (s *Service) handleAgentComplete(taskID string, status CompletionStatus, turnCount int) {
	ctx := context.Background()

	s.mu.Lock()
	ra, ok := s.agents[taskID]
	s.mu.Unlock()
	if !ok {
		log.Warn("agent: completion for task %s with no registry entry", taskID)
		return
	}

	update := store.TaskUpdate{
		Status:    strPtr(string(status)),
		SessionID: strPtr(""),
	}
	switch status {
	case StatusCompleted:
		update.Stage = strPtr(store.StageReview)
		now := time.Now()
		update.CompletedAt = &now
	case StatusTurnLimit:
		update.Stage = strPtr(store.StageReview)
	case StatusCancelled:
		// stage untouched
	}

	if err := s.tasks.UpdateTask(ctx, taskID, update); err != nil {
		log.Error("agent: update task %s after %s: %v", taskID, status, err)
		s.publish(ctx, ra.SessionID, event.AgentTaskUpdateFailed, map[string]interface{}{
			"task_id": taskID,
			"status":  string(status),
			"message": err.Error(),
		})
	}

	s.publish(ctx, ra.SessionID, event.AgentStatus, map[string]interface{}{
		"task_id":    taskID,
		"status":     string(status),
		"turn_count": turnCount,
	})

	s.cleanupSentinel(ctx, ra)

	s.mu.Lock()
	delete(s.agents, taskID)
	s.mu.Unlock()
}

func (s *Service) handleAgentError(taskID string, agentErr error, turnCount int) {
	ctx := context.Background()

	s.mu.Lock()
	ra, ok := s.agents[taskID]
	s.mu.Unlock()
	if !ok {
		// Indicates a potential race, not expected absence.
		log.Error("agent: error callback for task %s with no registry entry: %v", taskID, agentErr)
		return
	}

	update := store.TaskUpdate{
		Status:       strPtr(store.TaskStatusError),
		ErrorMessage: strPtr(agentErr.Error()),
		SessionID:    strPtr(""),
	}
	if err := s.tasks.UpdateTask(ctx, taskID, update); err != nil {
		log.Error("agent: update task %s after error: %v", taskID, err)
		s.publish(ctx, ra.SessionID, event.AgentTaskUpdateFailed, map[string]interface{}{
			"task_id": taskID,
			"status":  store.TaskStatusError,
			"message": err.Error(),
		})
	}

	s.publish(ctx, ra.SessionID, event.AgentError, map[string]interface{}{
		"task_id":    taskID,
		"message":    agentErr.Error(),
		"turn_count": turnCount,
	})

	s.cleanupSentinel(ctx, ra)

	s.mu.Lock()
	delete(s.agents, taskID)
	s.mu.Unlock()
}

func (s *Service) cleanupSentinel(ctx context.Context, ra *RunningAgent) {
	if ra.sb == nil || ra.sb.Status() != sandbox.StatusRunning {
		return
	}
	if _, err := ra.sb.Exec(ctx, "rm", "-f", ra.SentinelPath); err != nil {
		log.Warn("agent: remove sentinel %s for task %s: %v", ra.SentinelPath, ra.TaskID, err)
	}
}

func (s *Service) publish(ctx context.Context, sessionID, eventType string, payload interface{}) {
	if err := s.stream.Publish(ctx, sessionStreamID(sessionID), eventType, payload); err != nil {
		log.Warn("agent: publish %s to %s: %v", eventType, sessionStreamID(sessionID), err)
	}
}

func strPtr(s string) *string { return &s }
