// Package service orchestrates sandbox lifecycle against durable state: it
// owns project-level get-or-create, event publication, credential injection,
// and the idle reaper. The sandbox package below it talks to the engine; this
// package talks to everything else.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yaoapp/kun/log"

	"github.com/taskdock/taskdock/event"
	"github.com/taskdock/taskdock/sandbox"
	"github.com/taskdock/taskdock/store"
)

var (
	// ErrProjectNotFound is returned when the project id is unknown
	ErrProjectNotFound = &sandbox.Error{Code: "project_not_found", Message: "project not found"}

	// ErrSandboxNotEnabled is returned when the project has sandboxing turned off
	ErrSandboxNotEnabled = &sandbox.Error{Code: "sandbox_not_enabled", Message: "sandbox not enabled for project"}
)

// Options configures a Service.
type Options struct {
	// ReapInterval is how often the idle reaper scans. Zero defaults to
	// five minutes.
	ReapInterval time.Duration

	// Credentials injects agent credentials into new sandboxes. Optional.
	Credentials CredentialProvider
}

// Service is the sandbox lifecycle orchestrator.
type Service struct {
	provider  *sandbox.Provider
	sandboxes store.SandboxStore
	projects  store.ProjectStore
	stream    event.Stream
	creds     CredentialProvider
	now       func() time.Time

	reapInterval time.Duration
	reapCancel   context.CancelFunc
	reapDone     chan struct{}
}

// New creates a Service over the given provider and stores.
func New(provider *sandbox.Provider, sandboxes store.SandboxStore, projects store.ProjectStore, stream event.Stream, opts *Options) *Service {
	s := &Service{
		provider:     provider,
		sandboxes:    sandboxes,
		projects:     projects,
		stream:       stream,
		now:          time.Now,
		reapInterval: 5 * time.Minute,
	}
	if opts != nil {
		if opts.ReapInterval > 0 {
			s.reapInterval = opts.ReapInterval
		}
		s.creds = opts.Credentials
	}
	return s
}

// Provider exposes the underlying sandbox provider for callers that need
// engine-level operations (recovery, health checks).
func (s *Service) Provider() *sandbox.Provider { return s.provider }

func streamID(projectID string) string { return "sandbox:" + projectID }

// publish appends an event to the project's sandbox stream. Event loss is
// logged, never propagated; the stream is advisory.
func (s *Service) publish(ctx context.Context, projectID, eventType string, payload interface{}) {
	if err := s.stream.Publish(ctx, streamID(projectID), eventType, payload); err != nil {
		log.Warn("service: publish %s to %s: %v", eventType, streamID(projectID), err)
	}
}

// GetOrCreateForProject returns the project's sandbox, creating one when none
// is registered. The project must exist and have sandboxing enabled.
func (s *Service) GetOrCreateForProject(ctx context.Context, projectID string) (*sandbox.Sandbox, error) {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, sandbox.Wrap(ErrProjectNotFound, nil, "project %s not found", projectID)
		}
		return nil, err
	}
	if !project.SandboxEnabled {
		return nil, sandbox.Wrap(ErrSandboxNotEnabled, nil, "sandbox not enabled for project %s", projectID)
	}

	if sb, err := s.provider.Get(projectID); err == nil && sb.Status() != sandbox.StatusStopped {
		return sb, nil
	}

	return s.Create(ctx, project)
}

// Create provisions a sandbox for a project: ensures the event stream exists,
// pulls the image if missing, creates the container, injects credentials, and
// persists the record. Credential failures degrade to a warning event.
func (s *Service) Create(ctx context.Context, project *store.Project) (*sandbox.Sandbox, error) {
	sid := streamID(project.ID)
	if err := s.stream.CreateStream(ctx, sid, map[string]interface{}{"project_id": project.ID}); err != nil && !errors.Is(err, event.ErrStreamExists) {
		return nil, fmt.Errorf("create event stream %s: %w", sid, err)
	}

	s.publish(ctx, project.ID, event.SandboxCreating, map[string]interface{}{"project_id": project.ID})

	cfg := sandbox.Config{
		ProjectID:          project.ID,
		ProjectPath:        project.Path,
		Image:              project.SandboxImage,
		MemoryMB:           project.MemoryMB,
		CPUCores:           project.CPUCores,
		IdleTimeoutMinutes: project.IdleTimeoutMinutes,
	}.WithDefaults()

	available, err := s.provider.IsImageAvailable(ctx, cfg.Image)
	if err != nil {
		s.publishError(ctx, project.ID, "", err)
		return nil, err
	}
	if !available {
		log.Info("service: image %s not available locally, pulling", cfg.Image)
		if err := s.provider.PullImage(ctx, cfg.Image); err != nil {
			s.publishError(ctx, project.ID, "", err)
			return nil, err
		}
	}

	sb, err := s.provider.Create(ctx, cfg)
	if err != nil {
		s.publishError(ctx, project.ID, "", err)
		return nil, err
	}

	s.publish(ctx, project.ID, event.SandboxCreated, sandboxPayload(sb))
	s.publish(ctx, project.ID, event.SandboxStarted, sandboxPayload(sb))

	if s.creds != nil {
		result, err := s.creds.Inject(ctx, sb)
		if err != nil {
			log.Warn("service: credential injection for sandbox %s: %v", sb.ID(), err)
			s.publish(ctx, project.ID, event.SandboxWarning, map[string]interface{}{
				"sandbox_id": sb.ID(),
				"message":    "credential injection failed: " + err.Error(),
			})
		} else if result != nil {
			for _, w := range result.Warnings {
				s.publish(ctx, project.ID, event.SandboxWarning, map[string]interface{}{
					"sandbox_id": sb.ID(),
					"message":    w,
				})
			}
		}
	}

	record := &store.SandboxRecord{
		ID:                 sb.ID(),
		ProjectID:          project.ID,
		ContainerID:        sb.ContainerID(),
		Status:             store.SandboxStatusRunning,
		IdleTimeoutMinutes: cfg.IdleTimeoutMinutes,
		LastActivityAt:     sb.LastActivity(),
		CreatedAt:          sb.CreatedAt(),
	}
	if err := s.sandboxes.SaveSandbox(ctx, record); err != nil {
		log.Error("service: persist sandbox %s: %v", sb.ID(), err)
	}

	s.publish(ctx, project.ID, event.SandboxReady, sandboxPayload(sb))
	return sb, nil
}

// Get returns the project's registered sandbox.
func (s *Service) Get(projectID string) (*sandbox.Sandbox, error) {
	return s.provider.Get(projectID)
}

// Stop stops a sandbox by id, tearing down its tmux sessions first. The
// reason is recorded in the sandbox record and published with the events.
func (s *Service) Stop(ctx context.Context, id, reason string) error {
	sb, err := s.provider.GetByID(id)
	if err != nil {
		return err
	}
	projectID := sb.ProjectID()

	s.publish(ctx, projectID, event.SandboxStopping, map[string]interface{}{
		"sandbox_id": id,
		"reason":     reason,
	})

	// Session teardown is best effort; a wedged tmux server must not block
	// the container stop.
	if sessions, err := sb.ListTmuxSessions(ctx); err != nil {
		log.Warn("service: list tmux sessions in %s: %v", id, err)
	} else {
		for _, sess := range sessions {
			if err := sb.KillTmuxSession(ctx, sess.Name); err != nil {
				log.Warn("service: kill tmux session %s in %s: %v", sess.Name, id, err)
			}
		}
	}

	if err := sb.Stop(ctx); err != nil {
		if uerr := s.sandboxes.UpdateSandboxStatus(ctx, id, store.SandboxStatusError, err.Error()); uerr != nil {
			log.Error("service: persist error status for %s: %v", id, uerr)
		}
		s.publishError(ctx, projectID, id, err)
		return err
	}

	if err := s.sandboxes.UpdateSandboxStatus(ctx, id, store.SandboxStatusStopped, reason); err != nil {
		log.Error("service: persist stopped status for %s: %v", id, err)
	}
	s.publish(ctx, projectID, event.SandboxStopped, map[string]interface{}{
		"sandbox_id": id,
		"reason":     reason,
	})
	return nil
}

// Exec runs a buffered command in the project's sandbox and records the
// activity so the idle reaper sees it.
func (s *Service) Exec(ctx context.Context, projectID, cmd string, args ...string) (*sandbox.ExecResult, error) {
	sb, err := s.provider.Get(projectID)
	if err != nil {
		return nil, err
	}
	res, err := sb.Exec(ctx, cmd, args...)
	if err != nil {
		return nil, err
	}
	if terr := s.sandboxes.TouchSandbox(ctx, sb.ID(), sb.LastActivity()); terr != nil && !errors.Is(terr, store.ErrNotFound) {
		log.Warn("service: touch sandbox %s: %v", sb.ID(), terr)
	}
	return res, nil
}

// Metrics returns a resource usage snapshot for the project's sandbox.
func (s *Service) Metrics(ctx context.Context, projectID string) (*sandbox.Metrics, error) {
	sb, err := s.provider.Get(projectID)
	if err != nil {
		return nil, err
	}
	return sb.Metrics(ctx)
}

// CreateTmuxSessionForTask creates the task's tmux session in the project's
// sandbox. Idempotent: an existing session with the task's name is returned
// as success.
func (s *Service) CreateTmuxSessionForTask(ctx context.Context, projectID, taskID string) (*sandbox.TmuxSession, error) {
	sb, err := s.provider.Get(projectID)
	if err != nil {
		return nil, err
	}
	name := sandbox.TmuxSessionName(taskID)
	sess, err := sb.CreateTmuxSession(ctx, name, taskID)
	if err != nil && errors.Is(err, sandbox.ErrTmuxSessionExists) {
		return &sandbox.TmuxSession{Name: name, SandboxID: sb.ID(), TaskID: taskID}, nil
	}
	return sess, err
}

// RefreshCredentials re-runs credential injection for the project's sandbox.
func (s *Service) RefreshCredentials(ctx context.Context, projectID string) (*CredentialResult, error) {
	if s.creds == nil {
		return &CredentialResult{}, nil
	}
	sb, err := s.provider.Get(projectID)
	if err != nil {
		return nil, err
	}
	return s.creds.Refresh(ctx, sb)
}

// publishError emits a sandbox.error event carrying the stable error code
// when the failure is a sandbox error.
func (s *Service) publishError(ctx context.Context, projectID, sandboxID string, err error) {
	payload := map[string]interface{}{"message": err.Error()}
	if sandboxID != "" {
		payload["sandbox_id"] = sandboxID
	}
	var serr *sandbox.Error
	if errors.As(err, &serr) {
		payload["code"] = serr.Code
	}
	s.publish(ctx, projectID, event.SandboxError, payload)
}

func sandboxPayload(sb *sandbox.Sandbox) map[string]interface{} {
	return map[string]interface{}{
		"sandbox_id":   sb.ID(),
		"project_id":   sb.ProjectID(),
		"container_id": sb.ContainerID(),
		"status":       string(sb.Status()),
	}
}
