package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/yaoapp/kun/log"
)

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	// NamePrefix is the fixed prefix of every container name this provider
	// owns: <prefix>-<projectID>-<first 8 chars of sandbox id>. Recovery
	// relies on it to find containers after a restart.
	NamePrefix string

	// DefaultImage is the base image used when a config omits one, and the
	// image whose digest recovery checks containers against.
	DefaultImage string

	// StopTimeout bounds the graceful container stop.
	StopTimeout time.Duration
}

func (o *ProviderOptions) withDefaults() ProviderOptions {
	opts := ProviderOptions{}
	if o != nil {
		opts = *o
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = "taskdock-sbx"
	}
	if opts.DefaultImage == "" {
		opts.DefaultImage = DefaultImage
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return opts
}

// Provider is the engine-level sandbox registry. It owns the id→sandbox and
// project→sandbox indexes and assumes single-writer ownership of the engine:
// running two providers with the same name prefix against one engine needs
// an external leader lock, which is out of scope here.
type Provider struct {
	mu        sync.Mutex
	engine    Engine
	opts      ProviderOptions
	byID      map[string]*Sandbox
	byProject map[string]*Sandbox
	notifier  *notifier
}

// NewProvider creates a provider over the given engine.
func NewProvider(engine Engine, opts *ProviderOptions) *Provider {
	return &Provider{
		engine:    engine,
		opts:      opts.withDefaults(),
		byID:      map[string]*Sandbox{},
		byProject: map[string]*Sandbox{},
		notifier:  newNotifier(),
	}
}

// Subscribe registers a lifecycle-event listener and returns its cancel
// function.
func (p *Provider) Subscribe(fn func(Event)) func() {
	return p.notifier.subscribe(fn)
}

func (p *Provider) containerName(projectID, sandboxID string) string {
	return fmt.Sprintf("%s-%s-%s", p.opts.NamePrefix, projectID, sandboxID[:8])
}

// Create realizes a config into a running sandbox. Exclusive per project:
// a non-stopped sandbox already registered for the project fails with
// ErrSandboxExists. On any mid-creation failure an error event is emitted
// and no partial registration is left behind.
func (p *Provider) Create(ctx context.Context, cfg Config) (*Sandbox, error) {
	cfg = cfg.WithDefaults()
	if cfg.Image == "" {
		cfg.Image = p.opts.DefaultImage
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing := p.byProject[cfg.ProjectID]; existing != nil && existing.Status() != StatusStopped {
		return nil, Wrap(ErrSandboxExists, nil, "project %s already has sandbox %s", cfg.ProjectID, existing.ID())
	}

	id := uuid.NewString()
	name := p.containerName(cfg.ProjectID, id)
	p.notifier.emit(Event{Type: EventCreating, SandboxID: id, ProjectID: cfg.ProjectID})

	binds := []string{fmtBind(cfg.ProjectPath, WorkspaceDir, false)}
	for _, m := range cfg.Mounts {
		binds = append(binds, fmtBind(m.HostPath, m.ContainerPath, m.ReadOnly))
	}

	containerConfig := &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: WorkspaceDir,
		Env:        envSlice(cfg.Env),
		Labels: map[string]string{
			"taskdock.sandbox": id,
			"taskdock.project": cfg.ProjectID,
		},
	}

	hostConfig := &container.HostConfig{
		Binds: binds,
		Resources: container.Resources{
			Memory:   cfg.MemoryMB << 20,
			NanoCPUs: int64(cfg.CPUCores * 1e9),
		},
		SecurityOpt: []string{"no-new-privileges"},
	}

	resp, err := p.engine.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		p.notifier.emit(Event{Type: EventError, SandboxID: id, ProjectID: cfg.ProjectID, Message: err.Error()})
		return nil, Wrap(ErrCreateFailed, err, "create container %s", name)
	}

	if err := p.engine.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rerr := p.engine.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rerr != nil {
			log.Warn("sandbox: remove container %s after failed start: %v", name, rerr)
		}
		p.notifier.emit(Event{Type: EventError, SandboxID: id, ProjectID: cfg.ProjectID, Message: err.Error()})
		return nil, Wrap(ErrCreateFailed, err, "start container %s", name)
	}

	now := time.Now()
	sb := &Sandbox{
		id:           id,
		projectID:    cfg.ProjectID,
		containerID:  resp.ID,
		name:         name,
		config:       cfg,
		status:       StatusRunning,
		lastActivity: now,
		createdAt:    now,
		engine:       p.engine,
		stopTimeout:  p.opts.StopTimeout,
	}

	p.byID[id] = sb
	p.byProject[cfg.ProjectID] = sb

	p.notifier.emit(Event{Type: EventCreated, SandboxID: id, ProjectID: cfg.ProjectID})
	p.notifier.emit(Event{Type: EventStarted, SandboxID: id, ProjectID: cfg.ProjectID})

	return sb, nil
}

// Get returns the project's sandbox, falling back to the "default" project's
// sandbox so single-sandbox deployments can serve every project.
func (p *Provider) Get(projectID string) (*Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sb := p.byProject[projectID]; sb != nil {
		return sb, nil
	}
	if sb := p.byProject[DefaultProjectID]; sb != nil {
		return sb, nil
	}
	return nil, Wrap(ErrSandboxNotFound, nil, "no sandbox for project %s", projectID)
}

// GetByID returns the sandbox registered under id.
func (p *Provider) GetByID(id string) (*Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sb := p.byID[id]; sb != nil {
		return sb, nil
	}
	return nil, Wrap(ErrSandboxNotFound, nil, "no sandbox with id %s", id)
}

// List prunes sandboxes the engine no longer knows about, then returns a
// snapshot of the registry.
func (p *Provider) List(ctx context.Context) []*Sandbox {
	p.pruneDrift(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Sandbox, 0, len(p.byID))
	for _, sb := range p.byID {
		out = append(out, sb)
	}
	return out
}

// pruneDrift drops registry entries whose container returned 404 on inspect.
// Other inspection errors may be transient and are not treated as drift.
func (p *Provider) pruneDrift(ctx context.Context) {
	p.mu.Lock()
	snapshot := make([]*Sandbox, 0, len(p.byID))
	for _, sb := range p.byID {
		snapshot = append(snapshot, sb)
	}
	p.mu.Unlock()

	for _, sb := range snapshot {
		if _, err := p.engine.ContainerInspect(ctx, sb.containerID); err != nil {
			if errdefs.IsNotFound(err) {
				log.Info("sandbox: container %s gone from engine, evicting %s", sb.name, sb.id)
				p.deregister(sb)
			}
		}
	}
}

func (p *Provider) deregister(sb *Sandbox) {
	p.mu.Lock()
	delete(p.byID, sb.id)
	if p.byProject[sb.projectID] == sb {
		delete(p.byProject, sb.projectID)
	}
	p.mu.Unlock()
}

// Stop stops the sandbox registered under id, emitting stopping/stopped
// events.
func (p *Provider) Stop(ctx context.Context, id string) error {
	sb, err := p.GetByID(id)
	if err != nil {
		return err
	}

	p.notifier.emit(Event{Type: EventStopping, SandboxID: sb.id, ProjectID: sb.projectID})
	if err := sb.Stop(ctx); err != nil {
		p.notifier.emit(Event{Type: EventError, SandboxID: sb.id, ProjectID: sb.projectID, Message: err.Error()})
		return err
	}
	p.notifier.emit(Event{Type: EventStopped, SandboxID: sb.id, ProjectID: sb.projectID})
	return nil
}

// CleanupOptions filters which sandboxes Cleanup evicts.
type CleanupOptions struct {
	// Statuses to match; defaults to {stopped}.
	Statuses []Status
	// OlderThan, when positive, only matches sandboxes whose last activity
	// is at least this old.
	OlderThan time.Duration
}

// Cleanup stops and evicts sandboxes matching the filter, tolerating
// per-sandbox failures without aborting the batch. Returns the count
// actually cleaned; the returned error aggregates individual failures.
func (p *Provider) Cleanup(ctx context.Context, opts *CleanupOptions) (int, error) {
	statuses := []Status{StatusStopped}
	olderThan := time.Duration(0)
	if opts != nil {
		if len(opts.Statuses) > 0 {
			statuses = opts.Statuses
		}
		olderThan = opts.OlderThan
	}

	match := func(s Status) bool {
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	}

	p.mu.Lock()
	snapshot := make([]*Sandbox, 0, len(p.byID))
	for _, sb := range p.byID {
		snapshot = append(snapshot, sb)
	}
	p.mu.Unlock()

	var merr *multierror.Error
	count := 0
	now := time.Now()

	for _, sb := range snapshot {
		if !match(sb.Status()) {
			continue
		}
		if olderThan > 0 && now.Sub(sb.LastActivity()) < olderThan {
			continue
		}

		if sb.Status() != StatusStopped {
			if err := sb.Stop(ctx); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("stop %s: %w", sb.id, err))
				continue
			}
		}
		if err := p.engine.ContainerRemove(ctx, sb.containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			merr = multierror.Append(merr, fmt.Errorf("remove %s: %w", sb.id, err))
			continue
		}

		p.deregister(sb)
		count++
	}

	return count, merr.ErrorOrNil()
}

// PullImage pulls an image, waiting for the pull to complete.
func (p *Provider) PullImage(ctx context.Context, ref string) error {
	reader, err := p.engine.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return Wrap(ErrImagePull, err, "pull image %s", ref)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return Wrap(ErrImagePull, err, "pull image %s", ref)
	}
	return nil
}

// IsImageAvailable reports whether the image exists locally. A 404-class
// response means "not available"; any other error signals engine trouble
// and propagates.
func (p *Provider) IsImageAvailable(ctx context.Context, ref string) (bool, error) {
	if _, _, err := p.engine.ImageInspectWithRaw(ctx, ref); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, Wrap(ErrEngineUnavailable, err, "inspect image %s", ref)
	}
	return true, nil
}

// HealthCheck pings the engine.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.engine.Ping(ctx); err != nil {
		return Wrap(ErrEngineUnavailable, err, "engine ping failed")
	}
	return nil
}

// Close releases the engine client.
func (p *Provider) Close() error {
	return p.engine.Close()
}

// parseContainerName splits <prefix>-<projectID>-<idPrefix> into its parts.
// Project ids may themselves contain dashes, so the id prefix is the final
// segment.
func parseContainerName(prefix, name string) (projectID, idPrefix string, ok bool) {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasPrefix(name, prefix+"-") {
		return "", "", false
	}
	rest := name[len(prefix)+1:]
	i := strings.LastIndex(rest, "-")
	if i <= 0 || len(rest)-i-1 != 8 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
