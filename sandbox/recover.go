package sandbox

import (
	"context"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/yaoapp/kun/log"
)

// RecoverResult counts what Recover did.
type RecoverResult struct {
	Recovered int `json:"recovered"`
	Removed   int `json:"removed"`
}

// Recover re-attaches to containers left behind by a previous process.
// Run once at startup. For each engine container matching the naming
// convention: already-registered projects are skipped, non-running
// containers are removed outright, running containers built from a stale
// image are stopped and removed so the next request recreates them, and the
// rest are re-registered as live sandboxes under a synthesized id.
func (p *Provider) Recover(ctx context.Context) (*RecoverResult, error) {
	// Expected digest of the current base image. Best-effort: without it
	// recovery proceeds, just without staleness checking.
	expected := ""
	if img, _, err := p.engine.ImageInspectWithRaw(ctx, p.opts.DefaultImage); err == nil {
		expected = img.ID
	} else {
		log.Warn("sandbox: resolve image %s for recovery: %v", p.opts.DefaultImage, err)
	}

	containers, err := p.engine.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, Wrap(ErrEngineUnavailable, err, "list containers for recovery")
	}

	result := &RecoverResult{}
	for _, c := range containers {
		name := summaryName(c)
		projectID, idPrefix, ok := parseContainerName(p.opts.NamePrefix, name)
		if !ok {
			continue
		}

		// Idempotence: a second Recover against the same engine state must
		// not register a project twice.
		p.mu.Lock()
		_, registered := p.byProject[projectID]
		p.mu.Unlock()
		if registered {
			continue
		}

		if c.State != "running" {
			if err := p.engine.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
				log.Warn("sandbox: remove stale container %s: %v", name, err)
				continue
			}
			result.Removed++
			continue
		}

		if expected != "" && c.ImageID != expected {
			log.Info("sandbox: container %s built from stale image %s, removing", name, c.ImageID)
			timeout := int(p.opts.StopTimeout.Seconds())
			if err := p.engine.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
				log.Warn("sandbox: stop stale-image container %s: %v", name, err)
			}
			if err := p.engine.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
				log.Warn("sandbox: remove stale-image container %s: %v", name, err)
				continue
			}
			result.Removed++
			continue
		}

		now := time.Now()
		sb := &Sandbox{
			id:          "recovered-" + idPrefix,
			projectID:   projectID,
			containerID: c.ID,
			name:        name,
			config: Config{
				ProjectID: projectID,
				Image:     p.opts.DefaultImage,
			}.WithDefaults(),
			status:       StatusRunning,
			lastActivity: now,
			createdAt:    now,
			engine:       p.engine,
			stopTimeout:  p.opts.StopTimeout,
		}

		p.mu.Lock()
		p.byID[sb.id] = sb
		p.byProject[projectID] = sb
		p.mu.Unlock()

		p.notifier.emit(Event{Type: EventStarted, SandboxID: sb.id, ProjectID: projectID, Message: "recovered"})
		result.Recovered++
	}

	return result, nil
}

func summaryName(c container.Summary) string {
	for _, name := range c.Names {
		return strings.TrimPrefix(name, "/")
	}
	return ""
}
