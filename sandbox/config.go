package sandbox

import "fmt"

// WorkspaceDir is the project mount point inside every sandbox.
const WorkspaceDir = "/workspace"

// DefaultProjectID is the sentinel project whose sandbox serves any project
// in single-sandbox deployments.
const DefaultProjectID = "default"

// Defaults applied when a config field is zero.
const (
	DefaultImage              = "taskdock/agent-sandbox:latest"
	DefaultMemoryMB           = 2048
	DefaultCPUCores           = 2.0
	DefaultIdleTimeoutMinutes = 30
)

// Mount is a host directory exposed inside the sandbox.
type Mount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"readonly,omitempty"`
}

// Config describes the sandbox to realize for a project. Immutable once
// passed to Provider.Create.
type Config struct {
	ProjectID          string            `json:"project_id"`
	ProjectPath        string            `json:"project_path"`
	Image              string            `json:"image"`
	MemoryMB           int64             `json:"memory_mb"`
	CPUCores           float64           `json:"cpu_cores"`
	IdleTimeoutMinutes int               `json:"idle_timeout_minutes"`
	Mounts             []Mount           `json:"mounts,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.CPUCores == 0 {
		c.CPUCores = DefaultCPUCores
	}
	if c.IdleTimeoutMinutes == 0 {
		c.IdleTimeoutMinutes = DefaultIdleTimeoutMinutes
	}
	return c
}

// Validate checks the config. Memory, CPU and idle timeout must be positive.
func (c Config) Validate() error {
	if c.ProjectID == "" {
		return Wrap(ErrInvalidConfig, nil, "project id is required")
	}
	if c.ProjectPath == "" {
		return Wrap(ErrInvalidConfig, nil, "project path is required")
	}
	if c.Image == "" {
		return Wrap(ErrInvalidConfig, nil, "image is required")
	}
	if c.MemoryMB <= 0 {
		return Wrap(ErrInvalidConfig, nil, "memory must be positive, got %d", c.MemoryMB)
	}
	if c.CPUCores <= 0 {
		return Wrap(ErrInvalidConfig, nil, "cpu cores must be positive, got %v", c.CPUCores)
	}
	if c.IdleTimeoutMinutes <= 0 {
		return Wrap(ErrInvalidConfig, nil, "idle timeout must be positive, got %d", c.IdleTimeoutMinutes)
	}
	for _, m := range c.Mounts {
		if m.HostPath == "" || m.ContainerPath == "" {
			return Wrap(ErrInvalidConfig, nil, "mount requires host and container paths, got %q:%q", m.HostPath, m.ContainerPath)
		}
	}
	return nil
}

func fmtBind(hostPath, containerPath string, readonly bool) string {
	if readonly {
		return fmt.Sprintf("%s:%s:ro", hostPath, containerPath)
	}
	return fmt.Sprintf("%s:%s", hostPath, containerPath)
}
