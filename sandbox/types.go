package sandbox

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the sandbox lifecycle state. Transitions follow
// stopped → creating → running → idle → stopping → stopped, with error
// reachable from any state on failure.
type Status string

// Status values
const (
	StatusStopped  Status = "stopped"
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ExecResult is the outcome of a buffered command execution.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// StreamOptions configures a streaming command execution.
type StreamOptions struct {
	Cmd     string            // binary to run
	Args    []string          // arguments
	Env     map[string]string // extra environment
	WorkDir string            // when set, the command is shell-composed as `cd <dir> && exec <cmd>`
	AsRoot  bool              // run as root instead of the sandbox user
}

// TmuxSession describes a terminal-multiplexer session inside a sandbox.
type TmuxSession struct {
	Name      string    `json:"name"`
	SandboxID string    `json:"sandbox_id"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Windows   int       `json:"windows"`
	Attached  bool      `json:"attached"`
}

// Metrics is a resource usage snapshot of a sandbox container.
type Metrics struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryUsageMB  float64 `json:"memory_usage_mb"`
	MemoryLimitMB  float64 `json:"memory_limit_mb"`
	NetworkRxBytes uint64  `json:"network_rx_bytes"`
	NetworkTxBytes uint64  `json:"network_tx_bytes"`
}

// Handle is the sandbox surface exposed to higher layers.
type Handle interface {
	ID() string
	ProjectID() string
	Status() Status
	Exec(ctx context.Context, cmd string, args ...string) (*ExecResult, error)
	Touch()
	LastActivity() time.Time
}

// StreamingExecutor is the optional streaming-exec capability of a Handle.
// Callers check for it with a type assertion before launching long-running
// processes.
type StreamingExecutor interface {
	ExecStream(ctx context.Context, opts *StreamOptions) (*ExecStream, error)
}

// ExecStream is a running streaming execution. Stdout and Stderr deliver
// demultiplexed output incrementally; Wait resolves once the transport
// signals end-of-stream; Kill is best-effort and idempotent.
type ExecStream struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	execID string
	engine Engine

	outW *io.PipeWriter
	errW *io.PipeWriter

	closeTransport func() // tears down the hijacked connection

	done     chan struct{} // closed when the copy loop exits
	copyErr  error         // transport error, set before done is closed
	killOnce sync.Once
	killed   atomic.Bool
}
