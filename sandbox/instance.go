package sandbox

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/yaoapp/kun/log"
)

// Sandbox is a handle to one running sandbox container. Instances are owned
// by the Provider; higher layers receive them through Provider.Create/Get.
type Sandbox struct {
	mu           sync.Mutex
	id           string
	projectID    string
	containerID  string
	name         string
	config       Config
	status       Status
	lastActivity time.Time
	createdAt    time.Time

	engine      Engine
	stopTimeout time.Duration
}

// ID returns the sandbox id.
func (s *Sandbox) ID() string { return s.id }

// ProjectID returns the owning project id.
func (s *Sandbox) ProjectID() string { return s.projectID }

// ContainerID returns the engine-assigned container id.
func (s *Sandbox) ContainerID() string { return s.containerID }

// Name returns the engine-level container name.
func (s *Sandbox) Name() string { return s.name }

// Config returns the config the sandbox was created from.
func (s *Sandbox) Config() Config { return s.config }

// CreatedAt returns the creation time.
func (s *Sandbox) CreatedAt() time.Time { return s.createdAt }

// Status returns the current lifecycle state.
func (s *Sandbox) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sandbox) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Touch resets the idle clock.
func (s *Sandbox) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last time the sandbox was used.
func (s *Sandbox) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Exec runs a command as the sandbox user and waits for completion.
func (s *Sandbox) Exec(ctx context.Context, cmd string, args ...string) (*ExecResult, error) {
	return s.exec(ctx, "", append([]string{cmd}, args...), nil)
}

// ExecAsRoot runs a command as root and waits for completion.
func (s *Sandbox) ExecAsRoot(ctx context.Context, cmd string, args ...string) (*ExecResult, error) {
	return s.exec(ctx, "root", append([]string{cmd}, args...), nil)
}

func (s *Sandbox) exec(ctx context.Context, user string, cmd []string, env []string) (*ExecResult, error) {
	s.Touch()

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := s.engine.ContainerExecCreate(ctx, s.containerID, execCfg)
	if err != nil {
		return nil, Wrap(ErrExecFailed, err, "create exec for %q", cmd[0])
	}

	attach, err := s.engine.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, Wrap(ErrExecFailed, err, "attach exec for %q", cmd[0])
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	demux := NewDemuxer(bufferSink{&stdout}, bufferSink{&stderr})
	if err := demux.Copy(attach.Reader); err != nil {
		return nil, Wrap(ErrExecFailed, err, "read exec output for %q", cmd[0])
	}

	code, err := s.execExitCode(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	return &ExecResult{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// execExitCode inspects the exec until the engine reports it finished.
func (s *Sandbox) execExitCode(ctx context.Context, execID string) (int, error) {
	for i := 0; ; i++ {
		inspect, err := s.engine.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, Wrap(ErrExecFailed, err, "inspect exec %s", execID)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		if i >= 20 {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// shellQuote single-quote wraps s, doubling embedded quotes, so it is inert
// inside the composed `cd <dir> && exec ...` command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ExecStream starts a long-running command and returns its demultiplexed
// output streams. The command runs without a shell unless a working
// directory is requested, in which case it is shell-escaped and composed as
// `cd <dir> && exec <cmd> <args>`.
func (s *Sandbox) ExecStream(ctx context.Context, opts *StreamOptions) (*ExecStream, error) {
	if opts == nil || opts.Cmd == "" {
		return nil, Wrap(ErrExecFailed, nil, "streaming exec requires a command")
	}
	s.Touch()

	cmd := append([]string{opts.Cmd}, opts.Args...)
	if opts.WorkDir != "" {
		quoted := make([]string, 0, len(cmd))
		for _, part := range cmd {
			quoted = append(quoted, shellQuote(part))
		}
		line := "cd " + shellQuote(opts.WorkDir) + " && exec " + strings.Join(quoted, " ")
		cmd = []string{"sh", "-c", line}
	}

	user := ""
	if opts.AsRoot {
		user = "root"
	}

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		Env:          envSlice(opts.Env),
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := s.engine.ContainerExecCreate(ctx, s.containerID, execCfg)
	if err != nil {
		return nil, Wrap(ErrExecFailed, err, "create streaming exec for %q", opts.Cmd)
	}

	attach, err := s.engine.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, Wrap(ErrExecFailed, err, "attach streaming exec for %q", opts.Cmd)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	es := &ExecStream{
		Stdout:         outR,
		Stderr:         errR,
		execID:         created.ID,
		engine:         s.engine,
		outW:           outW,
		errW:           errW,
		closeTransport: func() { attach.Close() },
		done:           make(chan struct{}),
	}

	demux := NewDemuxer(outW, errW)
	go func() {
		es.copyErr = demux.Copy(attach.Reader)
		attach.Close()
		close(es.done)
	}()

	return es, nil
}

// Wait blocks until the transport signals end-of-stream, then returns the
// process exit code. A process that never closes its stream leaves Wait
// pending; bound it with the context if needed.
func (es *ExecStream) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-es.done:
	}

	for i := 0; ; i++ {
		inspect, err := es.engine.ContainerExecInspect(ctx, es.execID)
		if err != nil {
			if es.killed.Load() {
				return -1, nil
			}
			return -1, Wrap(ErrExecFailed, err, "inspect exec %s", es.execID)
		}
		if !inspect.Running || i >= 20 {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Kill is best-effort cancellation: it ends both output streams, destroys
// the transport, and additionally tries to SIGTERM the process by the PID
// the engine reports. The secondary termination is logged, not returned,
// since closing the streams is the primary signal and has already taken
// effect.
// Idempotent.
func (es *ExecStream) Kill(ctx context.Context) error {
	es.killOnce.Do(func() {
		es.killed.Store(true)
		es.outW.Close()
		es.errW.Close()
		es.closeTransport()

		inspect, err := es.engine.ContainerExecInspect(ctx, es.execID)
		if err != nil {
			log.Warn("sandbox: inspect exec %s during kill: %v", es.execID, err)
			return
		}
		if inspect.Pid > 0 {
			if kerr := syscall.Kill(inspect.Pid, syscall.SIGTERM); kerr != nil {
				log.Warn("sandbox: SIGTERM pid %d for exec %s: %v", inspect.Pid, es.execID, kerr)
			}
		}
	})
	return nil
}

// Stop gracefully stops the underlying container with a bounded wait.
func (s *Sandbox) Stop(ctx context.Context) error {
	if s.Status() == StatusStopped {
		return nil
	}
	s.setStatus(StatusStopping)

	timeout := int(s.stopTimeout.Seconds())
	err := s.engine.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) && !strings.Contains(err.Error(), "is not running") {
		s.setStatus(StatusError)
		return Wrap(ErrStopFailed, err, "stop container %s", s.name)
	}

	s.setStatus(StatusStopped)
	return nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
