// Package sandboxtest provides a scripted fake of the container engine for
// provider, service, and agent tests. No daemon is required.
package sandboxtest

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Frame encodes one multiplexed stream frame the way the engine does:
// selector byte, three reserved bytes, big-endian uint32 length, payload.
func Frame(selector byte, payload []byte) []byte {
	header := make([]byte, 8)
	header[0] = selector
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

// ExecScript tells the fake engine how one exec behaves.
//
// Leave Pid zero in tests: a non-zero Pid makes ExecStream.Kill SIGTERM that
// PID on the test host.
type ExecScript struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Pid      int

	// Hold, when non-nil, keeps the stream open after the payload is
	// written until the channel is closed or the client tears the
	// connection down (e.g. via Kill). Close it in test cleanup.
	Hold chan struct{}
}

// FakeContainer is the engine-side state of one container.
type FakeContainer struct {
	ID      string
	Name    string
	Image   string
	ImageID string
	State   string // created, running, exited
	Config  *container.Config
	Host    *container.HostConfig
}

type execState struct {
	mu      sync.Mutex
	script  *ExecScript
	opts    container.ExecOptions
	running bool
}

// FakeEngine implements the sandbox.Engine interface in memory.
type FakeEngine struct {
	mu     sync.Mutex
	nextID int

	Containers map[string]*FakeContainer // by container id
	Images     map[string]string         // ref → image id (digest)
	StatsJSON  map[string]string         // container id → stats body

	// Script decides exec behavior; nil or a nil return means "exit 0, no
	// output".
	Script func(containerID string, opts container.ExecOptions) *ExecScript

	// Calls records engine-side effects for assertions.
	Pulled  []string
	Removed []string
	Stopped []string

	// Failure injection
	CreateErr     error
	StartErr      error
	StopErr       error
	RemoveErr     error
	ListErr       error
	InspectErr    error
	ExecCreateErr error
	ExecAttachErr error
	StatsErr      error
	PingErr       error
	PullErr       error
	ImageErr      error // overrides image inspect

	execs map[string]*execState
}

// New returns an empty fake engine.
func New() *FakeEngine {
	return &FakeEngine{
		Containers: map[string]*FakeContainer{},
		Images:     map[string]string{},
		StatsJSON:  map[string]string{},
		execs:      map[string]*execState{},
	}
}

// AddContainer seeds a container, for recovery and drift tests.
func (e *FakeEngine) AddContainer(name, imageID, state string) *FakeContainer {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	c := &FakeContainer{
		ID:      fmt.Sprintf("ctr-%d", e.nextID),
		Name:    name,
		ImageID: imageID,
		State:   state,
	}
	e.Containers[c.ID] = c
	return c
}

// ContainerByName finds a container by engine-level name.
func (e *FakeEngine) ContainerByName(name string) *FakeContainer {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.Containers {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func notFound(what string) error {
	return errdefs.NotFound(fmt.Errorf("no such %s", what))
}

// ContainerCreate implements sandbox.Engine.
func (e *FakeEngine) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	if e.CreateErr != nil {
		return container.CreateResponse{}, e.CreateErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	c := &FakeContainer{
		ID:     fmt.Sprintf("ctr-%d", e.nextID),
		Name:   containerName,
		Image:  config.Image,
		State:  "created",
		Config: config,
		Host:   hostConfig,
	}
	if id, ok := e.Images[config.Image]; ok {
		c.ImageID = id
	}
	e.Containers[c.ID] = c
	return container.CreateResponse{ID: c.ID}, nil
}

// ContainerStart implements sandbox.Engine.
func (e *FakeEngine) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	if e.StartErr != nil {
		return e.StartErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.Containers[containerID]
	if !ok {
		return notFound("container")
	}
	c.State = "running"
	return nil
}

// ContainerStop implements sandbox.Engine.
func (e *FakeEngine) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	if e.StopErr != nil {
		return e.StopErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.Containers[containerID]
	if !ok {
		return notFound("container")
	}
	c.State = "exited"
	e.Stopped = append(e.Stopped, containerID)
	return nil
}

// ContainerRemove implements sandbox.Engine.
func (e *FakeEngine) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	if e.RemoveErr != nil {
		return e.RemoveErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.Containers[containerID]; !ok {
		return notFound("container")
	}
	delete(e.Containers, containerID)
	e.Removed = append(e.Removed, containerID)
	return nil
}

// ContainerList implements sandbox.Engine.
func (e *FakeEngine) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	if e.ListErr != nil {
		return nil, e.ListErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]container.Summary, 0, len(e.Containers))
	for _, c := range e.Containers {
		s := container.Summary{
			ID:      c.ID,
			Names:   []string{"/" + c.Name},
			Image:   c.Image,
			ImageID: c.ImageID,
		}
		switch c.State {
		case "running":
			s.State = "running"
		case "exited":
			s.State = "exited"
		default:
			s.State = "created"
		}
		out = append(out, s)
	}
	return out, nil
}

// ContainerInspect implements sandbox.Engine.
func (e *FakeEngine) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	if e.InspectErr != nil {
		return container.InspectResponse{}, e.InspectErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.Containers[containerID]; !ok {
		return container.InspectResponse{}, notFound("container")
	}
	return container.InspectResponse{}, nil
}

// ContainerExecCreate implements sandbox.Engine.
func (e *FakeEngine) ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	if e.ExecCreateErr != nil {
		return container.ExecCreateResponse{}, e.ExecCreateErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.Containers[containerID]; !ok {
		return container.ExecCreateResponse{}, notFound("container")
	}

	var script *ExecScript
	if e.Script != nil {
		script = e.Script(containerID, options)
	}
	if script == nil {
		script = &ExecScript{}
	}

	e.nextID++
	id := fmt.Sprintf("exec-%d", e.nextID)
	e.execs[id] = &execState{script: script, opts: options, running: true}
	return container.ExecCreateResponse{ID: id}, nil
}

// ContainerExecAttach implements sandbox.Engine. The returned connection
// replays the script's stdout/stderr as multiplexed frames.
func (e *FakeEngine) ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error) {
	if e.ExecAttachErr != nil {
		return types.HijackedResponse{}, e.ExecAttachErr
	}
	e.mu.Lock()
	st, ok := e.execs[execID]
	e.mu.Unlock()
	if !ok {
		return types.HijackedResponse{}, notFound("exec")
	}

	clientConn, serverConn := net.Pipe()

	go func() {
		defer serverConn.Close()
		script := st.script
		if len(script.Stdout) > 0 {
			if _, err := serverConn.Write(Frame(1, script.Stdout)); err != nil {
				e.finishExec(st)
				return
			}
		}
		if len(script.Stderr) > 0 {
			if _, err := serverConn.Write(Frame(2, script.Stderr)); err != nil {
				e.finishExec(st)
				return
			}
		}
		if script.Hold != nil {
			<-script.Hold
		}
		e.finishExec(st)
	}()

	return types.HijackedResponse{
		Conn:   clientConn,
		Reader: bufio.NewReader(clientConn),
	}, nil
}

func (e *FakeEngine) finishExec(st *execState) {
	st.mu.Lock()
	st.running = false
	st.mu.Unlock()
}

// ContainerExecInspect implements sandbox.Engine.
func (e *FakeEngine) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	e.mu.Lock()
	st, ok := e.execs[execID]
	e.mu.Unlock()
	if !ok {
		return container.ExecInspect{}, notFound("exec")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return container.ExecInspect{
		ExecID:   execID,
		Running:  st.running,
		ExitCode: st.script.ExitCode,
		Pid:      st.script.Pid,
	}, nil
}

// ContainerStats implements sandbox.Engine.
func (e *FakeEngine) ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error) {
	if e.StatsErr != nil {
		return container.StatsResponseReader{}, e.StatsErr
	}
	e.mu.Lock()
	body, ok := e.StatsJSON[containerID]
	e.mu.Unlock()
	if !ok {
		body = "{}"
	}
	return container.StatsResponseReader{
		Body:   io.NopCloser(strings.NewReader(body)),
		OSType: "linux",
	}, nil
}

// ImagePull implements sandbox.Engine. The pulled ref becomes available.
func (e *FakeEngine) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	if e.PullErr != nil {
		return nil, e.PullErr
	}
	e.mu.Lock()
	e.Pulled = append(e.Pulled, refStr)
	if _, ok := e.Images[refStr]; !ok {
		e.Images[refStr] = "sha256:" + refStr
	}
	e.mu.Unlock()
	return io.NopCloser(strings.NewReader("{}")), nil
}

// ImageInspectWithRaw implements sandbox.Engine.
func (e *FakeEngine) ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error) {
	if e.ImageErr != nil {
		return image.InspectResponse{}, nil, e.ImageErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.Images[imageID]
	if !ok {
		return image.InspectResponse{}, nil, notFound("image")
	}
	return image.InspectResponse{ID: id}, nil, nil
}

// Ping implements sandbox.Engine.
func (e *FakeEngine) Ping(ctx context.Context) (types.Ping, error) {
	if e.PingErr != nil {
		return types.Ping{}, e.PingErr
	}
	return types.Ping{APIVersion: "1.47"}, nil
}

// Close implements sandbox.Engine.
func (e *FakeEngine) Close() error { return nil }
