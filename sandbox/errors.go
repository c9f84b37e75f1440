package sandbox

import "fmt"

// Error is a sandbox error with a stable code. The code is published with
// error events so consumers can render a specific message instead of a
// generic failure.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("sandbox: %s", e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by code, so errors.Is(err, ErrSandboxExists) works on
// wrapped instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wrap derives a concrete error from a sentinel, attaching detail and cause.
func Wrap(base *Error, err error, format string, args ...interface{}) *Error {
	msg := base.Message
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: base.Code, Message: msg, Err: err}
}

var (
	// ErrInvalidConfig is returned when a sandbox config fails validation
	ErrInvalidConfig = &Error{Code: "invalid_sandbox_config", Message: "invalid sandbox configuration"}

	// ErrSandboxExists is returned when a non-stopped sandbox is already registered for the project
	ErrSandboxExists = &Error{Code: "sandbox_exists", Message: "sandbox already exists for project"}

	// ErrSandboxNotFound is returned when no sandbox is registered for the project or id
	ErrSandboxNotFound = &Error{Code: "sandbox_not_found", Message: "sandbox not found"}

	// ErrSandboxNotRunning is returned when an operation requires a running sandbox
	ErrSandboxNotRunning = &Error{Code: "sandbox_not_running", Message: "sandbox is not running"}

	// ErrEngineUnavailable is returned when the container engine cannot be reached
	ErrEngineUnavailable = &Error{Code: "engine_unavailable", Message: "container engine not available"}

	// ErrCreateFailed is returned when container creation fails mid-flight
	ErrCreateFailed = &Error{Code: "sandbox_create_failed", Message: "failed to create sandbox"}

	// ErrStopFailed is returned when stopping the underlying container fails
	ErrStopFailed = &Error{Code: "sandbox_stop_failed", Message: "failed to stop sandbox"}

	// ErrImagePull is returned when the base image cannot be pulled
	ErrImagePull = &Error{Code: "image_pull_failed", Message: "failed to pull image"}

	// ErrExecFailed is returned when command execution inside the sandbox fails at the transport level
	ErrExecFailed = &Error{Code: "exec_failed", Message: "failed to execute command"}

	// ErrTmuxSessionExists is returned when creating a tmux session whose name is already listed
	ErrTmuxSessionExists = &Error{Code: "tmux_session_exists", Message: "tmux session already exists"}

	// ErrTmuxFailed is returned when a tmux operation exits non-zero for a non-benign reason
	ErrTmuxFailed = &Error{Code: "tmux_failed", Message: "tmux command failed"}

	// ErrStreamingUnsupported is returned when a sandbox handle lacks the streaming exec capability
	ErrStreamingUnsupported = &Error{Code: "streaming_exec_unsupported", Message: "sandbox does not support streaming exec"}
)
