// Package event defines the durable event stream consumed by the sandbox
// and agent services, and an in-memory implementation for single-node use
// and tests. Durable backends are supplied by the host application.
package event

import "context"

// Event types published by the sandbox service.
const (
	SandboxCreating = "sandbox.creating"
	SandboxCreated  = "sandbox.created"
	SandboxStarted  = "sandbox.started"
	SandboxReady    = "sandbox.ready"
	SandboxIdle     = "sandbox.idle"
	SandboxStopping = "sandbox.stopping"
	SandboxStopped  = "sandbox.stopped"
	SandboxWarning  = "sandbox.warning"
	SandboxError    = "sandbox.error"
)

// Event types published by the container agent service.
const (
	AgentStatus           = "agent.status"
	AgentStarted          = "agent.started"
	AgentCancelled        = "agent.cancelled"
	AgentError            = "agent.error"
	AgentTaskUpdateFailed = "agent.task-update-failed"
)

// Stream is the durable event stream collaborator.
type Stream interface {
	// CreateStream creates a stream. Fails with ErrStreamExists if the id
	// is taken.
	CreateStream(ctx context.Context, id string, metadata map[string]interface{}) error

	// Publish appends an event to a stream.
	Publish(ctx context.Context, id string, eventType string, payload interface{}) error
}
