package service

import (
	"context"

	"github.com/taskdock/taskdock/sandbox"
)

// CredentialResult reports the outcome of a credential injection or refresh.
type CredentialResult struct {
	// Warnings are non-fatal problems the caller should surface, for
	// example a credential file that was skipped because it was missing
	// on the host.
	Warnings []string
}

// CredentialProvider copies agent credentials into a sandbox and refreshes
// them in place while the sandbox runs. Implementations live in the host
// application; injection failures never fail sandbox creation, they surface
// as warnings instead.
type CredentialProvider interface {
	Inject(ctx context.Context, sb *sandbox.Sandbox) (*CredentialResult, error)
	Refresh(ctx context.Context, sb *sandbox.Sandbox) (*CredentialResult, error)
}
