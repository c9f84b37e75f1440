package agent

import (
	"context"
	"io"
)

// CompletionStatus is the terminal status a bridge reports for an agent run.
type CompletionStatus string

// Completion statuses
const (
	StatusCompleted CompletionStatus = "completed"
	StatusTurnLimit CompletionStatus = "turn_limit"
	StatusCancelled CompletionStatus = "cancelled"
)

// BridgeConfig wires a bridge to a run. Exactly one of OnComplete/OnError
// fires at most once per run, after which the bridge must not call back.
type BridgeConfig struct {
	TaskID    string
	SessionID string

	// OnComplete receives the terminal status and the turn count consumed.
	OnComplete func(status CompletionStatus, turnCount int)

	// OnError receives a failure reported by the in-container agent along
	// with the turns consumed before it.
	OnError func(err error, turnCount int)
}

// Bridge translates the agent process's stdout protocol into callbacks and
// durable events. The concrete protocol (and its event publication) lives in
// the host application; this service only needs stream processing and the
// completion contract.
type Bridge interface {
	// ProcessStream consumes the agent's stdout until EOF or ctx is done.
	// A nil return does not imply completion; only the callbacks do.
	ProcessStream(ctx context.Context, r io.Reader) error

	// TurnCount reports the turns observed so far.
	TurnCount() int
}

// BridgeFactory builds a bridge for one run.
type BridgeFactory func(cfg BridgeConfig) Bridge
