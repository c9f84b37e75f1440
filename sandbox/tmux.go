package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// tmuxListFormat keeps the list output machine-parseable.
const tmuxListFormat = "#{session_name}|#{session_windows}|#{session_created}|#{session_attached}"

// TmuxSessionName derives the session name for a task. Deterministic, so
// session provisioning is idempotent and the name is reconstructible from
// the task id alone.
func TmuxSessionName(taskID string) string {
	return "task-" + taskID
}

// CreateTmuxSession starts a detached session. Fails with
// ErrTmuxSessionExists if a session of that name is already listed.
func (s *Sandbox) CreateTmuxSession(ctx context.Context, name, taskID string) (*TmuxSession, error) {
	sessions, err := s.ListTmuxSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		if session.Name == name {
			return nil, Wrap(ErrTmuxSessionExists, nil, "tmux session %q already exists", name)
		}
	}

	res, err := s.Exec(ctx, "tmux", "new-session", "-d", "-s", name, "-c", WorkspaceDir)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, Wrap(ErrTmuxFailed, nil, "create tmux session %q: %s", name, strings.TrimSpace(res.Stderr))
	}

	return &TmuxSession{
		Name:      name,
		SandboxID: s.id,
		TaskID:    taskID,
		CreatedAt: time.Now(),
		Windows:   1,
	}, nil
}

// ListTmuxSessions returns the sessions in the sandbox. The benign
// "no server running" condition yields an empty list; any other non-zero
// exit fails hard.
func (s *Sandbox) ListTmuxSessions(ctx context.Context) ([]TmuxSession, error) {
	res, err := s.Exec(ctx, "tmux", "list-sessions", "-F", tmuxListFormat)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		if isBenignTmuxListFailure(res) {
			return nil, nil
		}
		return nil, Wrap(ErrTmuxFailed, nil, "list tmux sessions: %s", strings.TrimSpace(res.Stderr))
	}

	var sessions []TmuxSession
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != 4 {
			continue
		}
		sessions = append(sessions, TmuxSession{
			Name:      fields[0],
			SandboxID: s.id,
			CreatedAt: time.Unix(cast.ToInt64(fields[2]), 0),
			Windows:   cast.ToInt(fields[1]),
			Attached:  cast.ToBool(fields[3]),
		})
	}
	return sessions, nil
}

// isBenignTmuxListFailure recognizes the "no server / no sessions" shapes
// tmux emits when nothing is running yet.
func isBenignTmuxListFailure(res *ExecResult) bool {
	stderr := strings.ToLower(res.Stderr)
	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") {
		return true
	}
	return res.ExitCode == 1 && strings.TrimSpace(res.Stdout) == "" && strings.TrimSpace(res.Stderr) == ""
}

// KillTmuxSession kills a session, tolerating "session not found" as
// success.
func (s *Sandbox) KillTmuxSession(ctx context.Context, name string) error {
	res, err := s.Exec(ctx, "tmux", "kill-session", "-t", name)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		stderr := strings.ToLower(res.Stderr)
		if strings.Contains(stderr, "session not found") || strings.Contains(stderr, "can't find session") {
			return nil
		}
		return Wrap(ErrTmuxFailed, nil, "kill tmux session %q: %s", name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// SendKeysToTmux types keys into a session, followed by Enter.
func (s *Sandbox) SendKeysToTmux(ctx context.Context, name, keys string) error {
	res, err := s.Exec(ctx, "tmux", "send-keys", "-t", name, keys, "Enter")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return Wrap(ErrTmuxFailed, nil, "send keys to tmux session %q: %s", name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// CapturePane returns the last lines of a session's active pane. lines <= 0
// defaults to 100.
func (s *Sandbox) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	res, err := s.Exec(ctx, "tmux", "capture-pane", "-t", name, "-p", "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", Wrap(ErrTmuxFailed, nil, "capture pane of tmux session %q: %s", name, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}
