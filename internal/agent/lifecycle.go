package agent

import (
	"context"
	"fmt"

	"github.com/joescharf/agentdesk/internal/git"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/sessions"
)

// Sessions is the part of the session registry the agent lifecycle drives.
type Sessions interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Transition(ctx context.Context, id string, to models.Phase) (*models.Session, error)
	Fail(ctx context.Context, id, message string) (*models.Session, error)
	SetBusy(ctx context.Context, id string, busy bool) (*models.Session, error)
}

// Active reports whether a phase means an agent or script should be running.
func Active(k models.PhaseKind) bool {
	switch k {
	case models.PhaseKindRunningAgent, models.PhaseKindAwaitingPermission, models.PhaseKindScriptRunning:
		return true
	}
	return false
}

// StopSession records that a session's agent has exited: busy is cleared
// and an active phase returns to idle. Idle and error sessions only lose
// the busy flag.
func StopSession(ctx context.Context, s Sessions, sessionID string) (*models.Session, error) {
	sess, err := s.SetBusy(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	if !Active(sess.PhaseKind()) {
		return sess, nil
	}
	sess, err = s.Transition(ctx, sessionID, models.Idle{})
	if err != nil {
		return nil, fmt.Errorf("stop session %s: %w", sessionID, err)
	}
	return sess, nil
}

// WithBaseCommit fills opts.BaseCommit from the HEAD of opts.Cwd so later
// diffs show only the agent's work. Best-effort: errors leave it empty.
func WithBaseCommit(opts sessions.CreateOptions, gc git.Client) sessions.CreateOptions {
	if opts.BaseCommit != "" || opts.Cwd == "" || gc == nil {
		return opts
	}
	if head, err := gc.HeadCommit(opts.Cwd); err == nil {
		opts.BaseCommit = head
	}
	return opts
}
