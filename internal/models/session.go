package models

import "time"

// PhaseKind is the stored discriminator of a session phase.
type PhaseKind string

const (
	PhaseKindIdle               PhaseKind = "idle"
	PhaseKindRunningAgent       PhaseKind = "running_agent"
	PhaseKindAwaitingPermission PhaseKind = "awaiting_permission"
	PhaseKindScriptRunning      PhaseKind = "script_running"
	PhaseKindError              PhaseKind = "error"
)

// Valid reports whether k names a known phase.
func (k PhaseKind) Valid() bool {
	switch k {
	case PhaseKindIdle, PhaseKindRunningAgent, PhaseKindAwaitingPermission, PhaseKindScriptRunning, PhaseKindError:
		return true
	}
	return false
}

// Phase is a session's lifecycle state. Each variant carries only its own payload.
type Phase interface {
	Kind() PhaseKind
	isPhase()
}

// Idle means no agent or script is running.
type Idle struct{}

// RunningAgent means the agent process is active.
type RunningAgent struct{}

// AwaitingPermission means the agent is blocked on a tool permission decision.
type AwaitingPermission struct {
	RequestID string
}

// ScriptRunning means the agent handed off to a named script.
type ScriptRunning struct {
	ScriptPath string
}

// Error means the session hit an unrecoverable failure. Only a reset leaves it.
type Error struct {
	ErrorMessage string
}

func (Idle) Kind() PhaseKind               { return PhaseKindIdle }
func (RunningAgent) Kind() PhaseKind       { return PhaseKindRunningAgent }
func (AwaitingPermission) Kind() PhaseKind { return PhaseKindAwaitingPermission }
func (ScriptRunning) Kind() PhaseKind      { return PhaseKindScriptRunning }
func (Error) Kind() PhaseKind              { return PhaseKindError }

func (Idle) isPhase()               {}
func (RunningAgent) isPhase()       {}
func (AwaitingPermission) isPhase() {}
func (ScriptRunning) isPhase()      {}
func (Error) isPhase()              {}

// PhaseDetail returns the variant payload used for storage.
func PhaseDetail(p Phase) string {
	switch v := p.(type) {
	case AwaitingPermission:
		return v.RequestID
	case ScriptRunning:
		return v.ScriptPath
	case Error:
		return v.ErrorMessage
	default:
		return ""
	}
}

// PhaseFromParts rebuilds a Phase from its stored kind and detail.
// Unknown kinds decode as Idle.
func PhaseFromParts(kind PhaseKind, detail string) Phase {
	switch kind {
	case PhaseKindRunningAgent:
		return RunningAgent{}
	case PhaseKindAwaitingPermission:
		return AwaitingPermission{RequestID: detail}
	case PhaseKindScriptRunning:
		return ScriptRunning{ScriptPath: detail}
	case PhaseKindError:
		return Error{ErrorMessage: detail}
	default:
		return Idle{}
	}
}

// Session is one interactive agent workspace.
type Session struct {
	ID             string
	UserID         string
	WorkspaceID    string
	LocalSessionID string
	UpstreamID     string
	Name           string
	Cwd            string
	Phase          Phase
	IsBusy         bool
	BaseCommit     string
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PhaseKind is a convenience for s.Phase.Kind() that tolerates a nil phase.
func (s *Session) PhaseKind() PhaseKind {
	if s.Phase == nil {
		return PhaseKindIdle
	}
	return s.Phase.Kind()
}
