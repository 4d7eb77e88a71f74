package sessions

import "github.com/joescharf/agentdesk/internal/models"

// transitions lists the allowed phase changes other than "any -> error"
// and the explicit reset out of error.
var transitions = map[models.PhaseKind][]models.PhaseKind{
	models.PhaseKindIdle: {
		models.PhaseKindRunningAgent,
	},
	models.PhaseKindRunningAgent: {
		models.PhaseKindIdle,
		models.PhaseKindScriptRunning,
		models.PhaseKindAwaitingPermission,
	},
	models.PhaseKindAwaitingPermission: {
		models.PhaseKindRunningAgent,
		models.PhaseKindIdle,
	},
	models.PhaseKindScriptRunning: {
		models.PhaseKindRunningAgent,
		models.PhaseKindIdle,
	},
}

// CanTransition reports whether a session may move from one phase kind to
// another through a normal transition. Leaving error requires Reset.
func CanTransition(from, to models.PhaseKind) bool {
	if to == models.PhaseKindError {
		return true
	}
	for _, k := range transitions[from] {
		if k == to {
			return true
		}
	}
	return false
}

// samePhase reports whether a and b are the same variant with the same payload.
func samePhase(a, b models.Phase) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Kind() == b.Kind() && models.PhaseDetail(a) == models.PhaseDetail(b)
}
