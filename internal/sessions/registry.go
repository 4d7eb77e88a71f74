// Package sessions owns Session records: the phase state machine, the busy
// flag, local and upstream id correlation, and cascading removal.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/keylock"
	"github.com/joescharf/agentdesk/internal/metrics"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/notify"
	"github.com/joescharf/agentdesk/internal/store"
)

// Store is the subset of store.Store the registry needs.
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	CreateSessionForLocal(ctx context.Context, s *models.Session) (*models.Session, bool, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter store.SessionListFilter) ([]*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)

	DeleteMessages(ctx context.Context, sessionID string) (int64, error)
	DeletePermissionRequests(ctx context.Context, sessionID string) (int64, error)
	DeleteTodos(ctx context.Context, sessionID string) (int64, error)
	DeleteInboxEntries(ctx context.Context, sessionID string) (int64, error)
	DeleteComments(ctx context.Context, sessionID string) (int64, error)
}

// Registry is the SessionRegistry.
type Registry struct {
	store   Store
	pub     notify.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	locks   *keylock.Locker
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithPublisher sets where phase and busy events go.
func WithPublisher(p notify.Publisher) Option { return func(r *Registry) { r.pub = p } }

// WithMetrics records phase transitions.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// NewRegistry creates a Registry over s.
func NewRegistry(s Store, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		pub:    notify.Discard,
		logger: slog.New(slog.DiscardHandler),
		locks:  keylock.New(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOptions describes a new session.
type CreateOptions struct {
	UserID      string
	WorkspaceID string
	Name        string
	Cwd         string
	BaseCommit  string
}

// Create registers a new idle session.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*models.Session, error) {
	sess := &models.Session{
		UserID:         opts.UserID,
		WorkspaceID:    opts.WorkspaceID,
		Name:           opts.Name,
		Cwd:            opts.Cwd,
		BaseCommit:     opts.BaseCommit,
		Phase:          models.Idle{},
		LastActivityAt: r.now().UTC(),
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetOrCreateForLocal returns the session registered for (userID, localID),
// creating it on first use. The bool reports whether this call created it.
func (r *Registry) GetOrCreateForLocal(ctx context.Context, userID, localID string, opts CreateOptions) (*models.Session, bool, error) {
	if localID == "" {
		return nil, false, errors.New("local session id is required")
	}
	sess := &models.Session{
		UserID:         userID,
		WorkspaceID:    opts.WorkspaceID,
		LocalSessionID: localID,
		Name:           opts.Name,
		Cwd:            opts.Cwd,
		BaseCommit:     opts.BaseCommit,
		Phase:          models.Idle{},
		LastActivityAt: r.now().UTC(),
	}
	got, created, err := r.store.CreateSessionForLocal(ctx, sess)
	if err != nil {
		return nil, false, err
	}
	if created {
		r.logger.Debug("session registered", "session_id", got.ID, "local_session_id", localID)
	}
	return got, created, nil
}

// Get returns a session by id.
func (r *Registry) Get(ctx context.Context, id string) (*models.Session, error) {
	return r.store.GetSession(ctx, id)
}

// List returns sessions matching filter, most recently active first.
func (r *Registry) List(ctx context.Context, filter store.SessionListFilter) ([]*models.Session, error) {
	return r.store.ListSessions(ctx, filter)
}

// mutate loads a session under its lock, applies fn and persists the result.
// fn returns false to skip the write.
func (r *Registry) mutate(ctx context.Context, id string, fn func(*models.Session) (bool, error)) (*models.Session, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	changed, err := fn(sess)
	if err != nil || !changed {
		return sess, err
	}
	if err := r.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Transition moves a session to phase `to`. Repeating the current phase is a
// no-op. Leaving error is only possible through Reset. A script_running
// phase without a script path runs the session workspace's script.
func (r *Registry) Transition(ctx context.Context, id string, to models.Phase) (*models.Session, error) {
	if to == nil {
		return nil, errors.New("transition: nil phase")
	}
	var from models.PhaseKind
	sess, err := r.mutate(ctx, id, func(s *models.Session) (bool, error) {
		if script, ok := to.(models.ScriptRunning); ok && script.ScriptPath == "" {
			path, err := r.workspaceScript(ctx, s)
			if err != nil {
				return false, err
			}
			to = models.ScriptRunning{ScriptPath: path}
		}
		if samePhase(s.Phase, to) {
			return false, nil
		}
		from = s.PhaseKind()
		if !CanTransition(from, to.Kind()) {
			return false, apperr.InvalidTransition(string(from), string(to.Kind()))
		}
		s.Phase = to
		s.LastActivityAt = r.now().UTC()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if from != "" {
		r.phaseChanged(sess, from)
	}
	return sess, nil
}

func (r *Registry) workspaceScript(ctx context.Context, s *models.Session) (string, error) {
	if s.WorkspaceID == "" {
		return "", apperr.Invalid("script_running needs a script path: session %s has no workspace", s.ID)
	}
	ws, err := r.store.GetWorkspace(ctx, s.WorkspaceID)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", apperr.Invalid("script_running needs a script path: workspace %s not found", s.WorkspaceID)
	}
	if err != nil {
		return "", err
	}
	if ws.ScriptPath == "" {
		return "", apperr.Invalid("script_running needs a script path: workspace %s has no script", ws.Name)
	}
	return ws.ScriptPath, nil
}

// Reset returns a session in error to idle. Resetting an idle session is a no-op.
func (r *Registry) Reset(ctx context.Context, id string) (*models.Session, error) {
	var from models.PhaseKind
	sess, err := r.mutate(ctx, id, func(s *models.Session) (bool, error) {
		switch s.PhaseKind() {
		case models.PhaseKindIdle:
			return false, nil
		case models.PhaseKindError:
		default:
			return false, apperr.InvalidTransition(string(s.PhaseKind()), "reset")
		}
		from = s.PhaseKind()
		s.Phase = models.Idle{}
		s.IsBusy = false
		s.LastActivityAt = r.now().UTC()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if from != "" {
		r.phaseChanged(sess, from)
	}
	return sess, nil
}

// AwaitPermission parks a running session on requestID.
func (r *Registry) AwaitPermission(ctx context.Context, id, requestID string) error {
	_, err := r.Transition(ctx, id, models.AwaitingPermission{RequestID: requestID})
	return err
}

// ResumeAfterPermission returns a session parked on requestID to
// running_agent. A session in any other phase, or waiting on a different
// request, is left alone.
func (r *Registry) ResumeAfterPermission(ctx context.Context, id, requestID string) error {
	var from models.PhaseKind
	sess, err := r.mutate(ctx, id, func(s *models.Session) (bool, error) {
		waiting, ok := s.Phase.(models.AwaitingPermission)
		if !ok || waiting.RequestID != requestID {
			return false, nil
		}
		from = s.PhaseKind()
		s.Phase = models.RunningAgent{}
		s.LastActivityAt = r.now().UTC()
		return true, nil
	})
	if err != nil {
		return err
	}
	if from != "" {
		r.phaseChanged(sess, from)
	}
	return nil
}

// Fail moves a session to error from any phase.
func (r *Registry) Fail(ctx context.Context, id, message string) (*models.Session, error) {
	return r.Transition(ctx, id, models.Error{ErrorMessage: message})
}

func (r *Registry) phaseChanged(sess *models.Session, from models.PhaseKind) {
	to := sess.PhaseKind()
	r.metrics.PhaseTransition(string(to))
	r.logger.Info("session phase changed", "session_id", sess.ID, "from", from, "to", to)
	r.pub.Publish(notify.Event{
		Kind:      notify.KindPhaseChanged,
		SessionID: sess.ID,
		Payload: map[string]string{
			"from":   string(from),
			"to":     string(to),
			"detail": models.PhaseDetail(sess.Phase),
		},
	})
}

// SetBusy toggles the busy flag. Setting the current value only refreshes activity.
func (r *Registry) SetBusy(ctx context.Context, id string, busy bool) (*models.Session, error) {
	changed := false
	sess, err := r.mutate(ctx, id, func(s *models.Session) (bool, error) {
		changed = s.IsBusy != busy
		s.IsBusy = busy
		s.LastActivityAt = r.now().UTC()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		r.pub.Publish(notify.Event{
			Kind:      notify.KindBusyChanged,
			SessionID: id,
			Payload:   map[string]bool{"is_busy": busy},
		})
	}
	return sess, nil
}

// Touch advances a session's last activity time. It never moves backwards.
func (r *Registry) Touch(ctx context.Context, id string) error {
	return r.store.TouchSession(ctx, id, r.now().UTC())
}

// BindUpstreamID records the agent's own session id so the session can be
// resumed later. Binding the same id again is a no-op.
func (r *Registry) BindUpstreamID(ctx context.Context, id, upstreamID string) (*models.Session, error) {
	if upstreamID == "" {
		return nil, errors.New("upstream id is required")
	}
	return r.mutate(ctx, id, func(s *models.Session) (bool, error) {
		if s.UpstreamID == upstreamID {
			return false, nil
		}
		if s.UpstreamID != "" {
			r.logger.Info("session rebound to new upstream id", "session_id", id, "old", s.UpstreamID, "new", upstreamID)
		}
		s.UpstreamID = upstreamID
		s.LastActivityAt = r.now().UTC()
		return true, nil
	})
}

// Rename sets the display name.
func (r *Registry) Rename(ctx context.Context, id, name string) (*models.Session, error) {
	return r.mutate(ctx, id, func(s *models.Session) (bool, error) {
		if s.Name == name {
			return false, nil
		}
		s.Name = name
		return true, nil
	})
}

// Remove deletes a session and everything it owns, children first. Each
// step is its own statement and treats absent rows as done, so an
// interrupted Remove can simply be run again.
func (r *Registry) Remove(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	steps := []struct {
		name string
		fn   func(context.Context, string) (int64, error)
	}{
		{"messages", r.store.DeleteMessages},
		{"permission requests", r.store.DeletePermissionRequests},
		{"todos", r.store.DeleteTodos},
		{"inbox entries", r.store.DeleteInboxEntries},
		{"comments", r.store.DeleteComments},
	}
	for _, step := range steps {
		n, err := step.fn(ctx, id)
		if err != nil {
			return fmt.Errorf("remove session %s: %s: %w", id, step.name, err)
		}
		if n > 0 {
			r.logger.Debug("removed session children", "session_id", id, "kind", step.name, "count", n)
		}
	}
	if err := r.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("remove session %s: %w", id, err)
	}

	r.pub.Publish(notify.Event{Kind: notify.KindSessionRemoved, SessionID: id})
	return nil
}
