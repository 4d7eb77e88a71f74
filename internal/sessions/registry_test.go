package sessions

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/notify"
	"github.com/joescharf/agentdesk/internal/store"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return NewRegistry(s, opts...), s
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.PhaseKind
		want     bool
	}{
		{models.PhaseKindIdle, models.PhaseKindRunningAgent, true},
		{models.PhaseKindRunningAgent, models.PhaseKindIdle, true},
		{models.PhaseKindRunningAgent, models.PhaseKindScriptRunning, true},
		{models.PhaseKindRunningAgent, models.PhaseKindAwaitingPermission, true},
		{models.PhaseKindAwaitingPermission, models.PhaseKindRunningAgent, true},
		{models.PhaseKindScriptRunning, models.PhaseKindRunningAgent, true},
		{models.PhaseKindScriptRunning, models.PhaseKindIdle, true},
		{models.PhaseKindIdle, models.PhaseKindError, true},
		{models.PhaseKindScriptRunning, models.PhaseKindError, true},
		{models.PhaseKindIdle, models.PhaseKindScriptRunning, false},
		{models.PhaseKindIdle, models.PhaseKindAwaitingPermission, false},
		{models.PhaseKindError, models.PhaseKindRunningAgent, false},
		{models.PhaseKindError, models.PhaseKindIdle, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPhaseSequence_ErrorThenReset(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.Create(ctx, CreateOptions{Name: "demo"})
	require.NoError(t, err)
	assert.Equal(t, models.Idle{}, sess.Phase)

	_, err = r.Transition(ctx, sess.ID, models.RunningAgent{})
	require.NoError(t, err)

	got, err := r.Fail(ctx, sess.ID, "crash")
	require.NoError(t, err)
	assert.Equal(t, models.Error{ErrorMessage: "crash"}, got.Phase)

	_, err = r.Transition(ctx, sess.ID, models.RunningAgent{})
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	got, err = r.Reset(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Idle{}, got.Phase)

	stored, err := r.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Idle{}, stored.Phase)
}

func TestTransition_ScriptRunningCarriesPath(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	sess, err := r.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	_, err = r.Transition(ctx, sess.ID, models.RunningAgent{})
	require.NoError(t, err)
	got, err := r.Transition(ctx, sess.ID, models.ScriptRunning{ScriptPath: "./run.sh"})
	require.NoError(t, err)
	assert.Equal(t, models.ScriptRunning{ScriptPath: "./run.sh"}, got.Phase)

	got, err = r.Transition(ctx, sess.ID, models.Idle{})
	require.NoError(t, err)
	assert.Equal(t, models.Idle{}, got.Phase)
}

func TestTransition_ScriptRunningUsesWorkspaceScript(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	ws := &models.Workspace{Name: "api", Folder: "/src/api", ScriptPath: "./bootstrap.sh"}
	require.NoError(t, s.CreateWorkspace(ctx, ws))
	sess, err := r.Create(ctx, CreateOptions{WorkspaceID: ws.ID})
	require.NoError(t, err)

	_, err = r.Transition(ctx, sess.ID, models.RunningAgent{})
	require.NoError(t, err)
	got, err := r.Transition(ctx, sess.ID, models.ScriptRunning{})
	require.NoError(t, err)
	assert.Equal(t, models.ScriptRunning{ScriptPath: "./bootstrap.sh"}, got.Phase)

	// Same script again is a no-op.
	got, err = r.Transition(ctx, sess.ID, models.ScriptRunning{})
	require.NoError(t, err)
	assert.Equal(t, models.ScriptRunning{ScriptPath: "./bootstrap.sh"}, got.Phase)
}

func TestTransition_ScriptRunningNeedsPath(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	bare, err := r.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	_, err = r.Transition(ctx, bare.ID, models.RunningAgent{})
	require.NoError(t, err)
	_, err = r.Transition(ctx, bare.ID, models.ScriptRunning{})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument), "got %v", err)

	ws := &models.Workspace{Name: "web", Folder: "/src/web"}
	require.NoError(t, s.CreateWorkspace(ctx, ws))
	scriptless, err := r.Create(ctx, CreateOptions{WorkspaceID: ws.ID})
	require.NoError(t, err)
	_, err = r.Transition(ctx, scriptless.ID, models.RunningAgent{})
	require.NoError(t, err)
	_, err = r.Transition(ctx, scriptless.ID, models.ScriptRunning{})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument), "got %v", err)

	got, err := r.Get(ctx, scriptless.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunningAgent{}, got.Phase)
}

func TestTransition_SamePhaseIsNoop(t *testing.T) {
	bus := notify.NewBus()
	events, cancel := bus.Subscribe(8)
	defer cancel()

	r, _ := newTestRegistry(t, WithPublisher(bus))
	ctx := context.Background()
	sess, err := r.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	_, err = r.Transition(ctx, sess.ID, models.RunningAgent{})
	require.NoError(t, err)
	_, err = r.Transition(ctx, sess.ID, models.RunningAgent{})
	require.NoError(t, err)

	assert.Len(t, events, 1)
	e := <-events
	assert.Equal(t, notify.KindPhaseChanged, e.Kind)
}

func TestReset_RejectsNonErrorPhase(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	sess, err := r.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	_, err = r.Reset(ctx, sess.ID)
	require.NoError(t, err, "reset of idle is a no-op")

	_, err = r.Transition(ctx, sess.ID, models.RunningAgent{})
	require.NoError(t, err)
	_, err = r.Reset(ctx, sess.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
}

func TestTransition_UnknownSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Transition(context.Background(), "missing", models.RunningAgent{})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestActivity_Monotonic(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	r, _ := newTestRegistry(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	sess, err := r.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	clock = base.Add(time.Minute)
	_, err = r.SetBusy(ctx, sess.ID, true)
	require.NoError(t, err)

	clock = base.Add(-time.Hour)
	_, err = r.SetBusy(ctx, sess.ID, false)
	require.NoError(t, err)
	require.NoError(t, r.Touch(ctx, sess.ID))

	got, err := r.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.Equal(base.Add(time.Minute)), "got %v", got.LastActivityAt)
	assert.False(t, got.IsBusy)
}

func TestGetOrCreateForLocal(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	a, created, err := r.GetOrCreateForLocal(ctx, "u1", "abc", CreateOptions{Name: "first"})
	require.NoError(t, err)
	assert.True(t, created)

	b, created, err := r.GetOrCreateForLocal(ctx, "u1", "abc", CreateOptions{Name: "second"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "first", b.Name)

	all, err := s.ListSessions(ctx, store.SessionListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, _, err = r.GetOrCreateForLocal(ctx, "u1", "", CreateOptions{})
	assert.Error(t, err)
}

func TestGetOrCreateForLocal_Concurrent(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, _, err := r.GetOrCreateForLocal(ctx, "u1", "shared", CreateOptions{})
			assert.NoError(t, err)
			if sess != nil {
				ids[i] = sess.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	all, err := s.ListSessions(ctx, store.SessionListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBindUpstreamID(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	sess, err := r.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	_, err = r.BindUpstreamID(ctx, sess.ID, "claude-123")
	require.NoError(t, err)
	_, err = r.BindUpstreamID(ctx, sess.ID, "claude-123")
	require.NoError(t, err)

	got, err := s.GetSessionByUpstream(ctx, "claude-123")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = r.BindUpstreamID(ctx, sess.ID, "")
	assert.Error(t, err)
}

func TestRename(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	sess, err := r.Create(ctx, CreateOptions{Name: "old"})
	require.NoError(t, err)

	got, err := r.Rename(ctx, sess.ID, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name)
}

func TestRemove_Cascades(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	sess, err := r.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	_, err = s.UpsertMessage(ctx, &models.Message{SessionID: sess.ID, Type: models.MessageTypeUser, ExternalID: "e1"})
	require.NoError(t, err)
	require.NoError(t, s.CreatePermissionRequest(ctx, &models.PermissionRequest{ID: "r1", SessionID: sess.ID, ToolName: "Bash"}))
	require.NoError(t, s.ReplaceTodos(ctx, sess.ID, []*models.Todo{{Content: "x"}}))
	require.NoError(t, s.CreateInboxEntry(ctx, &models.InboxEntry{SessionID: sess.ID, Body: "ready"}))
	require.NoError(t, s.CreateComment(ctx, &models.Comment{SessionID: sess.ID, FilePath: "a.go", Body: "nit"}))

	require.NoError(t, r.Remove(ctx, sess.ID))

	_, err = r.Get(ctx, sess.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	msgs, _ := s.ListMessages(ctx, sess.ID)
	assert.Empty(t, msgs)
	reqs, _ := s.ListPermissionRequests(ctx, store.PermissionListFilter{SessionID: sess.ID})
	assert.Empty(t, reqs)
	todos, _ := s.ListTodos(ctx, sess.ID)
	assert.Empty(t, todos)
	inbox, _ := s.ListInboxEntries(ctx, sess.ID)
	assert.Empty(t, inbox)
	comments, _ := s.ListComments(ctx, sess.ID)
	assert.Empty(t, comments)

	// Re-running an already completed removal is safe.
	require.NoError(t, r.Remove(ctx, sess.ID))
}

func TestPermissionPhaseHooks(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	sess, err := r.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	// Only a running agent can wait on a permission.
	assert.Error(t, r.AwaitPermission(ctx, sess.ID, "req-1"))

	_, err = r.Transition(ctx, sess.ID, models.RunningAgent{})
	require.NoError(t, err)
	require.NoError(t, r.AwaitPermission(ctx, sess.ID, "req-1"))

	got, err := r.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AwaitingPermission{RequestID: "req-1"}, got.Phase)

	require.NoError(t, r.ResumeAfterPermission(ctx, sess.ID, "other"))
	got, _ = r.Get(ctx, sess.ID)
	assert.Equal(t, models.PhaseKindAwaitingPermission, got.PhaseKind())

	require.NoError(t, r.ResumeAfterPermission(ctx, sess.ID, "req-1"))
	got, _ = r.Get(ctx, sess.ID)
	assert.Equal(t, models.RunningAgent{}, got.Phase)
}
