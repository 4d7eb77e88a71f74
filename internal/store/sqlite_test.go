package store

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
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createSession(t *testing.T, s *SQLiteStore) *models.Session {
	t.Helper()
	sess := &models.Session{Name: "demo", Cwd: "/tmp/demo", UserID: "u1"}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := createSession(t, s)
	assert.NotEmpty(t, sess.ID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, models.Idle{}, got.Phase)
	assert.False(t, got.IsBusy)

	got.Phase = models.ScriptRunning{ScriptPath: "./setup.sh"}
	got.IsBusy = true
	require.NoError(t, s.UpdateSession(ctx, got))

	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScriptRunning{ScriptPath: "./setup.sh"}, got.Phase)
	assert.True(t, got.IsBusy)

	list, err := s.ListSessions(ctx, SessionListFilter{Phase: models.PhaseKindScriptRunning})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	// Deleting again is a no-op.
	require.NoError(t, s.DeleteSession(ctx, sess.ID))
}

func TestCreateSessionForLocal_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.CreateSessionForLocal(ctx, &models.Session{UserID: "u1", LocalSessionID: "abc"})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.CreateSessionForLocal(ctx, &models.Session{UserID: "u1", LocalSessionID: "abc"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Another user may use the same local id.
	other, created, err := s.CreateSessionForLocal(ctx, &models.Session{UserID: "u2", LocalSessionID: "abc"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)

	all, err := s.ListSessions(ctx, SessionListFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTouchSession_Monotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s)

	later := sess.LastActivityAt.Add(time.Hour)
	require.NoError(t, s.TouchSession(ctx, sess.ID, later))
	require.NoError(t, s.TouchSession(ctx, sess.ID, sess.LastActivityAt.Add(-time.Hour)))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.Equal(later.UTC()), "activity must not move backwards: %v", got.LastActivityAt)

	err = s.TouchSession(ctx, "missing", later)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestUpsertMessage_DedupByExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s)

	first := &models.Message{SessionID: sess.ID, ExternalID: "e1", Type: models.MessageTypeAssistant,
		Content: []models.ContentBlock{models.TextBlock("draft")}}
	res, err := s.UpsertMessage(ctx, first)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.Equal(t, int64(1), res.Seq)

	cost := 0.25
	second := &models.Message{SessionID: sess.ID, ExternalID: "e1", Type: models.MessageTypeAssistant,
		Content: []models.ContentBlock{models.TextBlock("final")}, Cost: &cost, Model: "claude-sonnet"}
	res2, err := s.UpsertMessage(ctx, second)
	require.NoError(t, err)
	assert.False(t, res2.Inserted)
	assert.Equal(t, res.ID, res2.ID)

	msgs, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "final", msgs[0].PlainText())
	require.NotNil(t, msgs[0].Cost)
	assert.Equal(t, 0.25, *msgs[0].Cost)
	assert.Equal(t, "claude-sonnet", msgs[0].Model)
}

func TestUpsertMessage_NoExternalIDAlwaysInserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s)

	for i := 0; i < 3; i++ {
		_, err := s.UpsertMessage(ctx, &models.Message{SessionID: sess.ID, Type: models.MessageTypeSystem,
			Content: []models.ContentBlock{models.TextBlock("notice")}})
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
		assert.Empty(t, m.ExternalID)
	}
}

func TestUpsertMessage_ConcurrentSameExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertMessage(ctx, &models.Message{SessionID: sess.ID, ExternalID: "same",
				Type: models.MessageTypeUser, Content: []models.ContentBlock{models.TextBlock("hi")}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPermissionRequest_ResolveCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s)

	req := &models.PermissionRequest{ID: "r1", SessionID: sess.ID, ToolName: "Bash", ToolInput: []byte(`{"command":"ls"}`)}
	require.NoError(t, s.CreatePermissionRequest(ctx, req))

	err := s.CreatePermissionRequest(ctx, &models.PermissionRequest{ID: "r1", SessionID: sess.ID, ToolName: "Bash"})
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	won, err := s.ResolvePermissionRequest(ctx, &models.PermissionRequest{ID: "r1", Status: models.PermissionGranted,
		Behavior: models.BehaviorAllow, Reason: models.ReasonDecision})
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.ResolvePermissionRequest(ctx, &models.PermissionRequest{ID: "r1", Status: models.PermissionTimedOut,
		Behavior: models.BehaviorDeny, Reason: models.ReasonTimeout})
	require.NoError(t, err)
	assert.False(t, won)

	got, err := s.GetPermissionRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.PermissionGranted, got.Status)
	assert.Equal(t, models.ReasonDecision, got.Reason)
	assert.NotNil(t, got.ResolvedAt)
	assert.JSONEq(t, `{"command":"ls"}`, string(got.ToolInput))

	_, err = s.ResolvePermissionRequest(ctx, &models.PermissionRequest{ID: "nope", Status: models.PermissionDenied})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	pending, err := s.ListPermissionRequests(ctx, PermissionListFilter{Status: models.PermissionPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPolicies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.HasPolicy(ctx, "/repo", "Bash")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.GrantPolicy(ctx, &models.Policy{Scope: "/repo", ToolName: "Bash"}))
	require.NoError(t, s.GrantPolicy(ctx, &models.Policy{Scope: "/repo", ToolName: "Bash"}))

	ok, err = s.HasPolicy(ctx, "/repo", "Bash")
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := s.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.RevokePolicy(ctx, "/repo", "Bash"))
	err = s.RevokePolicy(ctx, "/repo", "Bash")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestInbox_FirstReadSetOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s)

	require.NoError(t, s.CreateInboxEntry(ctx, &models.InboxEntry{SessionID: sess.ID, Body: "ready"}))

	first := time.Now().UTC()
	n, err := s.MarkInboxRead(ctx, sess.ID, first)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.MarkInboxRead(ctx, sess.ID, first.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	entries, err := s.ListInboxEntries(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].FirstReadAt)
	assert.True(t, entries[0].FirstReadAt.Equal(first))
}

func TestComments_Resolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s)

	c := &models.Comment{SessionID: sess.ID, FilePath: "main.go", LineNumber: 10, Author: "human", Body: "rename this"}
	require.NoError(t, s.CreateComment(ctx, c))
	require.NoError(t, s.ResolveComment(ctx, c.ID, time.Now()))
	require.NoError(t, s.ResolveComment(ctx, c.ID, time.Now()))

	got, err := s.GetComment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommentResolved, got.Status)

	err = s.ResolveComment(ctx, "missing", time.Now())
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestReplaceTodos(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s)

	require.NoError(t, s.ReplaceTodos(ctx, sess.ID, []*models.Todo{{Content: "a"}, {Content: "b"}}))
	require.NoError(t, s.ReplaceTodos(ctx, sess.ID, []*models.Todo{{Content: "c", Status: models.TodoInProgress}}))

	todos, err := s.ListTodos(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, "c", todos[0].Content)
	assert.Equal(t, models.TodoInProgress, todos[0].Status)
}

func TestUserLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &models.User{Name: "ada"}
	require.NoError(t, s.CreateUser(ctx, u))
	other := &models.User{Name: "grace"}
	require.NoError(t, s.CreateUser(ctx, other))

	require.NoError(t, s.LinkLocalID(ctx, u.ID, "device-1"))
	require.NoError(t, s.LinkLocalID(ctx, u.ID, "device-1"))

	err := s.LinkLocalID(ctx, other.ID, "device-1")
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	got, err := s.GetUserByLocalID(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.GetUserByLocalID(ctx, "device-2")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestWorkspaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &models.Workspace{Name: "api", Folder: "/src/api", ScriptPath: "./bootstrap.sh"}
	require.NoError(t, s.CreateWorkspace(ctx, w))
	assert.Equal(t, "main", w.OriginBranch)

	err := s.CreateWorkspace(ctx, &models.Workspace{Name: "api", Folder: "/elsewhere"})
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	got, err := s.GetWorkspaceByName(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
}

func TestChildInserts_RequireSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s)
	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, err := s.UpsertMessage(ctx, &models.Message{SessionID: sess.ID, Type: models.MessageTypeUser})
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "message: %v", err)

	err = s.CreatePermissionRequest(ctx, &models.PermissionRequest{SessionID: sess.ID, ToolName: "Bash"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "permission: %v", err)

	err = s.CreateInboxEntry(ctx, &models.InboxEntry{SessionID: sess.ID, Body: "ready"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "inbox: %v", err)

	err = s.CreateComment(ctx, &models.Comment{SessionID: sess.ID, FilePath: "a.go", Body: "x"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "comment: %v", err)

	err = s.ReplaceTodos(ctx, sess.ID, []*models.Todo{{Content: "a"}})
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "todo: %v", err)

	msgs, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteSession_TakesLateChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, s)

	// A child written after the per-table deletes still goes with the session.
	_, err := s.UpsertMessage(ctx, &models.Message{SessionID: sess.ID, Type: models.MessageTypeUser})
	require.NoError(t, err)
	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	msgs, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
