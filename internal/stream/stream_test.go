package stream

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/agentdesk/internal/messagelog"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/sessions"
	"github.com/joescharf/agentdesk/internal/store"
)

type fixture struct {
	store    *store.SQLiteStore
	registry *sessions.Registry
	log      *messagelog.Log
	ingester *Ingester
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{store: s}
	f.registry = sessions.NewRegistry(s)
	f.log = messagelog.New(s, f.registry)
	f.ingester = NewIngester(f.registry, f.log, s, nil)
	return f
}

const successRun = `{"type":"system","subtype":"init","session_id":"up-123","tools":["Bash"],"mcp_servers":[]}
{"type":"assistant","uuid":"a1","message":{"id":"msg_1","model":"claude-sonnet-4-5","content":[{"type":"text","text":"On it."},{"type":"tool_use","id":"toolu_1","name":"TodoWrite","input":{"todos":[{"content":"Write tests","activeForm":"Writing tests","status":"in_progress"},{"content":"Ship","activeForm":"Shipping","status":"pending"}]}}]}}
{"type":"user","uuid":"u1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"ok"}]}}
{"type":"stream_event","event":{}}
garbage
{"type":"result","subtype":"success","is_error":false,"result":"Done.","total_cost_usd":0.042,"duration_ms":1200}
`

func TestIngest_SuccessfulRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sess, err := f.registry.Create(ctx, sessions.CreateOptions{Cwd: "/work/app"})
	require.NoError(t, err)

	sum, err := f.ingester.Ingest(ctx, sess.ID, strings.NewReader(successRun))
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Lines)
	assert.Equal(t, 3, sum.Messages)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, "up-123", sum.UpstreamID)
	assert.InDelta(t, 0.042, sum.Cost, 1e-9)
	assert.True(t, sum.Finished)

	got, err := f.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "up-123", got.UpstreamID)
	assert.Equal(t, models.Idle{}, got.Phase)
	assert.False(t, got.IsBusy)

	msgs, err := f.log.List(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, models.MessageTypeAssistant, msgs[0].Type)
	assert.Equal(t, "claude-sonnet-4-5", msgs[0].Model)
	require.NotNil(t, msgs[0].Cost)
	assert.InDelta(t, 0.042, *msgs[0].Cost, 1e-9)
	assert.Equal(t, "On it.", msgs[0].PlainText())
	assert.Nil(t, msgs[1].Cost)
	assert.Equal(t, models.MessageTypeSystem, msgs[2].Type)
	assert.Nil(t, msgs[2].Cost)
	assert.Empty(t, msgs[2].Model)

	todos, err := f.store.ListTodos(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, todos, 2)
	assert.Equal(t, "Write tests", todos[0].Content)
	assert.Equal(t, models.TodoInProgress, todos[0].Status)
	assert.Equal(t, "Shipping", todos[1].ActiveForm)
}

func TestIngest_ReplayIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sess, err := f.registry.Create(ctx, sessions.CreateOptions{})
	require.NoError(t, err)

	_, err = f.ingester.Ingest(ctx, sess.ID, strings.NewReader(successRun))
	require.NoError(t, err)
	_, err = f.ingester.Ingest(ctx, sess.ID, strings.NewReader(successRun))
	require.NoError(t, err)

	msgs, err := f.log.List(ctx, sess.ID)
	require.NoError(t, err)
	// The result line carries no uuid, so each run records its own summary.
	assert.Len(t, msgs, 4)
}

func TestIngest_ErrorResult(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sess, err := f.registry.Create(ctx, sessions.CreateOptions{})
	require.NoError(t, err)

	run := `{"type":"system","subtype":"init","session_id":"up-9"}
{"type":"result","subtype":"error_max_turns","is_error":true}
`
	_, err = f.ingester.Ingest(ctx, sess.ID, strings.NewReader(run))
	require.NoError(t, err)

	got, err := f.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Error{ErrorMessage: "error_max_turns"}, got.Phase)

	msgs, err := f.log.List(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageTypeError, msgs[0].Type)
}

func TestIngest_InitWhileRunningKeepsPhase(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sess, err := f.registry.Create(ctx, sessions.CreateOptions{})
	require.NoError(t, err)
	_, err = f.registry.Transition(ctx, sess.ID, models.RunningAgent{})
	require.NoError(t, err)

	_, err = f.ingester.Ingest(ctx, sess.ID, strings.NewReader(`{"type":"system","subtype":"init","session_id":"up-1"}`+"\n"))
	require.NoError(t, err)

	got, err := f.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunningAgent{}, got.Phase)
	assert.True(t, got.IsBusy)
}

func TestIngest_UnknownSession(t *testing.T) {
	f := setup(t)
	_, err := f.ingester.Ingest(context.Background(), "missing", strings.NewReader(successRun))
	assert.Error(t, err)
}
