package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/agentdesk/internal/app"
	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/messagelog"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/sessions"
	"github.com/joescharf/agentdesk/internal/store"
	"github.com/joescharf/agentdesk/internal/transcript"
)

// testApp returns services over the test store, closed at test end.
func testApp(t *testing.T) *app.App {
	t.Helper()
	a, err := cliApp()
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func createSession(t *testing.T, a *app.App, name, cwd string) *models.Session {
	t.Helper()
	sess, err := a.Sessions.Create(context.Background(), sessions.CreateOptions{Name: name, Cwd: cwd})
	require.NoError(t, err)
	return sess
}

func messageRecord(text string) messagelog.Record {
	return messagelog.Record{Type: models.MessageTypeUser, Content: []models.ContentBlock{models.TextBlock(text)}}
}

func outString() string { return ui.Out.(*bytes.Buffer).String() }

func resetSessionFlags(t *testing.T) {
	t.Helper()
	reset := func() {
		sessionName, sessionCwd, sessionUser, sessionWorkspace, sessionLocalID, sessionPhase = "", "", "", "", "", ""
		sessionLimit = 0
	}
	reset()
	t.Cleanup(reset)
}

func TestSessionCreateRun(t *testing.T) {
	dir := testEnv(t)
	resetSessionFlags(t)
	sessionName = "fix login"
	sessionCwd = dir

	require.NoError(t, sessionCreateRun())
	assert.Contains(t, outString(), "Created session")

	a := testApp(t)
	list, err := a.Sessions.List(context.Background(), store.SessionListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fix login", list[0].Name)
	assert.Equal(t, dir, list[0].Cwd)
	assert.Equal(t, models.PhaseKindIdle, list[0].PhaseKind())
}

func TestSessionCreateRun_LocalIDIsIdempotent(t *testing.T) {
	dir := testEnv(t)
	resetSessionFlags(t)
	sessionCwd = dir
	sessionLocalID = "device-session-1"

	require.NoError(t, sessionCreateRun())
	require.NoError(t, sessionCreateRun())
	assert.Contains(t, outString(), "already registered")

	a := testApp(t)
	list, err := a.Sessions.List(context.Background(), store.SessionListFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSessionCreateRun_DryRun(t *testing.T) {
	dir := testEnv(t)
	resetSessionFlags(t)
	sessionCwd = dir
	dryRun = true
	ui.DryRun = true
	defer func() { dryRun = false }()

	require.NoError(t, sessionCreateRun())

	a := testApp(t)
	list, err := a.Sessions.List(context.Background(), store.SessionListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSessionCreateRun_UnknownWorkspace(t *testing.T) {
	testEnv(t)
	resetSessionFlags(t)
	sessionWorkspace = "nope"

	err := sessionCreateRun()
	assert.True(t, apperr.IsNotFound(err))
}

func TestFindSession(t *testing.T) {
	testEnv(t)
	a := testApp(t)
	ctx := context.Background()
	s1 := createSession(t, a, "alpha", "")
	createSession(t, a, "beta", "")

	got, err := findSession(ctx, a, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, got.ID)

	got, err = findSession(ctx, a, "alpha")
	require.NoError(t, err)
	assert.Equal(t, s1.ID, got.ID)

	got, err = findSession(ctx, a, strings.ToLower(s1.ID[:20]))
	require.NoError(t, err)
	assert.Equal(t, s1.ID, got.ID)

	_, err = findSession(ctx, a, "missing")
	assert.True(t, apperr.IsNotFound(err))

	// Both ULIDs start with the same timestamp characters.
	_, err = findSession(ctx, a, s1.ID[:2])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestParsePhase(t *testing.T) {
	p, err := parsePhase("script_running", "./setup.sh")
	require.NoError(t, err)
	assert.Equal(t, models.ScriptRunning{ScriptPath: "./setup.sh"}, p)

	p, err = parsePhase("ERROR", "boom")
	require.NoError(t, err)
	assert.Equal(t, models.Error{ErrorMessage: "boom"}, p)

	_, err = parsePhase("sleeping", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestSessionPhaseAndResetRun(t *testing.T) {
	testEnv(t)
	a := testApp(t)
	sess := createSession(t, a, "work", "")
	ctx := context.Background()

	require.NoError(t, sessionPhaseRun(sess.ID, "running_agent", ""))
	got, err := a.Sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseKindRunningAgent, got.PhaseKind())

	// Reset is only valid from error.
	err = sessionResetRun(sess.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	require.NoError(t, sessionPhaseRun(sess.ID, "error", "agent crashed"))
	require.NoError(t, sessionResetRun(sess.ID))
	got, err = a.Sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseKindIdle, got.PhaseKind())
}

func TestSessionStopRun(t *testing.T) {
	testEnv(t)
	a := testApp(t)
	ctx := context.Background()
	sess := createSession(t, a, "work", "")
	_, err := a.Sessions.Transition(ctx, sess.ID, models.RunningAgent{})
	require.NoError(t, err)
	_, err = a.Sessions.SetBusy(ctx, sess.ID, true)
	require.NoError(t, err)

	require.NoError(t, sessionStopRun(sess.ID))
	got, err := a.Sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseKindIdle, got.PhaseKind())
	assert.False(t, got.IsBusy)
}

func TestSessionRenameBindAndRm(t *testing.T) {
	testEnv(t)
	a := testApp(t)
	ctx := context.Background()
	sess := createSession(t, a, "old", "")

	require.NoError(t, sessionRenameRun(sess.ID, "new name"))
	require.NoError(t, sessionBindRun("new name", "upstream-42"))

	got, err := a.Sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "new name", got.Name)
	assert.Equal(t, "upstream-42", got.UpstreamID)

	require.NoError(t, sessionRmRun(sess.ID))
	_, err = a.Sessions.Get(ctx, sess.ID)
	assert.True(t, apperr.IsNotFound(err))
}

func TestSessionTitleRun_NoAPIKey(t *testing.T) {
	testEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "")
	viper.Set("anthropic.api_key", "")

	err := sessionTitleRun(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no Anthropic API key")
}

func TestSessionListAndShowRun(t *testing.T) {
	testEnv(t)
	resetSessionFlags(t)
	a := testApp(t)
	ctx := context.Background()
	sess := createSession(t, a, "listed-session", "/work/app")
	_, err := a.Messages.Append(ctx, sess.ID, messageRecord("hello"))
	require.NoError(t, err)
	require.NoError(t, a.Store.ReplaceTodos(ctx, sess.ID, []*models.Todo{{Content: "write tests", Status: models.TodoInProgress}}))

	require.NoError(t, sessionListRun())
	assert.Contains(t, outString(), "listed-session")

	require.NoError(t, sessionShowRun(sess.ID))
	out := outString()
	assert.Contains(t, out, "Messages:  1")
	assert.Contains(t, out, "write tests")

	sessionPhase = "bogus"
	assert.ErrorIs(t, sessionListRun(), apperr.ErrInvalidArgument)
}

func TestMessagesAppendAndListRun(t *testing.T) {
	testEnv(t)
	a := testApp(t)
	ctx := context.Background()
	sess := createSession(t, a, "msgs", "")

	messageType = "assistant"
	messageText = "first draft"
	messageExternalID = "ext-1"
	messageModel = "claude-sonnet-4-5"
	messageCost = 0.01
	t.Cleanup(func() {
		messageType, messageText, messageExternalID, messageModel, messageCost = "user", "", "", "", 0
	})

	require.NoError(t, messagesAppendRun(sess.ID, true))
	messageText = "final answer"
	require.NoError(t, messagesAppendRun(sess.ID, true))

	msgs, err := a.Messages.List(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "same external id updates in place")
	assert.Equal(t, "final answer", msgs[0].PlainText())
	require.NotNil(t, msgs[0].Cost)
	assert.InDelta(t, 0.01, *msgs[0].Cost, 1e-9)

	require.NoError(t, messagesListRun(sess.ID))
	assert.Contains(t, outString(), "final answer")
}

func TestMessagesAppendRun_InvalidType(t *testing.T) {
	testEnv(t)
	a := testApp(t)
	sess := createSession(t, a, "msgs", "")
	messageType = "robot"
	messageText = "beep"
	t.Cleanup(func() { messageType, messageText = "user", "" })

	assert.ErrorIs(t, messagesAppendRun(sess.ID, false), apperr.ErrInvalidArgument)
}

func TestSummarize(t *testing.T) {
	m := &models.Message{Content: []models.ContentBlock{models.TextBlock("  multi\n line  ")}}
	assert.Equal(t, "multi line", summarize(m))

	m = &models.Message{Content: []models.ContentBlock{
		{Type: models.BlockThinking, Thinking: "hmm"},
		{Type: models.BlockToolUse, Name: "Bash", Input: json.RawMessage(`{}`)},
	}}
	assert.Equal(t, "[thinking tool_use:Bash]", summarize(m))
}

const cliTranscript = `{"type":"user","uuid":"u-1","message":{"role":"user","content":"fix the failing test"}}
{"type":"assistant","uuid":"a-1","message":{"role":"assistant","model":"claude-sonnet-4-5","content":[{"type":"text","text":"Looking now."}]}}
`

func TestImportRun_File(t *testing.T) {
	dir := testEnv(t)
	a := testApp(t)
	sess := createSession(t, a, "imported", dir)
	path := filepath.Join(dir, "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(cliTranscript), 0o644))

	importFile = path
	t.Cleanup(func() { importFile = "" })

	require.NoError(t, importRun(context.Background(), sess.ID))
	require.NoError(t, importRun(context.Background(), sess.ID))

	msgs, err := a.Messages.List(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestImportRun_LocatesTranscript(t *testing.T) {
	dir := testEnv(t)
	a := testApp(t)
	ctx := context.Background()
	cwd := filepath.Join(dir, "project")
	sess := createSession(t, a, "located", cwd)
	_, err := a.Sessions.BindUpstreamID(ctx, sess.ID, "abc")
	require.NoError(t, err)

	path := transcript.File(viper.GetString("transcripts.dir"), cwd, "abc")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(cliTranscript), 0o644))

	importAll = true
	t.Cleanup(func() { importAll = false })
	require.NoError(t, importRun(ctx, ""))
	assert.Contains(t, outString(), "Imported 2 record(s)")
}

func TestImportRun_Arguments(t *testing.T) {
	testEnv(t)

	err := importRun(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--all")

	importFile = "x.jsonl"
	importAll = true
	t.Cleanup(func() { importFile, importAll = "", false })
	assert.Error(t, importRun(context.Background(), ""))
}

const cliStream = `{"type":"system","subtype":"init","session_id":"up-7"}
{"type":"assistant","uuid":"a1","message":{"id":"msg_1","model":"claude-sonnet-4-5","content":[{"type":"text","text":"Done it."}]}}
{"type":"result","subtype":"success","is_error":false,"result":"ok","total_cost_usd":0.02}
`

func TestIngestRun(t *testing.T) {
	testEnv(t)
	a := testApp(t)
	sess := createSession(t, a, "live", "")

	require.NoError(t, ingestRun(context.Background(), sess.ID, strings.NewReader(cliStream)))
	assert.Contains(t, outString(), "Ingested 3 line(s)")

	got, err := a.Sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "up-7", got.UpstreamID)
}
