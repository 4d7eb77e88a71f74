// Package stream ingests the claude CLI's `--output-format stream-json`
// output for a session: it binds the upstream session id, appends messages,
// mirrors TodoWrite calls and drives the session phase.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/joescharf/agentdesk/internal/messagelog"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/transcript"
)

const maxLineSize = 16 << 20

// Sessions is the part of the session registry the ingester drives.
type Sessions interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Transition(ctx context.Context, id string, to models.Phase) (*models.Session, error)
	SetBusy(ctx context.Context, id string, busy bool) (*models.Session, error)
	BindUpstreamID(ctx context.Context, id, upstreamID string) (*models.Session, error)
}

// Appender appends to the message log.
type Appender interface {
	Append(ctx context.Context, sessionID string, rec messagelog.Record) (string, error)
}

// Todos replaces a session's task list.
type Todos interface {
	ReplaceTodos(ctx context.Context, sessionID string, todos []*models.Todo) error
}

// Summary counts what Ingest saw.
type Summary struct {
	Lines      int
	Messages   int
	Skipped    int
	UpstreamID string
	Cost       float64
	Finished   bool

	// last assistant record, which carries the run's cost once known.
	lastAssistant *messagelog.Record
}

// Ingester applies stream-json lines to one session.
type Ingester struct {
	sessions Sessions
	log      Appender
	todos    Todos
	logger   *slog.Logger
}

// NewIngester creates an Ingester. todos may be nil.
func NewIngester(s Sessions, log Appender, todos Todos, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ingester{sessions: s, log: log, todos: todos, logger: logger}
}

// Ingest reads r to EOF, applying each line to sessionID. Lines that fail
// to apply are logged and skipped; only read errors and an unknown session
// stop the ingest.
func (in *Ingester) Ingest(ctx context.Context, sessionID string, r io.Reader) (Summary, error) {
	var sum Summary
	if _, err := in.sessions.Get(ctx, sessionID); err != nil {
		return sum, err
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		sum.Lines++
		if err := in.HandleLine(ctx, sessionID, line, &sum); err != nil {
			sum.Skipped++
			in.logger.Warn("stream line not applied", "session_id", sessionID, "error", err)
		}
	}
	if err := sc.Err(); err != nil {
		return sum, fmt.Errorf("read stream: %w", err)
	}
	return sum, nil
}

// HandleLine applies one stream-json line.
func (in *Ingester) HandleLine(ctx context.Context, sessionID string, line []byte, sum *Summary) error {
	if !gjson.ValidBytes(line) {
		return fmt.Errorf("invalid json line")
	}
	v := gjson.ParseBytes(line)
	switch v.Get("type").String() {
	case "system":
		if v.Get("subtype").String() == "init" {
			return in.handleInit(ctx, sessionID, v, sum)
		}
		return nil
	case "user":
		return in.handleMessage(ctx, sessionID, models.MessageTypeUser, v, sum)
	case "assistant":
		if err := in.handleMessage(ctx, sessionID, models.MessageTypeAssistant, v, sum); err != nil {
			return err
		}
		return in.handleTodos(ctx, sessionID, v)
	case "result":
		return in.handleResult(ctx, sessionID, v, sum)
	default:
		return nil
	}
}

func (in *Ingester) handleInit(ctx context.Context, sessionID string, v gjson.Result, sum *Summary) error {
	if upstream := v.Get("session_id").String(); upstream != "" {
		if _, err := in.sessions.BindUpstreamID(ctx, sessionID, upstream); err != nil {
			return fmt.Errorf("bind upstream id: %w", err)
		}
		sum.UpstreamID = upstream
	}
	sess, err := in.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.PhaseKind() == models.PhaseKindIdle {
		if _, err := in.sessions.Transition(ctx, sessionID, models.RunningAgent{}); err != nil {
			return err
		}
	}
	_, err = in.sessions.SetBusy(ctx, sessionID, true)
	return err
}

func (in *Ingester) handleMessage(ctx context.Context, sessionID string, typ models.MessageType, v gjson.Result, sum *Summary) error {
	msg := v.Get("message")
	if !msg.Exists() {
		return nil
	}
	rec := messagelog.Record{
		ExternalID: v.Get("uuid").String(),
		Type:       typ,
		Content:    transcript.ParseContent(msg.Get("content")),
	}
	if typ == models.MessageTypeAssistant {
		rec.Model = msg.Get("model").String()
	}
	if rec.ExternalID == "" {
		rec.ExternalID = msg.Get("id").String()
	}
	if _, err := in.log.Append(ctx, sessionID, rec); err != nil {
		return err
	}
	sum.Messages++
	if typ == models.MessageTypeAssistant && rec.ExternalID != "" {
		sum.lastAssistant = &rec
	}
	return nil
}

func (in *Ingester) handleTodos(ctx context.Context, sessionID string, v gjson.Result) error {
	if in.todos == nil {
		return nil
	}
	var latest *gjson.Result
	for _, block := range v.Get("message.content").Array() {
		if block.Get("type").String() == "tool_use" && block.Get("name").String() == "TodoWrite" {
			b := block
			latest = &b
		}
	}
	if latest == nil {
		return nil
	}
	var todos []*models.Todo
	for _, t := range latest.Get("input.todos").Array() {
		status := models.TodoStatus(t.Get("status").String())
		if status == "" {
			status = models.TodoPending
		}
		todos = append(todos, &models.Todo{
			Content:    t.Get("content").String(),
			ActiveForm: t.Get("activeForm").String(),
			Status:     status,
		})
	}
	return in.todos.ReplaceTodos(ctx, sessionID, todos)
}

func (in *Ingester) handleResult(ctx context.Context, sessionID string, v gjson.Result, sum *Summary) error {
	isError := v.Get("is_error").Bool()
	text := v.Get("result").String()
	if text == "" {
		text = v.Get("subtype").String()
	}
	rec := messagelog.Record{
		ExternalID: v.Get("uuid").String(),
		Type:       models.MessageTypeSystem,
		Content:    []models.ContentBlock{models.TextBlock(text)},
	}
	if isError {
		rec.Type = models.MessageTypeError
	}
	if _, err := in.log.Append(ctx, sessionID, rec); err != nil {
		return err
	}
	sum.Messages++
	sum.Finished = true

	// Cost belongs on assistant messages, so the run total lands on the
	// run's last one.
	if cost := v.Get("total_cost_usd"); cost.Exists() {
		c := cost.Float()
		sum.Cost = c
		if last := sum.lastAssistant; last != nil {
			last.Cost = &c
			if _, err := in.log.Append(ctx, sessionID, *last); err != nil {
				return fmt.Errorf("record run cost: %w", err)
			}
		}
	}

	if _, err := in.sessions.SetBusy(ctx, sessionID, false); err != nil {
		return err
	}
	var next models.Phase = models.Idle{}
	if isError {
		next = models.Error{ErrorMessage: text}
	}
	_, err := in.sessions.Transition(ctx, sessionID, next)
	return err
}
