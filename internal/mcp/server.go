package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/agentdesk/internal/app"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/review"
)

// Server exposes the session services to a running agent as MCP tools.
// It is bound to one session; tools accept a session_id argument only when
// no session is bound.
type Server struct {
	app       *app.App
	sessionID string
	version   string
	logger    *slog.Logger
}

// NewServer creates the MCP server wrapper for sessionID.
func NewServer(a *app.App, sessionID, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{
		app:       a,
		sessionID: sessionID,
		version:   version,
		logger:    a.Logger.With("component", "mcp", "session_id", sessionID),
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("agentdesk", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.permissionPromptTool())
	srv.AddTool(s.notifyReadyTool())
	srv.AddTool(s.pendingCommentsTool())
	srv.AddTool(s.replyCommentTool())
	srv.AddTool(s.resolveCommentTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) session(request mcp.CallToolRequest) (string, error) {
	if s.sessionID != "" {
		return s.sessionID, nil
	}
	id := request.GetString("session_id", "")
	if id == "" {
		return "", fmt.Errorf("no session bound; pass session_id")
	}
	return id, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// permissionAnswer is the reply format of claude's --permission-prompt-tool.
type permissionAnswer struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
	Interrupt    bool            `json:"interrupt,omitempty"`
}

// permission_prompt
func (s *Server) permissionPromptTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("permission_prompt",
		mcp.WithDescription("Ask the human to approve a tool call. Blocks until they answer or the request times out."),
		mcp.WithString("tool_name", mcp.Required(), mcp.Description("Name of the tool the agent wants to run")),
		mcp.WithObject("input", mcp.Description("The tool call's input")),
		mcp.WithString("tool_use_id", mcp.Description("Tool use id from the agent")),
		mcp.WithString("session_id", mcp.Description("Session id when the server is not bound to one")),
	)
	return tool, s.handlePermissionPrompt
}

func (s *Server) handlePermissionPrompt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := s.session(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	toolName, err := request.RequireString("tool_name")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: tool_name"), nil
	}
	input := json.RawMessage("{}")
	if v, ok := request.GetArguments()["input"]; ok && v != nil {
		if input, err = json.Marshal(v); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", err)), nil
		}
	}

	req, err := s.app.Arbiter.Submit(ctx, &models.PermissionRequest{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolName:  toolName,
		ToolInput: input,
		ToolUseID: request.GetString("tool_use_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to submit permission request: %v", err)), nil
	}
	s.logger.Debug("permission requested", "request_id", req.ID, "tool", toolName, "status", req.Status)

	if !req.Status.Resolved() {
		req, err = s.app.Arbiter.Await(ctx, req.ID)
		if err != nil {
			return jsonResult(permissionAnswer{Behavior: string(models.BehaviorDeny), Message: "permission wait aborted: " + err.Error()})
		}
	}

	if req.Allowed() {
		return jsonResult(permissionAnswer{Behavior: string(models.BehaviorAllow), UpdatedInput: input})
	}
	msg := req.Message
	if msg == "" {
		msg = "denied by user"
	}
	return jsonResult(permissionAnswer{Behavior: string(models.BehaviorDeny), Message: msg, Interrupt: req.Interrupt})
}

// notify_ready
func (s *Server) notifyReadyTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("notify_ready",
		mcp.WithDescription("Tell the human the work is ready for review. Posts the message to the session inbox and marks the session not busy."),
		mcp.WithString("message", mcp.Required(), mcp.Description("Short summary of what is ready")),
		mcp.WithString("session_id", mcp.Description("Session id when the server is not bound to one")),
	)
	return tool, s.handleNotifyReady
}

func (s *Server) handleNotifyReady(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := s.session(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: message"), nil
	}
	e, err := s.app.Inbox.Post(ctx, sessionID, message)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to post to inbox: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Posted to inbox (%s).", e.ID)), nil
}

// get_pending_comments
func (s *Server) pendingCommentsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_pending_comments",
		mcp.WithDescription("List the open review comments on this session's diff, with their replies."),
		mcp.WithString("session_id", mcp.Description("Session id when the server is not bound to one")),
	)
	return tool, s.handlePendingComments
}

func (s *Server) handlePendingComments(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := s.session(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	threads, err := s.app.Review.ListOpen(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list comments: %v", err)), nil
	}
	return mcp.NewToolResultText(review.FormatThreads(threads)), nil
}

// reply_to_comment
func (s *Server) replyCommentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reply_to_comment",
		mcp.WithDescription("Reply to a review comment thread."),
		mcp.WithString("comment_id", mcp.Required(), mcp.Description("Id of the comment to reply to")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Reply text")),
	)
	return tool, s.handleReplyComment
}

func (s *Server) handleReplyComment(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	commentID, err := request.RequireString("comment_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: comment_id"), nil
	}
	body, err := request.RequireString("body")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: body"), nil
	}
	c, err := s.app.Review.Reply(ctx, commentID, review.AuthorAgent, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reply: %v", err)), nil
	}
	return jsonResult(map[string]string{"id": c.ID, "parent_id": c.ParentID})
}

// resolve_comment
func (s *Server) resolveCommentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("resolve_comment",
		mcp.WithDescription("Mark a review comment thread resolved once it has been addressed."),
		mcp.WithString("comment_id", mcp.Required(), mcp.Description("Id of the comment to resolve")),
	)
	return tool, s.handleResolveComment
}

func (s *Server) handleResolveComment(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	commentID, err := request.RequireString("comment_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: comment_id"), nil
	}
	c, err := s.app.Review.Resolve(ctx, commentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to resolve: %v", err)), nil
	}
	return jsonResult(map[string]string{"id": c.ID, "status": string(c.Status)})
}
