package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/permissions"
	"github.com/joescharf/agentdesk/internal/store"
)

type permissionResponse struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	ToolName    string          `json:"tool_name"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	Description string          `json:"description,omitempty"`
	Scope       string          `json:"scope"`
	Status      string          `json:"status"`
	Behavior    string          `json:"behavior,omitempty"`
	Message     string          `json:"message,omitempty"`
	AlwaysAllow bool            `json:"always_allow,omitempty"`
	Interrupt   bool            `json:"interrupt,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

func toPermissionResponse(p *models.PermissionRequest) permissionResponse {
	return permissionResponse{
		ID:          p.ID,
		SessionID:   p.SessionID,
		ToolName:    p.ToolName,
		ToolInput:   p.ToolInput,
		ToolUseID:   p.ToolUseID,
		Description: p.Description,
		Scope:       p.Scope,
		Status:      string(p.Status),
		Behavior:    string(p.Behavior),
		Message:     p.Message,
		AlwaysAllow: p.AlwaysAllow,
		Interrupt:   p.Interrupt,
		Reason:      string(p.Reason),
		CreatedAt:   p.CreatedAt,
		ResolvedAt:  p.ResolvedAt,
	}
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.app.Store.ListPermissionRequests(r.Context(), store.PermissionListFilter{
		SessionID: q.Get("session"),
		Status:    models.PermissionStatus(q.Get("status")),
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	result := make([]permissionResponse, 0, len(list))
	for _, p := range list {
		result = append(result, toPermissionResponse(p))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) submitPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string          `json:"request_id"`
		SessionID   string          `json:"session_id"`
		ToolName    string          `json:"tool_name"`
		ToolInput   json.RawMessage `json:"tool_input"`
		ToolUseID   string          `json:"tool_use_id"`
		Description string          `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	p, err := s.app.Arbiter.Submit(r.Context(), &models.PermissionRequest{
		ID:          req.ID,
		SessionID:   req.SessionID,
		ToolName:    req.ToolName,
		ToolInput:   req.ToolInput,
		ToolUseID:   req.ToolUseID,
		Description: req.Description,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPermissionResponse(p))
}

// getPermission returns a request. With ?wait=<duration> it blocks until
// the request resolves or the wait elapses, then returns its current state.
func (s *Server) getPermission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid wait duration: "+v)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), d)
		p, err := s.app.Arbiter.Await(ctx, id)
		cancel()
		if err == nil {
			writeJSON(w, http.StatusOK, toPermissionResponse(p))
			return
		}
		if ctx.Err() == nil {
			s.writeErr(w, err)
			return
		}
	}
	p, err := s.app.Store.GetPermissionRequest(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPermissionResponse(p))
}

// respondPermission is the decision surface's respond call. Responding to
// an already-resolved request returns its recorded outcome.
func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Behavior    string `json:"behavior"`
		Message     string `json:"message"`
		AlwaysAllow bool   `json:"always_allow"`
		Interrupt   bool   `json:"interrupt"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	p, err := s.app.Arbiter.Decide(r.Context(), r.PathValue("id"), permissions.Decision{
		Behavior:    models.Behavior(req.Behavior),
		AlwaysAllow: req.AlwaysAllow,
		Message:     req.Message,
		Interrupt:   req.Interrupt,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPermissionResponse(p))
}

type policyResponse struct {
	Scope     string    `json:"scope"`
	ToolName  string    `json:"tool_name"`
	GrantedAt time.Time `json:"granted_at"`
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.Store.ListPolicies(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	result := make([]policyResponse, 0, len(list))
	for _, p := range list {
		result = append(result, policyResponse{Scope: p.Scope, ToolName: p.ToolName, GrantedAt: p.GrantedAt})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) revokePolicy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope, tool := q.Get("scope"), q.Get("tool")
	if scope == "" || tool == "" {
		writeError(w, http.StatusBadRequest, "scope and tool are required")
		return
	}
	if err := s.app.Store.RevokePolicy(r.Context(), scope, tool); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
