package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/joescharf/agentdesk/internal/agent"
	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/identity"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/sessions"
	"github.com/joescharf/agentdesk/internal/store"
)

// sessionResponse flattens the phase variant into kind and detail.
type sessionResponse struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id,omitempty"`
	WorkspaceID    string    `json:"workspace_id,omitempty"`
	LocalSessionID string    `json:"local_session_id,omitempty"`
	UpstreamID     string    `json:"upstream_id,omitempty"`
	Name           string    `json:"name"`
	Cwd            string    `json:"cwd,omitempty"`
	Phase          string    `json:"phase"`
	PhaseDetail    string    `json:"phase_detail,omitempty"`
	IsBusy         bool      `json:"is_busy"`
	BaseCommit     string    `json:"base_commit,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toSessionResponse(sess *models.Session) sessionResponse {
	return sessionResponse{
		ID:             sess.ID,
		UserID:         sess.UserID,
		WorkspaceID:    sess.WorkspaceID,
		LocalSessionID: sess.LocalSessionID,
		UpstreamID:     sess.UpstreamID,
		Name:           sess.Name,
		Cwd:            sess.Cwd,
		Phase:          string(sess.PhaseKind()),
		PhaseDetail:    models.PhaseDetail(sess.Phase),
		IsBusy:         sess.IsBusy,
		BaseCommit:     sess.BaseCommit,
		LastActivityAt: sess.LastActivityAt,
		CreatedAt:      sess.CreatedAt,
		UpdatedAt:      sess.UpdatedAt,
	}
}

type createSessionRequest struct {
	UserID         string `json:"user_id"`
	WorkspaceID    string `json:"workspace_id"`
	LocalSessionID string `json:"local_session_id"`
	Name           string `json:"name"`
	Cwd            string `json:"cwd"`
	BaseCommit     string `json:"base_commit"`
}

// owner prefers the authenticated identity over a user id in the body.
func owner(r *http.Request, fromBody string) string {
	if id, ok := identity.UserFrom(r.Context()); ok {
		return id
	}
	return fromBody
}

func (s *Server) createOptions(r *http.Request, req createSessionRequest) sessions.CreateOptions {
	return agent.WithBaseCommit(sessions.CreateOptions{
		UserID:      owner(r, req.UserID),
		WorkspaceID: req.WorkspaceID,
		Name:        req.Name,
		Cwd:         req.Cwd,
		BaseCommit:  req.BaseCommit,
	}, s.app.Git)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionListFilter{
		UserID:      q.Get("user_id"),
		WorkspaceID: q.Get("workspace_id"),
		Phase:       models.PhaseKind(q.Get("phase")),
		Limit:       50,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	list, err := s.app.Sessions.List(r.Context(), filter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	result := make([]sessionResponse, 0, len(list))
	for _, sess := range list {
		result = append(result, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	sess, err := s.app.Sessions.Create(r.Context(), s.createOptions(r, req))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// registerLocalSession is getOrCreateForLocal: repeated registrations of
// the same local id return the same session with 200 instead of 201.
func (s *Server) registerLocalSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.LocalSessionID == "" {
		writeError(w, http.StatusBadRequest, "local_session_id is required")
		return
	}
	opts := s.createOptions(r, req)
	sess, created, err := s.app.Sessions.GetOrCreateForLocal(r.Context(), opts.UserID, req.LocalSessionID, opts)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toSessionResponse(sess))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.app.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// deleteSession cascades. Deleting an absent session succeeds so a retry
// after a partial failure is safe.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Sessions.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) transitionSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase  string `json:"phase"`
		Detail string `json:"detail"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	kind := models.PhaseKind(req.Phase)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown phase: "+req.Phase)
		return
	}
	sess, err := s.app.Sessions.Transition(r.Context(), r.PathValue("id"), models.PhaseFromParts(kind, req.Detail))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.app.Sessions.Reset(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) setBusy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsBusy bool `json:"is_busy"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	sess, err := s.app.Sessions.SetBusy(r.Context(), r.PathValue("id"), req.IsBusy)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) bindUpstream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UpstreamID string `json:"upstream_id"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.UpstreamID == "" {
		writeError(w, http.StatusBadRequest, "upstream_id is required")
		return
	}
	sess, err := s.app.Sessions.BindUpstreamID(r.Context(), r.PathValue("id"), req.UpstreamID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) renameSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	sess, err := s.app.Sessions.Rename(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// suggestTitle names a session from its opening messages and renames it.
func (s *Server) suggestTitle(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "session titling needs anthropic.api_key")
		return
	}
	id := r.PathValue("id")
	msgs, err := s.app.Messages.List(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	suggestion, err := s.llm.SuggestTitle(r.Context(), msgs)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	sess, err := s.app.Sessions.Rename(r.Context(), id, suggestion.Title)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": toSessionResponse(sess),
		"summary": suggestion.Summary,
	})
}

type fileStatResponse struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
	Binary  bool   `json:"binary,omitempty"`
}

// sessionDiff summarizes the working tree against the session's base commit.
func (s *Server) sessionDiff(w http.ResponseWriter, r *http.Request) {
	sess, err := s.app.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if sess.Cwd == "" {
		s.writeErr(w, apperr.Invalid("session %s has no working directory", sess.ID))
		return
	}
	stats, err := s.app.Git.DiffSummary(sess.Cwd, sess.BaseCommit)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	files := make([]fileStatResponse, 0, len(stats))
	for _, fs := range stats {
		files = append(files, fileStatResponse{Path: fs.Path, Added: fs.Added, Deleted: fs.Deleted, Binary: fs.Binary})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"base_commit": sess.BaseCommit,
		"files":       files,
	})
}
