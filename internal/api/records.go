package api

import (
	"net/http"
	"time"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/identity"
	"github.com/joescharf/agentdesk/internal/inbox"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/review"
)

// --- Inbox ---

type inboxEntryResponse struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	FirstReadAt *time.Time `json:"first_read_at,omitempty"`
}

func toInboxResponse(e *models.InboxEntry) inboxEntryResponse {
	return inboxEntryResponse{
		ID:          e.ID,
		SessionID:   e.SessionID,
		Body:        e.Body,
		CreatedAt:   e.CreatedAt,
		ReadAt:      e.ReadAt,
		FirstReadAt: e.FirstReadAt,
	}
}

func (s *Server) listInbox(w http.ResponseWriter, r *http.Request) {
	entries, err := s.app.Inbox.List(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	result := make([]inboxEntryResponse, 0, len(entries))
	for _, e := range entries {
		result = append(result, toInboxResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": result,
		"unread":  inbox.Unread(entries),
	})
}

func (s *Server) postInbox(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	e, err := s.app.Inbox.Post(r.Context(), r.PathValue("id"), req.Body)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInboxResponse(e))
}

func (s *Server) markInboxRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.app.Inbox.MarkRead(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

// --- Review comments ---

type commentResponse struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	FilePath   string     `json:"file_path"`
	LineNumber int        `json:"line_number"`
	LineType   string     `json:"line_type,omitempty"`
	Author     string     `json:"author"`
	Body       string     `json:"body"`
	Status     string     `json:"status"`
	ParentID   string     `json:"parent_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type threadResponse struct {
	commentResponse
	Replies []commentResponse `json:"replies"`
}

func toCommentResponse(c *models.Comment) commentResponse {
	return commentResponse{
		ID:         c.ID,
		SessionID:  c.SessionID,
		FilePath:   c.FilePath,
		LineNumber: c.LineNumber,
		LineType:   c.LineType,
		Author:     c.Author,
		Body:       c.Body,
		Status:     string(c.Status),
		ParentID:   c.ParentID,
		CreatedAt:  c.CreatedAt,
		ResolvedAt: c.ResolvedAt,
	}
}

// listComments returns open threads, or every thread with ?all=true.
func (s *Server) listComments(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("all") != "true"
	threads, err := s.app.Review.Threads(r.Context(), r.PathValue("id"), openOnly)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	result := make([]threadResponse, 0, len(threads))
	for _, t := range threads {
		tr := threadResponse{commentResponse: toCommentResponse(t.Comment), Replies: []commentResponse{}}
		for _, reply := range t.Replies {
			tr.Replies = append(tr.Replies, toCommentResponse(reply))
		}
		result = append(result, tr)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) addComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FilePath   string `json:"file_path"`
		LineNumber int    `json:"line_number"`
		LineType   string `json:"line_type"`
		Author     string `json:"author"`
		Body       string `json:"body"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.Author == "" {
		req.Author = review.AuthorHuman
	}
	c, err := s.app.Review.Add(r.Context(), r.PathValue("id"), review.NewComment{
		FilePath:   req.FilePath,
		LineNumber: req.LineNumber,
		LineType:   req.LineType,
		Author:     req.Author,
		Body:       req.Body,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommentResponse(c))
}

func (s *Server) replyComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Author string `json:"author"`
		Body   string `json:"body"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.Author == "" {
		req.Author = review.AuthorHuman
	}
	c, err := s.app.Review.Reply(r.Context(), r.PathValue("id"), req.Author, req.Body)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommentResponse(c))
}

func (s *Server) resolveComment(w http.ResponseWriter, r *http.Request) {
	c, err := s.app.Review.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommentResponse(c))
}

// --- Todos ---

type todoResponse struct {
	Content    string `json:"content"`
	ActiveForm string `json:"active_form,omitempty"`
	Status     string `json:"status"`
}

func (s *Server) listTodos(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.app.Sessions.Get(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	todos, err := s.app.Store.ListTodos(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	result := make([]todoResponse, 0, len(todos))
	for _, t := range todos {
		result = append(result, todoResponse{Content: t.Content, ActiveForm: t.ActiveForm, Status: string(t.Status)})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) replaceTodos(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req []todoResponse
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if _, err := s.app.Sessions.Get(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	todos := make([]*models.Todo, 0, len(req))
	for _, t := range req {
		todos = append(todos, &models.Todo{Content: t.Content, ActiveForm: t.ActiveForm, Status: models.TodoStatus(t.Status)})
	}
	if err := s.app.Store.ReplaceTodos(r.Context(), id, todos); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- Workspaces ---

type workspaceResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Folder       string    `json:"folder"`
	ScriptPath   string    `json:"script_path,omitempty"`
	OriginBranch string    `json:"origin_branch,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func toWorkspaceResponse(ws *models.Workspace) workspaceResponse {
	return workspaceResponse{
		ID:           ws.ID,
		Name:         ws.Name,
		Folder:       ws.Folder,
		ScriptPath:   ws.ScriptPath,
		OriginBranch: ws.OriginBranch,
		CreatedAt:    ws.CreatedAt,
	}
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.Store.ListWorkspaces(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	result := make([]workspaceResponse, 0, len(list))
	for _, ws := range list {
		result = append(result, toWorkspaceResponse(ws))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceResponse
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.Name == "" || req.Folder == "" {
		s.writeErr(w, apperr.Invalid("workspace needs a name and folder"))
		return
	}
	ws := &models.Workspace{
		Name:         req.Name,
		Folder:       req.Folder,
		ScriptPath:   req.ScriptPath,
		OriginBranch: req.OriginBranch,
	}
	if err := s.app.Store.CreateWorkspace(r.Context(), ws); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkspaceResponse(ws))
}

// --- Profile ---

type profileResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toProfileResponse(u *models.User) profileResponse {
	return profileResponse{ID: u.ID, Name: u.Name, Email: u.Email, CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt}
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.Require(r.Context(), "get profile")
	if err != nil {
		s.writeErr(w, err)
		return
	}
	u, err := s.app.Store.GetUser(r.Context(), userID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(u))
}

// updateProfile patches the caller's profile. Empty fields keep their value.
func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.Require(r.Context(), "update profile")
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	u, err := s.app.Store.GetUser(r.Context(), userID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if req.Name != "" {
		u.Name = req.Name
	}
	if req.Email != "" {
		u.Email = req.Email
	}
	if err := s.app.Store.UpdateUser(r.Context(), u); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(u))
}
