package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/app"
	"github.com/joescharf/agentdesk/internal/identity"
	"github.com/joescharf/agentdesk/internal/llm"
)

// Server provides the REST API handlers.
type Server struct {
	app    *app.App
	llm    *llm.Client
	issuer *identity.Issuer
	logger *slog.Logger
}

// NewServer creates a new API server over the wired services.
// The llmClient and issuer may be nil: titling is then unavailable and
// bearer tokens are not accepted.
func NewServer(a *app.App, llmClient *llm.Client, issuer *identity.Issuer) *Server {
	return &Server{
		app:    a,
		llm:    llmClient,
		issuer: issuer,
		logger: a.Logger.With("component", "api"),
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.health)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.createSession)
	mux.HandleFunc("POST /api/v1/sessions/local", s.registerLocalSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.deleteSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/phase", s.transitionSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/reset", s.resetSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/busy", s.setBusy)
	mux.HandleFunc("POST /api/v1/sessions/{id}/upstream", s.bindUpstream)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/name", s.renameSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/title", s.suggestTitle)
	mux.HandleFunc("GET /api/v1/sessions/{id}/diff", s.sessionDiff)

	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", s.listMessages)
	mux.HandleFunc("POST /api/v1/sessions/{id}/messages", s.appendMessage)
	mux.HandleFunc("POST /api/v1/sessions/{id}/import", s.importMessages)

	mux.HandleFunc("GET /api/v1/permissions", s.listPermissions)
	mux.HandleFunc("POST /api/v1/permissions", s.submitPermission)
	mux.HandleFunc("GET /api/v1/permissions/{id}", s.getPermission)
	mux.HandleFunc("POST /api/v1/permissions/{id}/respond", s.respondPermission)
	mux.HandleFunc("GET /api/v1/policies", s.listPolicies)
	mux.HandleFunc("DELETE /api/v1/policies", s.revokePolicy)

	mux.HandleFunc("GET /api/v1/sessions/{id}/inbox", s.listInbox)
	mux.HandleFunc("POST /api/v1/sessions/{id}/inbox", s.postInbox)
	mux.HandleFunc("POST /api/v1/sessions/{id}/inbox/read", s.markInboxRead)

	mux.HandleFunc("GET /api/v1/sessions/{id}/comments", s.listComments)
	mux.HandleFunc("POST /api/v1/sessions/{id}/comments", s.addComment)
	mux.HandleFunc("POST /api/v1/comments/{id}/replies", s.replyComment)
	mux.HandleFunc("POST /api/v1/comments/{id}/resolve", s.resolveComment)

	mux.HandleFunc("GET /api/v1/sessions/{id}/todos", s.listTodos)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/todos", s.replaceTodos)

	mux.HandleFunc("GET /api/v1/workspaces", s.listWorkspaces)
	mux.HandleFunc("POST /api/v1/workspaces", s.createWorkspace)

	mux.HandleFunc("GET /api/v1/profile", s.getProfile)
	mux.HandleFunc("PUT /api/v1/profile", s.updateProfile)

	mux.HandleFunc("GET /api/v1/events", s.events)
	mux.Handle("GET /metrics", s.app.Metrics.Handler())

	return s.logRequests(corsMiddleware(s.authenticate(mux)))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate establishes the caller's identity from a bearer token.
// Requests without a token pass through anonymously; a bad token is rejected.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			next.ServeHTTP(w, r)
			return
		}
		if s.issuer == nil {
			writeError(w, http.StatusUnauthorized, "bearer tokens are not enabled")
			return
		}
		userID, err := s.issuer.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), userID)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes the connection through for the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr responds with the status matching err's kind.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Invalid("invalid JSON")
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"pending_permissions": s.app.Arbiter.Armed(),
	})
}
