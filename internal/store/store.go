package store

import (
	"context"
	"time"

	"github.com/joescharf/agentdesk/internal/models"
)

// SessionListFilter specifies filters for listing sessions.
type SessionListFilter struct {
	UserID      string
	WorkspaceID string
	Phase       models.PhaseKind
	Limit       int
}

// PermissionListFilter specifies filters for listing permission requests.
type PermissionListFilter struct {
	SessionID string
	Status    models.PermissionStatus
}

// UpsertResult reports what UpsertMessage did.
type UpsertResult struct {
	ID       string
	Seq      int64
	Inserted bool
}

// Store defines the persistence interface for agentdesk.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpdateUser(ctx context.Context, u *models.User) error
	LinkLocalID(ctx context.Context, userID, localID string) error
	GetUserByLocalID(ctx context.Context, localID string) (*models.User, error)

	// Workspaces
	CreateWorkspace(ctx context.Context, w *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	GetWorkspaceByName(ctx context.Context, name string) (*models.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*models.Workspace, error)

	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	CreateSessionForLocal(ctx context.Context, s *models.Session) (*models.Session, bool, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionByLocal(ctx context.Context, userID, localID string) (*models.Session, error)
	GetSessionByUpstream(ctx context.Context, upstreamID string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error

	// Messages
	UpsertMessage(ctx context.Context, m *models.Message) (UpsertResult, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	DeleteMessages(ctx context.Context, sessionID string) (int64, error)

	// Permission requests
	CreatePermissionRequest(ctx context.Context, r *models.PermissionRequest) error
	GetPermissionRequest(ctx context.Context, id string) (*models.PermissionRequest, error)
	ListPermissionRequests(ctx context.Context, filter PermissionListFilter) ([]*models.PermissionRequest, error)
	ResolvePermissionRequest(ctx context.Context, r *models.PermissionRequest) (bool, error)
	DeletePermissionRequests(ctx context.Context, sessionID string) (int64, error)

	// Always-allow policies
	HasPolicy(ctx context.Context, scope, tool string) (bool, error)
	GrantPolicy(ctx context.Context, p *models.Policy) error
	ListPolicies(ctx context.Context) ([]*models.Policy, error)
	RevokePolicy(ctx context.Context, scope, tool string) error

	// Inbox
	CreateInboxEntry(ctx context.Context, e *models.InboxEntry) error
	ListInboxEntries(ctx context.Context, sessionID string) ([]*models.InboxEntry, error)
	MarkInboxRead(ctx context.Context, sessionID string, at time.Time) (int64, error)
	DeleteInboxEntries(ctx context.Context, sessionID string) (int64, error)

	// Review comments
	CreateComment(ctx context.Context, c *models.Comment) error
	GetComment(ctx context.Context, id string) (*models.Comment, error)
	ListComments(ctx context.Context, sessionID string) ([]*models.Comment, error)
	ResolveComment(ctx context.Context, id string, at time.Time) error
	DeleteComments(ctx context.Context, sessionID string) (int64, error)

	// Todos
	ReplaceTodos(ctx context.Context, sessionID string, todos []*models.Todo) error
	ListTodos(ctx context.Context, sessionID string) ([]*models.Todo, error)
	DeleteTodos(ctx context.Context, sessionID string) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
