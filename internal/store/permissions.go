package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/models"
)

const permissionColumns = `id, session_id, tool_name, tool_input, tool_use_id, description, scope, status, behavior, message, always_allow, interrupt, reason, created_at, resolved_at`

func scanPermission(row interface{ Scan(...any) error }) (*models.PermissionRequest, error) {
	r := &models.PermissionRequest{}
	var input, status, behavior, reason string
	var resolvedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.SessionID, &r.ToolName, &input, &r.ToolUseID, &r.Description, &r.Scope,
		&status, &behavior, &r.Message, &r.AlwaysAllow, &r.Interrupt, &reason, &r.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	r.ToolInput = []byte(input)
	r.Status = models.PermissionStatus(status)
	r.Behavior = models.Behavior(behavior)
	r.Reason = models.ResolutionReason(reason)
	r.ResolvedAt = timePtr(resolvedAt)
	return r, nil
}

// CreatePermissionRequest stores a new request. Request ids are supplied by
// the agent run; reusing one is a conflict.
func (s *SQLiteStore) CreatePermissionRequest(ctx context.Context, r *models.PermissionRequest) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	if r.Status == "" {
		r.Status = models.PermissionPending
	}
	r.CreatedAt = time.Now().UTC()
	input := string(r.ToolInput)
	if input == "" {
		input = "null"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_requests (`+permissionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.ToolName, input, r.ToolUseID, r.Description, r.Scope,
		string(r.Status), string(r.Behavior), r.Message, boolToInt(r.AlwaysAllow), boolToInt(r.Interrupt),
		string(r.Reason), r.CreatedAt, nullTime(r.ResolvedAt),
	)
	if isUniqueViolation(err) {
		return apperr.Conflict("permission request", r.ID)
	}
	if isMissingSession(err) {
		return apperr.NotFound("session", r.SessionID)
	}
	if err != nil {
		return fmt.Errorf("create permission request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPermissionRequest(ctx context.Context, id string) (*models.PermissionRequest, error) {
	r, err := scanPermission(s.db.QueryRowContext(ctx, `SELECT `+permissionColumns+` FROM permission_requests WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("permission request", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get permission request: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListPermissionRequests(ctx context.Context, filter PermissionListFilter) ([]*models.PermissionRequest, error) {
	query := `SELECT ` + permissionColumns + ` FROM permission_requests`
	var conditions []string
	var args []any
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list permission requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.PermissionRequest
	for rows.Next() {
		r, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolvePermissionRequest moves a pending request to r.Status with r's
// resolution fields. It reports false, without error, when the request was
// already resolved; the caller lost the race.
func (s *SQLiteStore) ResolvePermissionRequest(ctx context.Context, r *models.PermissionRequest) (bool, error) {
	if !r.Status.Resolved() {
		return false, fmt.Errorf("resolve permission request %s: status %q is not terminal", r.ID, r.Status)
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE permission_requests
		SET status=?, behavior=?, message=?, always_allow=?, interrupt=?, reason=?, resolved_at=?
		WHERE id=? AND status='pending'`,
		string(r.Status), string(r.Behavior), r.Message, boolToInt(r.AlwaysAllow), boolToInt(r.Interrupt),
		string(r.Reason), now, r.ID,
	)
	if err != nil {
		return false, fmt.Errorf("resolve permission request: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if _, err := s.GetPermissionRequest(ctx, r.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	r.ResolvedAt = &now
	return true, nil
}

func (s *SQLiteStore) DeletePermissionRequests(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM permission_requests WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete permission requests: %w", err)
	}
	return res.RowsAffected()
}

// --- Policies ---

func (s *SQLiteStore) HasPolicy(ctx context.Context, scope, tool string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM policies WHERE scope = ? AND tool_name = ?`, scope, tool,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check policy: %w", err)
	}
	return count > 0, nil
}

// GrantPolicy records an always-allow grant. Granting twice keeps the first
// grant time.
func (s *SQLiteStore) GrantPolicy(ctx context.Context, p *models.Policy) error {
	if p.GrantedAt.IsZero() {
		p.GrantedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (scope, tool_name, granted_at) VALUES (?, ?, ?)
		ON CONFLICT(scope, tool_name) DO NOTHING`,
		p.Scope, p.ToolName, p.GrantedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("grant policy: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]*models.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope, tool_name, granted_at FROM policies ORDER BY scope, tool_name`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Policy
	for rows.Next() {
		p := &models.Policy{}
		if err := rows.Scan(&p.Scope, &p.ToolName, &p.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RevokePolicy(ctx context.Context, scope, tool string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE scope = ? AND tool_name = ?`, scope, tool)
	if err != nil {
		return fmt.Errorf("revoke policy: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperr.NotFound("policy", scope+"/"+tool)
	}
	return nil
}
