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

const sessionColumns = `id, user_id, workspace_id, local_session_id, upstream_id, name, cwd, phase, phase_detail, is_busy, base_commit, last_activity_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	sess := &models.Session{}
	var localID sql.NullString
	var phase, detail string
	err := row.Scan(&sess.ID, &sess.UserID, &sess.WorkspaceID, &localID, &sess.UpstreamID,
		&sess.Name, &sess.Cwd, &phase, &detail, &sess.IsBusy, &sess.BaseCommit,
		&sess.LastActivityAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.LocalSessionID = localID.String
	sess.Phase = models.PhaseFromParts(models.PhaseKind(phase), detail)
	return sess, nil
}

func prepareSession(sess *models.Session) {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = now
	}
	if sess.Phase == nil {
		sess.Phase = models.Idle{}
	}
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	prepareSession(sess)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.WorkspaceID, nullString(sess.LocalSessionID), sess.UpstreamID,
		sess.Name, sess.Cwd, string(sess.Phase.Kind()), models.PhaseDetail(sess.Phase),
		boolToInt(sess.IsBusy), sess.BaseCommit, sess.LastActivityAt.UTC(), sess.CreatedAt, sess.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Conflict("session", sess.UserID+"/"+sess.LocalSessionID)
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// CreateSessionForLocal inserts sess unless a session already exists for its
// (user, local session id). It returns the stored session and whether this
// call created it.
func (s *SQLiteStore) CreateSessionForLocal(ctx context.Context, sess *models.Session) (*models.Session, bool, error) {
	if sess.LocalSessionID == "" {
		return nil, false, fmt.Errorf("create session for local: empty local session id")
	}
	prepareSession(sess)
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, local_session_id) DO NOTHING`,
		sess.ID, sess.UserID, sess.WorkspaceID, sess.LocalSessionID, sess.UpstreamID,
		sess.Name, sess.Cwd, string(sess.Phase.Kind()), models.PhaseDetail(sess.Phase),
		boolToInt(sess.IsBusy), sess.BaseCommit, sess.LastActivityAt.UTC(), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("create session for local: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 1 {
		return sess, true, nil
	}
	existing, err := s.GetSessionByLocal(ctx, sess.UserID, sess.LocalSessionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSessionByLocal(ctx context.Context, userID, localID string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND local_session_id = ?`, userID, localID))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("session for local id", localID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session by local id: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSessionByUpstream(ctx context.Context, upstreamID string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE upstream_id = ? ORDER BY created_at DESC LIMIT 1`, upstreamID))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("session for upstream id", upstreamID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session by upstream id: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var conditions []string
	var args []any

	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.WorkspaceID != "" {
		conditions = append(conditions, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.Phase != "" {
		conditions = append(conditions, "phase = ?")
		args = append(args, string(filter.Phase))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY last_activity_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession writes every mutable column. last_activity_at only moves forward.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	if sess.Phase == nil {
		sess.Phase = models.Idle{}
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET workspace_id=?, upstream_id=?, name=?, cwd=?, phase=?, phase_detail=?, is_busy=?, base_commit=?,
		last_activity_at=MAX(last_activity_at, ?), updated_at=?
		WHERE id=?`,
		sess.WorkspaceID, sess.UpstreamID, sess.Name, sess.Cwd,
		string(sess.Phase.Kind()), models.PhaseDetail(sess.Phase), boolToInt(sess.IsBusy), sess.BaseCommit,
		sess.LastActivityAt.UTC(), sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperr.NotFound("session", sess.ID)
	}
	return nil
}

// TouchSession advances last_activity_at to at, never backwards.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at=MAX(last_activity_at, ?), updated_at=? WHERE id=?`,
		at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperr.NotFound("session", id)
	}
	return nil
}

// DeleteSession removes the session row. Deleting an absent session is a no-op.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
