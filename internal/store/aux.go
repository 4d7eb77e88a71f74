package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/models"
)

// --- Inbox ---

func (s *SQLiteStore) CreateInboxEntry(ctx context.Context, e *models.InboxEntry) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	e.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbox_entries (id, session_id, body, created_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Body, e.CreatedAt,
	)
	if isMissingSession(err) {
		return apperr.NotFound("session", e.SessionID)
	}
	if err != nil {
		return fmt.Errorf("create inbox entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListInboxEntries(ctx context.Context, sessionID string) ([]*models.InboxEntry, error) {
	query := `SELECT id, session_id, body, created_at, read_at, first_read_at FROM inbox_entries`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list inbox entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.InboxEntry
	for rows.Next() {
		e := &models.InboxEntry{}
		var readAt, firstReadAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Body, &e.CreatedAt, &readAt, &firstReadAt); err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		e.ReadAt = timePtr(readAt)
		e.FirstReadAt = timePtr(firstReadAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkInboxRead marks a session's unread entries read. first_read_at is set
// only the first time.
func (s *SQLiteStore) MarkInboxRead(ctx context.Context, sessionID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inbox_entries SET read_at = ?, first_read_at = COALESCE(first_read_at, ?)
		WHERE session_id = ? AND read_at IS NULL`,
		at.UTC(), at.UTC(), sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark inbox read: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) DeleteInboxEntries(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbox_entries WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete inbox entries: %w", err)
	}
	return res.RowsAffected()
}

// --- Review comments ---

const commentColumns = `id, session_id, file_path, line_number, line_type, author, body, status, parent_id, created_at, resolved_at`

func scanComment(row interface{ Scan(...any) error }) (*models.Comment, error) {
	c := &models.Comment{}
	var status string
	var resolvedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.SessionID, &c.FilePath, &c.LineNumber, &c.LineType, &c.Author, &c.Body,
		&status, &c.ParentID, &c.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	c.Status = models.CommentStatus(status)
	c.ResolvedAt = timePtr(resolvedAt)
	return c, nil
}

func (s *SQLiteStore) CreateComment(ctx context.Context, c *models.Comment) error {
	if c.ID == "" {
		c.ID = newULID()
	}
	if c.Status == "" {
		c.Status = models.CommentOpen
	}
	c.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (`+commentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.FilePath, c.LineNumber, c.LineType, c.Author, c.Body,
		string(c.Status), c.ParentID, c.CreatedAt, nullTime(c.ResolvedAt),
	)
	if isMissingSession(err) {
		return apperr.NotFound("session", c.SessionID)
	}
	if err != nil {
		return fmt.Errorf("create comment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetComment(ctx context.Context, id string) (*models.Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("comment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

// ListComments returns all comments of a session in creation order.
func (s *SQLiteStore) ListComments(ctx context.Context, sessionID string) ([]*models.Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveComment marks a comment resolved. Resolving twice keeps the first time.
func (s *SQLiteStore) ResolveComment(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE comments SET status = 'resolved', resolved_at = COALESCE(resolved_at, ?) WHERE id = ?`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("resolve comment: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperr.NotFound("comment", id)
	}
	return nil
}

func (s *SQLiteStore) DeleteComments(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete comments: %w", err)
	}
	return res.RowsAffected()
}

// --- Todos ---

// ReplaceTodos swaps a session's task list for todos in one transaction.
func (s *SQLiteStore) ReplaceTodos(ctx context.Context, sessionID string, todos []*models.Todo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear todos: %w", err)
	}
	for i, t := range todos {
		if t.ID == "" {
			t.ID = newULID()
		}
		if t.Status == "" {
			t.Status = models.TodoPending
		}
		t.SessionID = sessionID
		t.Position = i
		_, err := tx.ExecContext(ctx,
			`INSERT INTO todos (id, session_id, position, content, active_form, status) VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.SessionID, t.Position, t.Content, t.ActiveForm, string(t.Status),
		)
		if isMissingSession(err) {
			return apperr.NotFound("session", sessionID)
		}
		if err != nil {
			return fmt.Errorf("insert todo: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTodos(ctx context.Context, sessionID string) ([]*models.Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, position, content, active_form, status FROM todos WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Todo
	for rows.Next() {
		t := &models.Todo{}
		var status string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Position, &t.Content, &t.ActiveForm, &status); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		t.Status = models.TodoStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteTodos(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM todos WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete todos: %w", err)
	}
	return res.RowsAffected()
}
