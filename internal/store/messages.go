package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/models"
)

const messageColumns = `id, session_id, seq, external_id, type, content, cost, model, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	m := &models.Message{}
	var externalID sql.NullString
	var msgType, content string
	var cost sql.NullFloat64
	if err := row.Scan(&m.ID, &m.SessionID, &m.Seq, &externalID, &msgType, &content, &cost, &m.Model, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	m.Type = models.MessageType(msgType)
	if cost.Valid {
		c := cost.Float64
		m.Cost = &c
	}
	if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
		return nil, fmt.Errorf("decode content of message %s: %w", m.ID, err)
	}
	return m, nil
}

// UpsertMessage inserts m, or, when a message with the same (session,
// external id) exists, overwrites its content, cost and model in place. The
// whole read-modify-write is one statement. Type and seq of an existing
// message never change. On return m.ID and m.Seq reflect the stored row.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, m *models.Message) (UpsertResult, error) {
	content := m.Content
	if content == nil {
		content = []models.ContentBlock{}
	}
	data, err := json.Marshal(content)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("encode message content: %w", err)
	}

	newID := newULID()
	now := time.Now().UTC()
	var cost sql.NullFloat64
	if m.Cost != nil {
		cost = sql.NullFloat64{Float64: *m.Cost, Valid: true}
	}

	var res UpsertResult
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?), ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, external_id) DO UPDATE SET
			content = excluded.content,
			cost = excluded.cost,
			model = excluded.model,
			updated_at = excluded.updated_at
		RETURNING id, seq`,
		newID, m.SessionID, m.SessionID, nullString(m.ExternalID), string(m.Type),
		string(data), cost, m.Model, now, now,
	).Scan(&res.ID, &res.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return UpsertResult{}, apperr.Conflict("message", m.SessionID+"/"+m.ExternalID)
		}
		if isMissingSession(err) {
			return UpsertResult{}, apperr.NotFound("session", m.SessionID)
		}
		return UpsertResult{}, fmt.Errorf("upsert message: %w", err)
	}
	res.Inserted = res.ID == newID

	m.ID = res.ID
	m.Seq = res.Seq
	m.UpdatedAt = now
	if res.Inserted {
		m.CreatedAt = now
	}
	return res, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListMessages returns a session's messages in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteMessages(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.RowsAffected()
}
