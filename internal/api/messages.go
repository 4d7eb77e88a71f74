package api

import (
	"net/http"
	"time"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/messagelog"
	"github.com/joescharf/agentdesk/internal/models"
)

type messageResponse struct {
	ID         string                `json:"id"`
	SessionID  string                `json:"session_id"`
	Seq        int64                 `json:"seq"`
	ExternalID string                `json:"external_id,omitempty"`
	Type       string                `json:"type"`
	Content    []models.ContentBlock `json:"content"`
	Cost       *float64              `json:"cost,omitempty"`
	Model      string                `json:"model,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

func toMessageResponse(m *models.Message) messageResponse {
	content := m.Content
	if content == nil {
		content = []models.ContentBlock{}
	}
	return messageResponse{
		ID:         m.ID,
		SessionID:  m.SessionID,
		Seq:        m.Seq,
		ExternalID: m.ExternalID,
		Type:       string(m.Type),
		Content:    content,
		Cost:       m.Cost,
		Model:      m.Model,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// messageRequest is one message as a producer posts it. A plain text body
// may be sent instead of content blocks.
type messageRequest struct {
	ExternalID string                `json:"external_id"`
	Type       string                `json:"type"`
	Text       string                `json:"text"`
	Content    []models.ContentBlock `json:"content"`
	Cost       *float64              `json:"cost"`
	Model      string                `json:"model"`
}

func (m messageRequest) record() messagelog.Record {
	content := m.Content
	if len(content) == 0 && m.Text != "" {
		content = []models.ContentBlock{models.TextBlock(m.Text)}
	}
	return messagelog.Record{
		ExternalID: m.ExternalID,
		Type:       models.MessageType(m.Type),
		Content:    content,
		Cost:       m.Cost,
		Model:      m.Model,
	}
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.app.Messages.List(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	result := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		result = append(result, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) appendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	id, err := s.app.Messages.Append(r.Context(), r.PathValue("id"), req.record())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// importMessages bulk-imports the posted records, or, with no records in
// the body, the session's on-disk transcript.
func (s *Server) importMessages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Records []messageRequest `json:"records"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	id := r.PathValue("id")

	if len(req.Records) == 0 {
		sess, err := s.app.Sessions.Get(r.Context(), id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if sess.UpstreamID == "" {
			s.writeErr(w, apperr.Invalid("session %s has no upstream id to find its transcript", id))
			return
		}
		n, err := s.app.Importer.ImportSession(r.Context(), sess)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"imported": n})
		return
	}

	recs := make([]messagelog.Record, 0, len(req.Records))
	for _, m := range req.Records {
		recs = append(recs, m.record())
	}
	ids, err := s.app.Messages.BulkImport(r.Context(), id, recs)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": len(ids), "ids": ids})
}
