// Package messagelog keeps each session's ordered conversation log. Appends
// are idempotent on the producer's external id, so replaying a transcript or
// a live stream never duplicates entries.
package messagelog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/keylock"
	"github.com/joescharf/agentdesk/internal/metrics"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/notify"
	"github.com/joescharf/agentdesk/internal/store"
)

// Store is the subset of store.Store the log needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpsertMessage(ctx context.Context, m *models.Message) (store.UpsertResult, error)
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	DeleteMessages(ctx context.Context, sessionID string) (int64, error)
}

// Toucher advances a session's last activity time.
type Toucher interface {
	Touch(ctx context.Context, id string) error
}

// Record is one message as a producer reports it.
type Record struct {
	ExternalID string
	Type       models.MessageType
	Content    []models.ContentBlock
	Cost       *float64
	Model      string
}

// AppendedPayload is the body of a message-appended event.
type AppendedPayload struct {
	MessageID string `json:"message_id"`
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Inserted  bool   `json:"inserted"`
}

// Log is the MessageLog service.
type Log struct {
	store   Store
	toucher Toucher
	pub     notify.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	locks   *keylock.Locker
}

// Option configures a Log.
type Option func(*Log)

// WithPublisher sets where message-appended events go.
func WithPublisher(p notify.Publisher) Option { return func(l *Log) { l.pub = p } }

// WithMetrics records upserts.
func WithMetrics(m *metrics.Metrics) Option { return func(l *Log) { l.metrics = m } }

// WithLogger sets the diagnostic logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Log) { l.logger = lg } }

// New creates a Log. toucher may be nil when activity is not tracked.
func New(s Store, toucher Toucher, opts ...Option) *Log {
	l := &Log{
		store:   s,
		toucher: toucher,
		pub:     notify.Discard,
		logger:  slog.New(slog.DiscardHandler),
		locks:   keylock.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append adds rec to the session's log, or updates the entry already stored
// under rec.ExternalID. It returns the message id.
func (l *Log) Append(ctx context.Context, sessionID string, rec Record) (string, error) {
	if err := validate(rec); err != nil {
		return "", err
	}
	if _, err := l.store.GetSession(ctx, sessionID); err != nil {
		return "", err
	}

	unlock := l.locks.Lock(sessionID)
	res, err := l.upsert(ctx, sessionID, rec)
	unlock()
	if err != nil {
		return "", err
	}

	l.touch(ctx, sessionID)
	l.published(sessionID, rec.Type, res)
	return res.ID, nil
}

// BulkImport appends records in order and returns their ids in the same
// order. Records already present keep their id, so importing the same batch
// twice changes nothing. A failure stops the import; earlier records stay.
func (l *Log) BulkImport(ctx context.Context, sessionID string, recs []Record) ([]string, error) {
	for i, rec := range recs {
		if err := validate(rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	if _, err := l.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(recs))
	inserted := 0
	unlock := l.locks.Lock(sessionID)
	for i, rec := range recs {
		res, err := l.upsert(ctx, sessionID, rec)
		if err != nil {
			unlock()
			return ids, fmt.Errorf("record %d: %w", i, err)
		}
		if res.Inserted {
			inserted++
		}
		ids = append(ids, res.ID)
	}
	unlock()

	if len(recs) > 0 {
		l.touch(ctx, sessionID)
	}
	if inserted > 0 {
		l.pub.Publish(notify.Event{
			Kind:      notify.KindMessageAppended,
			SessionID: sessionID,
			Payload:   map[string]int{"inserted": inserted, "total": len(recs)},
		})
	}
	l.logger.Debug("messages imported", "session_id", sessionID, "total", len(recs), "inserted", inserted)
	return ids, nil
}

// List returns the session's messages in seq order.
func (l *Log) List(ctx context.Context, sessionID string) ([]*models.Message, error) {
	if _, err := l.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return l.store.ListMessages(ctx, sessionID)
}

// Clear removes every message of a session.
func (l *Log) Clear(ctx context.Context, sessionID string) (int64, error) {
	unlock := l.locks.Lock(sessionID)
	defer unlock()
	return l.store.DeleteMessages(ctx, sessionID)
}

func (l *Log) upsert(ctx context.Context, sessionID string, rec Record) (store.UpsertResult, error) {
	m := &models.Message{
		SessionID:  sessionID,
		ExternalID: rec.ExternalID,
		Type:       rec.Type,
		Content:    rec.Content,
		Cost:       rec.Cost,
		Model:      rec.Model,
	}
	res, err := l.store.UpsertMessage(ctx, m)
	if err != nil {
		return res, err
	}
	l.metrics.MessageUpserted(res.Inserted)
	return res, nil
}

func (l *Log) touch(ctx context.Context, sessionID string) {
	if l.toucher == nil {
		return
	}
	if err := l.toucher.Touch(ctx, sessionID); err != nil {
		l.logger.Warn("touch session activity", "session_id", sessionID, "error", err)
	}
}

func (l *Log) published(sessionID string, t models.MessageType, res store.UpsertResult) {
	l.pub.Publish(notify.Event{
		Kind:      notify.KindMessageAppended,
		SessionID: sessionID,
		Payload: AppendedPayload{
			MessageID: res.ID,
			Seq:       res.Seq,
			Type:      string(t),
			Inserted:  res.Inserted,
		},
	})
}

func validate(rec Record) error {
	if !rec.Type.Valid() {
		return apperr.Invalid("message type %q", rec.Type)
	}
	if rec.Type != models.MessageTypeAssistant && (rec.Cost != nil || rec.Model != "") {
		return apperr.Invalid("cost and model apply only to assistant messages, got %s", rec.Type)
	}
	return nil
}
