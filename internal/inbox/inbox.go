// Package inbox holds the notes an agent leaves for its human, such as
// "ready for review". Posting a note also marks the session not busy.
package inbox

import (
	"context"
	"strings"
	"time"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/notify"
)

// Store is the subset of store.Store the inbox needs.
type Store interface {
	CreateInboxEntry(ctx context.Context, e *models.InboxEntry) error
	ListInboxEntries(ctx context.Context, sessionID string) ([]*models.InboxEntry, error)
	MarkInboxRead(ctx context.Context, sessionID string, at time.Time) (int64, error)
}

// BusySetter clears a session's busy flag.
type BusySetter interface {
	SetBusy(ctx context.Context, id string, busy bool) (*models.Session, error)
}

// Inbox posts and reads inbox entries.
type Inbox struct {
	store    Store
	sessions BusySetter
	pub      notify.Publisher
}

// New creates an Inbox. pub may be nil.
func New(s Store, sessions BusySetter, pub notify.Publisher) *Inbox {
	if pub == nil {
		pub = notify.Discard
	}
	return &Inbox{store: s, sessions: sessions, pub: pub}
}

// Post records a note from the agent and marks the session idle-for-human.
func (in *Inbox) Post(ctx context.Context, sessionID, body string) (*models.InboxEntry, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.Invalid("inbox message is empty")
	}
	// SetBusy also proves the session exists.
	if _, err := in.sessions.SetBusy(ctx, sessionID, false); err != nil {
		return nil, err
	}
	e := &models.InboxEntry{SessionID: sessionID, Body: body}
	if err := in.store.CreateInboxEntry(ctx, e); err != nil {
		return nil, err
	}
	in.pub.Publish(notify.Event{
		Kind:      notify.KindInboxPosted,
		SessionID: sessionID,
		Payload:   map[string]string{"entry_id": e.ID, "body": e.Body},
	})
	return e, nil
}

// List returns entries newest first; an empty sessionID lists all sessions.
func (in *Inbox) List(ctx context.Context, sessionID string) ([]*models.InboxEntry, error) {
	return in.store.ListInboxEntries(ctx, sessionID)
}

// Unread counts unread entries.
func Unread(entries []*models.InboxEntry) int {
	n := 0
	for _, e := range entries {
		if e.ReadAt == nil {
			n++
		}
	}
	return n
}

// MarkRead marks a session's entries read and returns how many changed.
func (in *Inbox) MarkRead(ctx context.Context, sessionID string) (int64, error) {
	return in.store.MarkInboxRead(ctx, sessionID, time.Now().UTC())
}
