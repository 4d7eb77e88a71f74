package models

import "time"

// InboxEntry is a note the agent leaves for the human, e.g. "ready for review".
type InboxEntry struct {
	ID          string
	SessionID   string
	Body        string
	CreatedAt   time.Time
	ReadAt      *time.Time
	FirstReadAt *time.Time
}
