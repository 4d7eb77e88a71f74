package models

import "time"

// CommentStatus represents the state of a review comment thread.
type CommentStatus string

const (
	CommentOpen     CommentStatus = "open"
	CommentResolved CommentStatus = "resolved"
)

// Comment is a review comment anchored to a line of the session diff.
// Replies carry the ParentID of the top-level comment.
type Comment struct {
	ID         string
	SessionID  string
	FilePath   string
	LineNumber int
	LineType   string
	Author     string
	Body       string
	Status     CommentStatus
	ParentID   string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// CommentThread is a top-level comment with its replies in creation order.
type CommentThread struct {
	Comment *Comment
	Replies []*Comment
}
