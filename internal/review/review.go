package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/models"
)

// Store is the subset of store.Store review comments need.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CreateComment(ctx context.Context, c *models.Comment) error
	GetComment(ctx context.Context, id string) (*models.Comment, error)
	ListComments(ctx context.Context, sessionID string) ([]*models.Comment, error)
	ResolveComment(ctx context.Context, id string, at time.Time) error
}

// Author names who wrote a comment.
const (
	AuthorHuman = "human"
	AuthorAgent = "agent"
)

// NewComment describes a top-level comment on a diff line.
type NewComment struct {
	FilePath   string
	LineNumber int
	LineType   string
	Author     string
	Body       string
}

// Service manages threaded review comments on a session's diff.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a review Service.
func NewService(s Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{store: s, logger: logger}
}

// Add starts a new comment thread.
func (s *Service) Add(ctx context.Context, sessionID string, nc NewComment) (*models.Comment, error) {
	if strings.TrimSpace(nc.Body) == "" {
		return nil, apperr.Invalid("comment body is empty")
	}
	if nc.FilePath == "" {
		return nil, apperr.Invalid("comment needs a file path")
	}
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if nc.Author == "" {
		nc.Author = AuthorHuman
	}
	c := &models.Comment{
		SessionID:  sessionID,
		FilePath:   nc.FilePath,
		LineNumber: nc.LineNumber,
		LineType:   nc.LineType,
		Author:     nc.Author,
		Body:       nc.Body,
		Status:     models.CommentOpen,
	}
	if err := s.store.CreateComment(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Debug("review comment added", "session_id", sessionID, "comment_id", c.ID, "file", c.FilePath)
	return c, nil
}

// Reply answers a comment. Replies attach to the thread root and inherit
// its file and line.
func (s *Service) Reply(ctx context.Context, parentID, author, body string) (*models.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return nil, apperr.Invalid("reply body is empty")
	}
	parent, err := s.store.GetComment(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.ParentID != "" {
		if parent, err = s.store.GetComment(ctx, parent.ParentID); err != nil {
			return nil, err
		}
	}
	if author == "" {
		author = AuthorAgent
	}
	c := &models.Comment{
		SessionID:  parent.SessionID,
		FilePath:   parent.FilePath,
		LineNumber: parent.LineNumber,
		LineType:   parent.LineType,
		Author:     author,
		Body:       body,
		Status:     models.CommentOpen,
		ParentID:   parent.ID,
	}
	if err := s.store.CreateComment(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Resolve closes a thread. Resolving a reply resolves its thread, and
// resolving twice is a no-op.
func (s *Service) Resolve(ctx context.Context, id string) (*models.Comment, error) {
	c, err := s.store.GetComment(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.ParentID != "" {
		id = c.ParentID
	}
	if err := s.store.ResolveComment(ctx, id, time.Now().UTC()); err != nil {
		return nil, err
	}
	return s.store.GetComment(ctx, id)
}

// Threads returns every thread of a session, optionally only open ones.
func (s *Service) Threads(ctx context.Context, sessionID string, openOnly bool) ([]*models.CommentThread, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	all, err := s.store.ListComments(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return BuildThreads(all, openOnly), nil
}

// ListOpen returns the open threads of a session.
func (s *Service) ListOpen(ctx context.Context, sessionID string) ([]*models.CommentThread, error) {
	return s.Threads(ctx, sessionID, true)
}

// BuildThreads groups comments, given in creation order, into threads.
// Replies whose root is missing are dropped.
func BuildThreads(comments []*models.Comment, openOnly bool) []*models.CommentThread {
	byID := make(map[string]*models.CommentThread)
	var threads []*models.CommentThread
	for _, c := range comments {
		if c.ParentID != "" {
			continue
		}
		if openOnly && c.Status != models.CommentOpen {
			continue
		}
		th := &models.CommentThread{Comment: c}
		byID[c.ID] = th
		threads = append(threads, th)
	}
	for _, c := range comments {
		if c.ParentID == "" {
			continue
		}
		if th, ok := byID[c.ParentID]; ok {
			th.Replies = append(th.Replies, c)
		}
	}
	return threads
}
