package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/messagelog"
	"github.com/joescharf/agentdesk/internal/models"
)

// BulkImporter is the message log's deduplicated import path.
type BulkImporter interface {
	BulkImport(ctx context.Context, sessionID string, recs []messagelog.Record) ([]string, error)
}

// Importer loads transcripts into sessions.
type Importer struct {
	log         BulkImporter
	root        string
	logger      *slog.Logger
	concurrency int
}

// NewImporter creates an Importer reading transcripts under root.
func NewImporter(log BulkImporter, root string, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Importer{log: log, root: root, logger: logger, concurrency: 4}
}

// Root returns the transcript root directory.
func (im *Importer) Root() string { return im.root }

// ImportFile imports one transcript file into sessionID and returns how
// many records it contained.
func (im *Importer) ImportFile(ctx context.Context, sessionID, path string) (int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, apperr.NotFound("transcript", path)
	}
	if err != nil {
		return 0, fmt.Errorf("open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	recs, err := Parse(f)
	if err != nil {
		return 0, err
	}
	if _, err := im.log.BulkImport(ctx, sessionID, recs); err != nil {
		return 0, fmt.Errorf("import %s: %w", path, err)
	}
	im.logger.Debug("transcript imported", "session_id", sessionID, "path", path, "records", len(recs))
	return len(recs), nil
}

// ImportSession imports the transcript belonging to sess, located from its
// upstream id and working directory.
func (im *Importer) ImportSession(ctx context.Context, sess *models.Session) (int, error) {
	if sess.UpstreamID == "" || sess.Cwd == "" {
		return 0, apperr.Invalid("session %s has no upstream id or working directory", sess.ID)
	}
	return im.ImportFile(ctx, sess.ID, File(im.root, sess.Cwd, sess.UpstreamID))
}

// Summary reports the outcome of ImportAll.
type Summary struct {
	Sessions int
	Records  int
	Skipped  int
}

// ImportAll imports every session that has an upstream id, several at a
// time. Sessions whose transcript is missing are skipped. Errors from
// individual sessions are collected and returned together.
func (im *Importer) ImportAll(ctx context.Context, sessions []*models.Session) (Summary, error) {
	var (
		mu  sync.Mutex
		sum Summary
	)
	p := pool.New().WithContext(ctx).WithMaxGoroutines(im.concurrency)
	for _, sess := range sessions {
		if sess.UpstreamID == "" || sess.Cwd == "" {
			sum.Skipped++
			continue
		}
		p.Go(func(ctx context.Context) error {
			n, err := im.ImportSession(ctx, sess)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case apperr.IsNotFound(err):
				sum.Skipped++
				return nil
			case err != nil:
				return fmt.Errorf("session %s: %w", sess.ID, err)
			}
			sum.Sessions++
			sum.Records += n
			return nil
		})
	}
	err := p.Wait()
	im.logger.Info("transcript import finished", "sessions", sum.Sessions, "records", sum.Records, "skipped", sum.Skipped)
	return sum, err
}
