package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/joescharf/agentdesk/internal/models"
)

// Watcher re-imports a session's transcript whenever the CLI writes to it.
// Imports are idempotent, so repeated events for one write are harmless.
type Watcher struct {
	importer *Importer
	fsw      *fsnotify.Watcher
	logger   *slog.Logger

	mu      sync.Mutex
	targets map[string]string // transcript path -> session id
	dirs    map[string]bool
}

// NewWatcher creates a Watcher. Call Close when done.
func NewWatcher(im *Importer) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		importer: im,
		fsw:      fsw,
		logger:   im.logger,
		targets:  make(map[string]string),
		dirs:     make(map[string]bool),
	}, nil
}

// Watch starts following sess's transcript.
func (w *Watcher) Watch(sess *models.Session) error {
	if sess.UpstreamID == "" || sess.Cwd == "" {
		return fmt.Errorf("session %s has no upstream id or working directory", sess.ID)
	}
	path := File(w.importer.root, sess.Cwd, sess.UpstreamID)
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[dir] {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.targets[path] = sess.ID
	return nil
}

// Watching returns the number of followed transcripts.
func (w *Watcher) Watching() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.targets)
}

// Run processes file events until ctx is cancelled or the watcher closes.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.mu.Lock()
			sessionID, tracked := w.targets[filepath.Clean(ev.Name)]
			w.mu.Unlock()
			if !tracked {
				continue
			}
			if _, err := w.importer.ImportFile(ctx, sessionID, ev.Name); err != nil {
				w.logger.Warn("transcript re-import failed", "session_id", sessionID, "path", ev.Name, "error", err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("transcript watcher error", "error", err)
		}
	}
}

// Close stops the underlying file watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
