package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// foreign_keys is per connection, so it goes in the DSN rather than a
	// one-off PRAGMA.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes every statement, which is what makes the
	// single-statement upserts and status CAS below atomic across goroutines.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isMissingSession reports a child insert whose session row is gone.
func isMissingSession(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newULID generates a new ULID string. Ids minted in the same millisecond
// still sort in creation order.
func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = newULID()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.CreatedAt, u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Conflict("user", u.ID)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u := &models.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, created_at, updated_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, u *models.User) error {
	u.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET name=?, email=?, updated_at=? WHERE id=?`,
		u.Name, u.Email, u.UpdatedAt, u.ID,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperr.NotFound("user", u.ID)
	}
	return nil
}

// LinkLocalID associates a device-local id with a user. Re-linking the same
// pair is a no-op; linking an id already owned by another user is a conflict.
func (s *SQLiteStore) LinkLocalID(ctx context.Context, userID, localID string) error {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_links (local_id, user_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(local_id) DO NOTHING`,
		localID, userID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("link local id: %w", err)
	}
	var owner string
	if err := s.db.QueryRowContext(ctx, `SELECT user_id FROM user_links WHERE local_id = ?`, localID).Scan(&owner); err != nil {
		return fmt.Errorf("link local id: %w", err)
	}
	if owner != userID {
		return apperr.Conflict("local id", localID)
	}
	return nil
}

func (s *SQLiteStore) GetUserByLocalID(ctx context.Context, localID string) (*models.User, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM user_links WHERE local_id = ?`, localID).Scan(&userID)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("user for local id", localID)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by local id: %w", err)
	}
	return s.GetUser(ctx, userID)
}

// --- Workspaces ---

func (s *SQLiteStore) CreateWorkspace(ctx context.Context, w *models.Workspace) error {
	if w.ID == "" {
		w.ID = newULID()
	}
	if w.OriginBranch == "" {
		w.OriginBranch = "main"
	}
	w.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, folder, script_path, origin_branch, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Folder, w.ScriptPath, w.OriginBranch, w.CreatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Conflict("workspace", w.Name)
	}
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

const workspaceColumns = `id, name, folder, script_path, origin_branch, created_at`

func scanWorkspace(row interface{ Scan(...any) error }) (*models.Workspace, error) {
	w := &models.Workspace{}
	err := row.Scan(&w.ID, &w.Name, &w.Folder, &w.ScriptPath, &w.OriginBranch, &w.CreatedAt)
	return w, err
}

func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	w, err := scanWorkspace(s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("workspace", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) GetWorkspaceByName(ctx context.Context, name string) (*models.Workspace, error) {
	w, err := scanWorkspace(s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("workspace", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace by name: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
