package permissions

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/joescharf/agentdesk/internal/models"
)

// PolicyStore holds always-allow grants keyed by (scope, tool).
type PolicyStore interface {
	Allowed(ctx context.Context, scope, tool string) (bool, error)
	Grant(ctx context.Context, scope, tool string) error
}

type policyKey struct{ scope, tool string }

// MemoryPolicies is an in-process PolicyStore.
type MemoryPolicies struct {
	mu     sync.RWMutex
	grants map[policyKey]time.Time
}

// NewMemoryPolicies returns an empty MemoryPolicies.
func NewMemoryPolicies() *MemoryPolicies {
	return &MemoryPolicies{grants: make(map[policyKey]time.Time)}
}

func (m *MemoryPolicies) Allowed(_ context.Context, scope, tool string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.grants[policyKey{scope, tool}]
	return ok, nil
}

func (m *MemoryPolicies) Grant(_ context.Context, scope, tool string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := policyKey{scope, tool}
	if _, ok := m.grants[k]; !ok {
		m.grants[k] = time.Now().UTC()
	}
	return nil
}

// PolicyRecords is the subset of store.Store backing StorePolicies.
type PolicyRecords interface {
	HasPolicy(ctx context.Context, scope, tool string) (bool, error)
	GrantPolicy(ctx context.Context, p *models.Policy) error
}

// StorePolicies persists grants in the record store so they survive
// restarts and are shared between the server and MCP processes.
type StorePolicies struct {
	records PolicyRecords
}

// NewStorePolicies wraps a record store.
func NewStorePolicies(r PolicyRecords) *StorePolicies {
	return &StorePolicies{records: r}
}

func (s *StorePolicies) Allowed(ctx context.Context, scope, tool string) (bool, error) {
	return s.records.HasPolicy(ctx, scope, tool)
}

func (s *StorePolicies) Grant(ctx context.Context, scope, tool string) error {
	return s.records.GrantPolicy(ctx, &models.Policy{Scope: scope, ToolName: tool})
}

// RootFinder resolves the repository containing a path.
type RootFinder interface {
	RepoRoot(path string) (string, error)
}

// Scope derives the policy scope for a working directory: the enclosing
// git repository root, or the cleaned directory when it is not in a repo.
// A nil finder skips the repository lookup.
func Scope(finder RootFinder, cwd string) string {
	if cwd == "" {
		return ""
	}
	if finder != nil {
		if root, err := finder.RepoRoot(cwd); err == nil && root != "" {
			return filepath.Clean(root)
		}
	}
	return filepath.Clean(cwd)
}
