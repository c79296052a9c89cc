// Package workingcopy implements the Working-Copy Manager (C3): one
// local mirror clone per repository, with serialized checkouts of a
// given revision into scratch worktrees. It is the only package that
// touches the working-copy directory tree; everything else reaches
// repository content through this package's Checkout result.
package workingcopy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/revgate/revgate/internal/config"
	"github.com/revgate/revgate/internal/gitutil"
)

// CloneStatus tracks a mirror's lifecycle, per §4.3.
type CloneStatus string

const (
	CloneAbsent  CloneStatus = "absent"
	CloneCloning CloneStatus = "cloning"
	CloneCloned  CloneStatus = "cloned"
	CloneFailed  CloneStatus = "failed"
)

// Checkout is a materialized, read-only working tree at a specific
// revision. Close removes the scratch worktree; callers must call it
// exactly once when done with the batches that read from Dir.
type Checkout struct {
	Dir     string
	cleanup func() error
}

// Close releases the checkout's scratch directory.
func (c *Checkout) Close() error {
	if c.cleanup == nil {
		return nil
	}
	return c.cleanup()
}

type repoState struct {
	mu     sync.Mutex
	status CloneStatus
}

// Manager owns one mirror directory per repo_id under base, and
// enforces the §4.3/§5 invariant that at most one checkout is active
// per repository at a time via a per-repo mutex.
type Manager struct {
	base string

	mu     sync.Mutex
	repos  map[string]*repoState
}

// NewManager creates a manager rooted at base (typically
// config.Config.WorkingCopyDir).
func NewManager(base string) *Manager {
	return &Manager{base: base, repos: map[string]*repoState{}}
}

func (m *Manager) state(repoID string) *repoState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.repos[repoID]
	if !ok {
		s = &repoState{status: CloneAbsent}
		m.repos[repoID] = s
	}
	return s
}

func (m *Manager) mirrorDir(repoID string) string {
	return filepath.Join(m.base, repoID)
}

// Status reports a repository's current clone status.
func (m *Manager) Status(repoID string) CloneStatus {
	s := m.state(repoID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// EnsureCloned idempotently clones repo.CloneURL into its mirror
// directory, transitioning absent -> cloning -> cloned|failed. If the
// mirror already exists, it is fetched instead of re-cloned.
func (m *Manager) EnsureCloned(ctx context.Context, repo config.RepoConfig) error {
	s := m.state(repo.RepoID)
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := m.mirrorDir(repo.RepoID)
	env, err := credentialEnv(repo)
	if err != nil {
		s.status = CloneFailed
		return err
	}

	if _, statErr := os.Stat(filepath.Join(dir, "HEAD")); statErr == nil {
		if err := gitutil.FetchMirror(ctx, dir, env); err != nil {
			s.status = CloneFailed
			return fmt.Errorf("fetch mirror %s: %w", repo.RepoID, err)
		}
		s.status = CloneCloned
		return nil
	}

	s.status = CloneCloning
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		s.status = CloneFailed
		return err
	}
	if err := gitutil.CloneMirror(ctx, repo.CloneURL, dir, env); err != nil {
		s.status = CloneFailed
		return fmt.Errorf("clone mirror %s: %w", repo.RepoID, err)
	}
	s.status = CloneCloned
	return nil
}

// Checkout fetches updates and materializes ref into a fresh scratch
// worktree, serialized per repo_id so at most one checkout per
// repository is live at a time (§5).
func (m *Manager) Checkout(ctx context.Context, repo config.RepoConfig, ref, scratchID string) (*Checkout, error) {
	s := m.state(repo.RepoID)
	s.mu.Lock()
	defer s.mu.Unlock()

	mirror := m.mirrorDir(repo.RepoID)
	env, err := credentialEnv(repo)
	if err != nil {
		return nil, err
	}
	if err := gitutil.FetchMirror(ctx, mirror, env); err != nil {
		return nil, fmt.Errorf("fetch before checkout: %w", err)
	}

	worktreeDir := filepath.Join(m.base, ".worktrees", repo.RepoID, scratchID)
	if err := os.MkdirAll(filepath.Dir(worktreeDir), 0o755); err != nil {
		return nil, err
	}
	if err := gitutil.AddWorktree(ctx, mirror, worktreeDir, ref); err != nil {
		return nil, fmt.Errorf("checkout %s at %s: %w", repo.RepoID, ref, err)
	}

	// git itself is the source of truth for the worktree's canonical
	// path (MSYS path forms on Windows, symlink resolution elsewhere),
	// so resolve through it rather than trusting the argument we just
	// passed to AddWorktree.
	canonicalDir := worktreeDir
	if root, err := gitutil.RepoRoot(ctx, worktreeDir); err == nil {
		canonicalDir = root
	}

	return &Checkout{
		Dir: canonicalDir,
		cleanup: func() error {
			if err := gitutil.RemoveWorktree(context.Background(), mirror, worktreeDir); err != nil {
				return err
			}
			return os.RemoveAll(worktreeDir)
		},
	}, nil
}

// ListChangedFiles returns the per-file delta between baseRef and
// headRef inside a repository's mirror (no checkout needed).
func (m *Manager) ListChangedFiles(ctx context.Context, repo config.RepoConfig, baseRef, headRef string) ([]gitutil.FileChange, error) {
	return gitutil.DiffNumstat(ctx, m.mirrorDir(repo.RepoID), baseRef, headRef)
}

// ReadFile reads path as it existed at ref from a repository's mirror.
func (m *Manager) ReadFile(ctx context.Context, repo config.RepoConfig, ref, path string) ([]byte, bool, error) {
	return gitutil.ReadFile(ctx, m.mirrorDir(repo.RepoID), ref, path)
}
