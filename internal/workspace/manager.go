// Package workspace implements WorkspaceManager: thin go-git wrappers for
// repository clone and worktree management under /workspace/**, falling
// back to the git binary for operations (worktree add/remove) the pure
// library doesn't cover well.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Manager roots every operation under BaseDir, so a malicious or malformed
// dest can never escape the workspace tree.
type Manager struct {
	BaseDir string
}

// New returns a Manager rooted at baseDir, creating it if necessary.
func New(baseDir string) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{BaseDir: baseDir}, nil
}

// resolve joins rel onto BaseDir and rejects any path that escapes it.
func (m *Manager) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	joined := filepath.Join(m.BaseDir, rel)
	baseAbs, err := filepath.Abs(m.BaseDir)
	if err != nil {
		return "", err
	}
	joinedAbs, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	relToBase, err := filepath.Rel(baseAbs, joinedAbs)
	if err != nil || relToBase == ".." || strings.HasPrefix(relToBase, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace root", rel)
	}
	return joinedAbs, nil
}

// Clone clones url into dest (a path relative to BaseDir). If dest already
// holds a repository, Clone opens it instead of failing, matching
// cloneOrOpen semantics: re-issuing a clone command is idempotent.
func (m *Manager) Clone(ctx context.Context, url, dest string) error {
	path, err := m.resolve(dest)
	if err != nil {
		return err
	}
	if _, err := git.PlainOpen(path); err == nil {
		return nil
	}

	_, err = git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:      url,
		Progress: nil,
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", url, err)
	}
	return nil
}

// Open returns the repository rooted at dest, for callers that need direct
// go-git access.
func (m *Manager) Open(dest string) (*git.Repository, error) {
	path, err := m.resolve(dest)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dest, err)
	}
	return repo, nil
}

// CreateWorktree adds a worktree at dest checked out to branch, shelling
// out to git since go-git has no worktree support of its own.
func (m *Manager) CreateWorktree(ctx context.Context, repoDir, branch, dest string) error {
	repoPath, err := m.resolve(repoDir)
	if err != nil {
		return err
	}
	destPath, err := m.resolve(dest)
	if err != nil {
		return err
	}

	if err := m.ensureBranchExists(repoPath, branch); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "add", destPath, branch)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git worktree add: %w: %s", err, string(out))
	}
	return nil
}

// ensureBranchExists creates branch from HEAD via go-git if it doesn't
// already exist, so CreateWorktree can target a fresh branch name.
func (m *Manager) ensureBranchExists(repoPath, branch string) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", repoPath, err)
	}

	refName := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(refName, true); err == nil {
		return nil
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	ref := plumbing.NewHashReference(refName, head.Hash())
	if err := repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

// RemoveWorktree removes the worktree at dest, shelling out to git so the
// repository's internal worktree bookkeeping stays consistent.
func (m *Manager) RemoveWorktree(ctx context.Context, repoDir, dest string) error {
	repoPath, err := m.resolve(repoDir)
	if err != nil {
		return err
	}
	destPath, err := m.resolve(dest)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "remove", "--force", destPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git worktree remove: %w: %s", err, string(out))
	}
	return nil
}

// Worktree describes one entry from `git worktree list`.
type Worktree struct {
	Path   string
	Branch string
	Head   string
}

// ListWorktrees parses `git worktree list --porcelain`, since go-git
// exposes no worktree enumeration API.
func (m *Manager) ListWorktrees(ctx context.Context, repoDir string) ([]Worktree, error) {
	repoPath, err := m.resolve(repoDir)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "list", "--porcelain")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git worktree list: %w", err)
	}
	return parseWorktreePorcelain(out), nil
}

func parseWorktreePorcelain(out []byte) []Worktree {
	var worktrees []Worktree
	var current Worktree
	flush := func() {
		if current.Path != "" {
			worktrees = append(worktrees, current)
		}
		current = Worktree{}
	}

	for _, line := range bytes.Split(out, []byte("\n")) {
		s := string(line)
		switch {
		case s == "":
			flush()
		case strings.HasPrefix(s, "worktree "):
			current.Path = strings.TrimPrefix(s, "worktree ")
		case strings.HasPrefix(s, "HEAD "):
			current.Head = strings.TrimPrefix(s, "HEAD ")
		case strings.HasPrefix(s, "branch "):
			current.Branch = strings.TrimPrefix(s, "branch ")
		}
	}
	flush()
	return worktrees
}
