package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// initSourceRepo creates a bare-bones git repository with one commit on
// main, for tests to clone/worktree against without hitting the network.
func initSourceRepo(t *testing.T, dir string) {
	t.Helper()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	readmePath := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readmePath, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	if _, err := wt.Add("README.md"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(0, 0)},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestCloneFromLocalPath(t *testing.T) {
	root := t.TempDir()
	sourceDir := filepath.Join(root, "source")
	initSourceRepo(t, sourceDir)

	m, err := New(filepath.Join(root, "workspace"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := m.Clone(context.Background(), sourceDir, "cloned"); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.BaseDir, "cloned", "README.md")); err != nil {
		t.Errorf("expected cloned README.md: %v", err)
	}
}

func TestCloneIsIdempotentOnExistingRepo(t *testing.T) {
	root := t.TempDir()
	sourceDir := filepath.Join(root, "source")
	initSourceRepo(t, sourceDir)

	m, err := New(filepath.Join(root, "workspace"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := m.Clone(context.Background(), sourceDir, "cloned"); err != nil {
		t.Fatalf("first Clone: %v", err)
	}
	if err := m.Clone(context.Background(), sourceDir, "cloned"); err != nil {
		t.Fatalf("second Clone (should be a no-op open): %v", err)
	}
}

func TestCloneRejectsPathEscapingBaseDir(t *testing.T) {
	root := t.TempDir()
	m, err := New(filepath.Join(root, "workspace"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := m.Clone(context.Background(), "https://example.com/repo.git", "../escape"); err == nil {
		t.Error("expected an error for a dest that escapes BaseDir")
	}
}

func TestCreateListAndRemoveWorktree(t *testing.T) {
	root := t.TempDir()
	sourceDir := filepath.Join(root, "source")
	initSourceRepo(t, sourceDir)

	m, err := New(filepath.Join(root, "workspace"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Clone(context.Background(), sourceDir, "cloned"); err != nil {
		t.Fatalf("Clone: %v", err)
	}

	if err := m.CreateWorktree(context.Background(), "cloned", "feature-x", "cloned-feature-x"); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.BaseDir, "cloned-feature-x", "README.md")); err != nil {
		t.Errorf("expected worktree README.md: %v", err)
	}

	worktrees, err := m.ListWorktrees(context.Background(), "cloned")
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	if len(worktrees) != 2 {
		t.Fatalf("got %d worktrees, want 2 (main + feature-x)", len(worktrees))
	}

	if err := m.RemoveWorktree(context.Background(), "cloned", "cloned-feature-x"); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
	worktrees, err = m.ListWorktrees(context.Background(), "cloned")
	if err != nil {
		t.Fatalf("ListWorktrees after remove: %v", err)
	}
	if len(worktrees) != 1 {
		t.Errorf("got %d worktrees after remove, want 1", len(worktrees))
	}
}
