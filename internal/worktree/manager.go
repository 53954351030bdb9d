package worktree

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// GitConfig configures a GitBackend.
type GitConfig struct {
	RepoPath   string // Path to the git repository
	BaseBranch string // Branch every workspace starts from (e.g., "main")
}

// GitBackend manages workspaces as git worktrees of one repository.
type GitBackend struct {
	config GitConfig
	mu     sync.Mutex // Serializes commands touching the shared repository metadata
}

// NewGitBackend creates a git worktree backend.
func NewGitBackend(cfg GitConfig) *GitBackend {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &GitBackend{config: cfg}
}

func (b *GitBackend) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func (b *GitBackend) head(ctx context.Context, path string) (string, error) {
	out, err := b.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD commit: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Checkout runs `git worktree add -b <branch> <path> <base>`.
func (b *GitBackend) Checkout(ctx context.Context, path, branch string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace root: %w", err)
	}

	b.mu.Lock()
	_, err := b.git(ctx, b.config.RepoPath, "worktree", "add", "-b", branch, path, b.config.BaseBranch)
	b.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to create worktree: %w", err)
	}

	return b.head(ctx, path)
}

// Clean discards tracked changes and removes untracked files.
func (b *GitBackend) Clean(ctx context.Context, path string) error {
	if _, err := b.git(ctx, path, "reset", "--hard"); err != nil {
		return fmt.Errorf("failed to reset worktree: %w", err)
	}
	if _, err := b.git(ctx, path, "clean", "-fdx"); err != nil {
		return fmt.Errorf("failed to clean worktree: %w", err)
	}
	return nil
}

// Switch points a recycled worktree at a fresh branch cut from the base
// branch and deletes the previous owner's branch.
func (b *GitBackend) Switch(ctx context.Context, path, oldBranch, newBranch string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.git(ctx, path, "checkout", "-B", newBranch, b.config.BaseBranch); err != nil {
		return "", fmt.Errorf("failed to switch worktree branch: %w", err)
	}
	if oldBranch != "" && oldBranch != newBranch {
		if _, err := b.git(ctx, b.config.RepoPath, "branch", "-D", oldBranch); err != nil {
			return "", fmt.Errorf("failed to delete previous branch: %w", err)
		}
	}
	return b.head(ctx, path)
}

// Remove deletes the worktree and its branch, escalating to force flags
// when the plain commands refuse.
func (b *GitBackend) Remove(ctx context.Context, path, branch string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []string

	if _, err := b.git(ctx, b.config.RepoPath, "worktree", "remove", path); err != nil {
		if _, forceErr := b.git(ctx, b.config.RepoPath, "worktree", "remove", "--force", path); forceErr != nil {
			// A checkout that vanished from disk only needs its metadata pruned.
			if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
				errs = append(errs, fmt.Sprintf("worktree remove failed: %v", forceErr))
			}
		}
	}

	if branch != "" {
		if _, err := b.git(ctx, b.config.RepoPath, "branch", "-d", branch); err != nil {
			if _, forceErr := b.git(ctx, b.config.RepoPath, "branch", "-D", branch); forceErr != nil && b.branchExists(ctx, branch) {
				errs = append(errs, fmt.Sprintf("branch delete failed: %v", forceErr))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (b *GitBackend) branchExists(ctx context.Context, branch string) bool {
	_, err := b.git(ctx, b.config.RepoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Prune cleans up stale worktree metadata.
func (b *GitBackend) Prune(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.git(ctx, b.config.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

// List returns the linked worktrees whose branch starts with prefix.
// The main worktree is never included.
func (b *GitBackend) List(ctx context.Context, prefix string) ([]Workspace, error) {
	output, err := b.git(ctx, b.config.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var (
		all     []Workspace
		current Workspace
	)
	flush := func() {
		if current.Path != "" {
			all = append(all, current)
		}
		current = Workspace{}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()

	var matched []Workspace
	for i, ws := range all {
		if i == 0 {
			continue // main worktree
		}
		if strings.HasPrefix(ws.Branch, prefix) {
			ws.Status = StatusCreated
			matched = append(matched, ws)
		}
	}
	return matched, nil
}
