package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirBackend hands out plain directories. It suits workers that do not
// need a version-controlled checkout, and tests.
type DirBackend struct {
	// Seed, when set, is copied into every new workspace.
	Seed string
}

// Checkout creates the directory and copies the seed into it. Branches
// have no meaning here and are ignored.
func (d *DirBackend) Checkout(ctx context.Context, path, branch string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("workspace path %s already exists", path)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	if d.Seed != "" {
		if err := copyTree(d.Seed, path); err != nil {
			return "", fmt.Errorf("failed to seed workspace: %w", err)
		}
	}
	return "", nil
}

// Clean empties the directory and restores the seed.
func (d *DirBackend) Clean(ctx context.Context, path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("failed to read workspace: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(path, e.Name())); err != nil {
			return fmt.Errorf("failed to clean workspace: %w", err)
		}
	}
	if d.Seed != "" {
		return copyTree(d.Seed, path)
	}
	return nil
}

// Switch is a no-op beyond checking the directory still exists.
func (d *DirBackend) Switch(ctx context.Context, path, oldBranch, newBranch string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("workspace missing: %w", err)
	}
	return "", nil
}

// Remove deletes the directory.
func (d *DirBackend) Remove(ctx context.Context, path, branch string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

// Prune has nothing to do for plain directories.
func (d *DirBackend) Prune(ctx context.Context) error {
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
