package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/graphrun/internal/config"
	"github.com/aristath/graphrun/internal/worktree"
)

func newPruneCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove workspaces left behind by crashed runs",
		Long: `Remove every workspace under the configured root and drop stale checkout
metadata. Do not run this while a run is active in the same project.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			pool, err := worktree.NewPool(worktree.PoolConfig{
				Capacity:     cfg.Workspaces.Max,
				Root:         cfg.Workspaces.Root,
				BranchPrefix: cfg.Workspaces.BranchPrefix,
				Backend:      newWorkspaceBackend(cfg),
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			stale, err := leftoverWorkspaces(ctx, cfg)
			if err != nil {
				return err
			}
			if err := pool.Recover(ctx, stale); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "removed %d workspaces\n", len(stale))
			return nil
		},
	}
	return cmd
}

// leftoverWorkspaces lists checkouts that belong to graphrun: worktrees on
// prefixed branches for git, directories under the root otherwise.
func leftoverWorkspaces(ctx context.Context, cfg *config.Config) ([]worktree.Workspace, error) {
	if cfg.Workspaces.Backend != "dir" {
		git := worktree.NewGitBackend(worktree.GitConfig{
			RepoPath:   cfg.Workspaces.RepoPath,
			BaseBranch: cfg.Workspaces.BaseBranch,
		})
		return git.List(ctx, cfg.Workspaces.BranchPrefix)
	}

	entries, err := os.ReadDir(cfg.Workspaces.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading workspace root: %w", err)
	}
	root, err := filepath.Abs(cfg.Workspaces.Root)
	if err != nil {
		return nil, err
	}
	var out []worktree.Workspace
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, worktree.Workspace{Path: filepath.Join(root, entry.Name())})
		}
	}
	return out, nil
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}

	var global, force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ProjectPath
			if global {
				p, err := config.GlobalPath()
				if err != nil {
					return err
				}
				path = p
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&global, "global", false, "write the global file instead of the project file")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			return config.Write(a.out, cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
