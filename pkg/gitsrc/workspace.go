package gitsrc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vyvo/fwbuild/pkg/logging"
)

// CheckoutOptions controls CheckoutCommit.
type CheckoutOptions struct {
	Force     bool
	HardReset bool
	CleanTree bool
}

// Workspace is a per-build clone. It is owned by exactly one build, so its
// operations take no lock and may run concurrently with other workspaces.
type Workspace struct {
	dir    string
	git    Git
	logger *slog.Logger
}

func NewWorkspace(dir string, g Git, logger *slog.Logger) *Workspace {
	return &Workspace{dir: dir, git: g, logger: logging.OrDefault(logger)}
}

func (w *Workspace) Dir() string { return w.dir }

// CheckoutCommit resolves commitRef against remote, makes sure the commit is
// present (fetching once if not), checks it out and optionally hard-resets
// and cleans the tree. It returns the commit id checked out.
func (w *Workspace) CheckoutCommit(ctx context.Context, remote, commitRef string, opts CheckoutOptions) (string, error) {
	commit, err := resolveCommit(ctx, w.git, w.dir, remote, commitRef)
	if err != nil {
		return "", err
	}
	if err := ensureCommitPresent(ctx, w.git, w.logger, w.dir, remote, commit); err != nil {
		return "", err
	}
	if err := w.git.Checkout(ctx, w.dir, commit, opts.Force); err != nil {
		return "", fmt.Errorf("checkout %s: %w", commit, err)
	}
	if opts.HardReset {
		if err := w.git.Reset(ctx, w.dir, commit, true); err != nil {
			return "", fmt.Errorf("reset to %s: %w", commit, err)
		}
	}
	if opts.CleanTree {
		if err := w.git.Clean(ctx, w.dir); err != nil {
			return "", fmt.Errorf("clean tree: %w", err)
		}
	}
	return commit, nil
}

// SyncSubmodules runs a recursive, forced, initialising submodule update.
func (w *Workspace) SyncSubmodules(ctx context.Context) error {
	if err := w.git.SubmoduleUpdate(ctx, w.dir, SubmoduleOptions{Init: true, Recursive: true, Force: true}); err != nil {
		return fmt.Errorf("update submodules: %w", err)
	}
	return nil
}
