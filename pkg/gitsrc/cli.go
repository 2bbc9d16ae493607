package gitsrc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/vyvo/fwbuild/pkg/logging"
)

// CLI implements Git by running the git binary for anything that mutates a
// repository or talks to a remote, and go-git for read-only inspection of
// local repositories.
type CLI struct {
	Binary  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewCLI returns a CLI using the git found on PATH. A zero timeout disables
// the per-command deadline.
func NewCLI(timeout time.Duration, logger *slog.Logger) *CLI {
	return &CLI{Binary: "git", Timeout: timeout, Logger: logging.OrDefault(logger)}
}

func (c *CLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	bin := c.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.OrDefault(c.Logger).Debug("git", slog.String("args", strings.Join(args, " ")), logging.Path(dir))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return stdout.String(), &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

func (c *CLI) IsRepository(dir string) bool {
	_, err := git.PlainOpen(dir)
	return err == nil
}

func (c *CLI) Clone(ctx context.Context, url, dest string) error {
	_, err := c.run(ctx, filepath.Dir(dest), "clone", url, dest)
	return err
}

func (c *CLI) CloneShallow(ctx context.Context, source, dest string, opts ShallowCloneOptions) error {
	abs, err := filepath.Abs(source)
	if err != nil {
		return err
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = 1
	}
	args := []string{"clone", "--depth", fmt.Sprint(depth), "--single-branch"}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	if opts.Origin != "" {
		args = append(args, "--origin", opts.Origin)
	}
	// --depth is ignored for plain local paths, so go through file://.
	args = append(args, "file://"+filepath.ToSlash(abs), dest)
	_, err = c.run(ctx, filepath.Dir(dest), args...)
	return err
}

func (c *CLI) ListRemotes(_ context.Context, dir string) (map[string]string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}
	remotes, err := repo.Remotes()
	if err != nil {
		return nil, fmt.Errorf("list remotes: %w", err)
	}
	out := make(map[string]string, len(remotes))
	for _, r := range remotes {
		cfg := r.Config()
		url := ""
		if len(cfg.URLs) > 0 {
			url = cfg.URLs[0]
		}
		out[cfg.Name] = url
	}
	return out, nil
}

func (c *CLI) RemoteAdd(ctx context.Context, dir, name, url string) error {
	remotes, err := c.ListRemotes(ctx, dir)
	if err != nil {
		return err
	}
	if existing, ok := remotes[name]; ok {
		return &DuplicateRemoteError{Name: name, URL: existing}
	}
	_, err = c.run(ctx, dir, "remote", "add", name, url)
	return err
}

func (c *CLI) RemoteSetURL(ctx context.Context, dir, name, url string) error {
	_, err := c.run(ctx, dir, "remote", "set-url", name, url)
	return err
}

func (c *CLI) ListRemoteRefs(ctx context.Context, dir, remote string) ([]RemoteRef, error) {
	out, err := c.run(ctx, dir, "ls-remote", remote)
	if err != nil {
		return nil, err
	}
	return parseLsRemote(out), nil
}

func parseLsRemote(out string) []RemoteRef {
	var refs []RemoteRef
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		hash, name, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		refs = append(refs, RemoteRef{Hash: strings.TrimSpace(hash), Name: strings.TrimSpace(name)})
	}
	return refs
}

func (c *CLI) HasCommit(ctx context.Context, dir, commit string) (bool, error) {
	if IsCommitID(commit) {
		repo, err := git.PlainOpen(dir)
		if err != nil {
			return false, fmt.Errorf("open %s: %w", dir, err)
		}
		_, err = repo.CommitObject(plumbing.NewHash(commit))
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	if _, err := c.run(ctx, dir, "rev-parse", "--verify", "--quiet", commit+"^{commit}"); err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && ctx.Err() == nil {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *CLI) Fetch(ctx context.Context, dir, remote string, opts FetchOptions) error {
	args := []string{"fetch", remote, "--recurse-submodules=no"}
	if opts.Force {
		args = append(args, "--force")
	}
	if opts.Tags {
		args = append(args, "--tags")
	}
	if opts.AllBranches {
		args = append(args, fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remote))
	}
	_, err := c.run(ctx, dir, args...)
	return err
}

func (c *CLI) Checkout(ctx context.Context, dir, ref string, force bool) error {
	args := []string{"checkout"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, ref)
	_, err := c.run(ctx, dir, args...)
	return err
}

func (c *CLI) Reset(ctx context.Context, dir, ref string, hard bool) error {
	args := []string{"reset"}
	if hard {
		args = append(args, "--hard")
	}
	args = append(args, ref)
	_, err := c.run(ctx, dir, args...)
	return err
}

func (c *CLI) Clean(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, "clean", "-xdff")
	return err
}

func (c *CLI) SubmoduleUpdate(ctx context.Context, dir string, opts SubmoduleOptions) error {
	args := []string{"submodule", "update"}
	if opts.Init {
		args = append(args, "--init")
	}
	if opts.Recursive {
		args = append(args, "--recursive")
	}
	if opts.Force {
		args = append(args, "--force")
	}
	_, err := c.run(ctx, dir, args...)
	return err
}

func (c *CLI) CreateBranch(ctx context.Context, dir, name, startPoint string) error {
	_, err := c.run(ctx, dir, "branch", "-f", name, startPoint)
	return err
}

func (c *CLI) DeleteBranch(ctx context.Context, dir, name string) error {
	_, err := c.run(ctx, dir, "branch", "-D", name)
	return err
}

func (c *CLI) SetConfig(ctx context.Context, dir, key, value string) error {
	_, err := c.run(ctx, dir, "config", key, value)
	return err
}

var _ Git = (*CLI)(nil)
