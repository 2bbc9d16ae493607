package gitsrc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
	"github.com/vyvo/fwbuild/pkg/logging"
)

// Locker hands out the process-wide mirror guard.
type Locker interface {
	AcquireMirrorLock(ctx context.Context) (func(), error)
}

// Mirror is the single shared local clone of the upstream project. Every
// method that touches it holds the mirror lock for its whole duration.
type Mirror struct {
	path     string
	upstream string
	git      Git
	lock     Locker
	logger   *slog.Logger
}

// NewMirror returns a mirror kept at path and cloned from upstreamURL.
func NewMirror(path, upstreamURL string, g Git, lock Locker, logger *slog.Logger) *Mirror {
	return &Mirror{
		path:     path,
		upstream: upstreamURL,
		git:      g,
		lock:     lock,
		logger:   logging.OrDefault(logger),
	}
}

func (m *Mirror) Path() string { return m.path }

// WithLock runs fn while holding the mirror lock. Readers that inspect the
// mirror at arbitrary commits must go through it.
func (m *Mirror) WithLock(ctx context.Context, fn func() error) error {
	unlock, err := m.lock.AcquireMirrorLock(ctx)
	if err != nil {
		return fmt.Errorf("acquire mirror lock: %w", err)
	}
	defer unlock()
	return fn()
}

// EnsureMirror clones the upstream when the mirror is absent and reclones it
// when the directory exists but is not a valid repository.
func (m *Mirror) EnsureMirror(ctx context.Context) error {
	return m.WithLock(ctx, func() error { return m.ensureMirror(ctx) })
}

func (m *Mirror) ensureMirror(ctx context.Context) error {
	if !m.git.IsRepository(m.path) {
		if _, err := os.Stat(m.path); err == nil {
			m.logger.Warn("mirror is not a valid repository, recloning", logging.Path(m.path))
			if err := os.RemoveAll(m.path); err != nil {
				return fmt.Errorf("remove broken mirror: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat mirror: %w", err)
		}

		if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
			return fmt.Errorf("create mirror parent: %w", err)
		}
		m.logger.Info("cloning upstream mirror", slog.String("url", m.upstream), logging.Path(m.path))
		if err := m.git.Clone(ctx, m.upstream, m.path); err != nil {
			return fmt.Errorf("clone mirror: %w", err)
		}
	}
	// Workspaces fetch exact commits from the mirror.
	if err := m.git.SetConfig(ctx, m.path, "uploadpack.allowAnySHA1InWant", "true"); err != nil {
		return fmt.Errorf("configure mirror: %w", err)
	}
	return nil
}

// EnsureRemote registers remote on the mirror, updating its URL when a
// remote with the same name already exists.
func (m *Mirror) EnsureRemote(ctx context.Context, remote buildmgr.RemoteInfo) error {
	return m.WithLock(ctx, func() error { return m.ensureRemote(ctx, remote) })
}

func (m *Mirror) ensureRemote(ctx context.Context, remote buildmgr.RemoteInfo) error {
	err := m.git.RemoteAdd(ctx, m.path, remote.Name, remote.URL)
	var dup *DuplicateRemoteError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &dup):
		if dup.URL == remote.URL {
			return nil
		}
		m.logger.Info("updating remote url", logging.Remote(remote.Name), slog.String("url", remote.URL))
		if err := m.git.RemoteSetURL(ctx, m.path, remote.Name, remote.URL); err != nil {
			return fmt.Errorf("set url of remote %s: %w", remote.Name, err)
		}
		return nil
	default:
		return fmt.Errorf("add remote %s: %w", remote.Name, err)
	}
}

// ResolveCommit turns ref into a commit id. Full commit ids are returned
// unchanged without touching git.
func (m *Mirror) ResolveCommit(ctx context.Context, remote, ref string) (string, error) {
	if IsCommitID(ref) {
		return ref, nil
	}
	var commit string
	err := m.WithLock(ctx, func() error {
		var err error
		commit, err = resolveCommit(ctx, m.git, m.path, remote, ref)
		return err
	})
	return commit, err
}

// EnsureCommitPresent fetches from remote once if commit is missing.
func (m *Mirror) EnsureCommitPresent(ctx context.Context, remote, commit string) error {
	return m.WithLock(ctx, func() error {
		return ensureCommitPresent(ctx, m.git, m.logger, m.path, remote, commit)
	})
}

// ShallowCloneFromMirror creates a depth-1 clone of commitRef at dest, with
// the mirror as its only source. The clone's origin is named after remote.
// It returns the resolved commit id.
func (m *Mirror) ShallowCloneFromMirror(ctx context.Context, remote, commitRef, dest string) (string, error) {
	var commit string
	err := m.WithLock(ctx, func() error {
		var err error
		commit, err = resolveCommit(ctx, m.git, m.path, remote, commitRef)
		if err != nil {
			return err
		}
		if err := ensureCommitPresent(ctx, m.git, m.logger, m.path, remote, commit); err != nil {
			return err
		}

		branch := "fwbuild-tmp-" + commit
		if err := m.git.CreateBranch(ctx, m.path, branch, commit); err != nil {
			return fmt.Errorf("pin commit %s: %w", commit, err)
		}
		defer func() {
			if err := m.git.DeleteBranch(context.WithoutCancel(ctx), m.path, branch); err != nil {
				m.logger.Warn("delete temporary branch failed", slog.String("branch", branch), logging.Error(err))
			}
		}()

		if err := m.git.CloneShallow(ctx, m.path, dest, ShallowCloneOptions{Branch: branch, Origin: remote, Depth: 1}); err != nil {
			return fmt.Errorf("shallow clone %s: %w", commit, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	m.logger.Info("workspace cloned from mirror", logging.Remote(remote), logging.Commit(commit), logging.Path(dest))
	return commit, nil
}
