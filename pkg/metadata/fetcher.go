// Package metadata reads the feature defines a firmware revision knows
// about from the shared mirror.
package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/vyvo/fwbuild/pkg/gitsrc"
	"github.com/vyvo/fwbuild/pkg/logging"
)

// BuildOptionsPath is the script, relative to the repository root, that
// lists every Feature of a revision.
const BuildOptionsPath = "Tools/scripts/build_options.py"

// Fetcher serves build options per (remote, commit) from the mirror.
// Results for a commit never change and are kept for the life of the
// Fetcher.
type Fetcher struct {
	mirror *gitsrc.Mirror
	logger *slog.Logger
	read   func(repoPath, commit, file string) ([]byte, error)

	mu    sync.Mutex
	cache map[string][]BuildOption
}

// NewFetcher returns a Fetcher reading from mirror.
func NewFetcher(mirror *gitsrc.Mirror, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		mirror: mirror,
		logger: logging.OrDefault(logger),
		read:   readFileAtCommit,
		cache:  make(map[string][]BuildOption),
	}
}

// BuildOptionsAtCommit resolves commitRef on remote, makes sure the commit
// is in the mirror and parses the build options script as of that commit.
func (f *Fetcher) BuildOptionsAtCommit(ctx context.Context, remote, commitRef string) ([]BuildOption, error) {
	commit, err := f.mirror.ResolveCommit(ctx, remote, commitRef)
	if err != nil {
		return nil, err
	}
	key := remote + "@" + commit

	f.mu.Lock()
	cached, ok := f.cache[key]
	f.mu.Unlock()
	if ok {
		return cloneOptions(cached), nil
	}

	if err := f.mirror.EnsureCommitPresent(ctx, remote, commit); err != nil {
		return nil, err
	}

	var data []byte
	err = f.mirror.WithLock(ctx, func() error {
		var err error
		data, err = f.read(f.mirror.Path(), commit, BuildOptionsPath)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read %s at %s: %w", BuildOptionsPath, commit, err)
	}

	opts, err := ParseBuildOptions(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s at %s: %w", BuildOptionsPath, commit, err)
	}
	f.logger.Debug("build options loaded", logging.Remote(remote), logging.Commit(commit), slog.Int("count", len(opts)))

	f.mu.Lock()
	f.cache[key] = opts
	f.mu.Unlock()
	return cloneOptions(opts), nil
}

func cloneOptions(opts []BuildOption) []BuildOption {
	return append([]BuildOption(nil), opts...)
}

func readFileAtCommit(repoPath, commit, file string) ([]byte, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, err
	}
	c, err := repo.CommitObject(plumbing.NewHash(commit))
	if err != nil {
		return nil, err
	}
	fh, err := c.File(file)
	if err != nil {
		return nil, err
	}
	contents, err := fh.Contents()
	if err != nil {
		return nil, err
	}
	return []byte(contents), nil
}
