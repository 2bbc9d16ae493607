// Package cleaner deletes artifact directories of old finished builds.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
	"github.com/vyvo/fwbuild/pkg/logging"
	"github.com/vyvo/fwbuild/pkg/scheduler"
)

// DefaultInterval is how often the artifacts root is swept.
const DefaultInterval = time.Hour

// Store is the slice of buildmgr.Manager the cleaner needs.
type Store interface {
	BuildInfo(ctx context.Context, id string) (buildmgr.BuildInfo, error)
}

// HistoryPruner drops finished-build records older than a cutoff.
type HistoryPruner interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleaner removes <artifacts>/<id> once the build is terminal and the
// directory has not been modified for the retention period. With a
// HistoryPruner it also drops history records past the same retention.
type Cleaner struct {
	root      string
	retention time.Duration
	store     Store
	history   HistoryPruner
	clock     clockwork.Clock
	logger    *slog.Logger
}

// New returns a Cleaner for the artifact directories under root.
func New(root string, retention time.Duration, store Store, clock clockwork.Clock, logger *slog.Logger) *Cleaner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cleaner{root: root, retention: retention, store: store, clock: clock, logger: logging.OrDefault(logger)}
}

// WithHistory makes every sweep prune history records as well.
func (c *Cleaner) WithHistory(h HistoryPruner) *Cleaner {
	c.history = h
	return c
}

// Task wraps Sweep for the scheduler.
func (c *Cleaner) Task(interval time.Duration) scheduler.Task {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return scheduler.Task{Name: "artifact-cleanup", Period: interval, Action: func(ctx context.Context) error {
		_, err := c.Sweep(ctx)
		return err
	}}
}

// Sweep removes expired artifact directories and returns their build ids.
// Directories of unknown builds are treated as terminal.
func (c *Cleaner) Sweep(ctx context.Context) ([]string, error) {
	if c.retention <= 0 {
		return nil, nil
	}
	cutoff := c.clock.Now().Add(-c.retention)
	removed, err := c.sweepDirs(ctx, cutoff)
	if c.history == nil {
		return removed, err
	}
	n, herr := c.history.DeleteFinishedBefore(ctx, cutoff)
	if herr != nil {
		return removed, errors.Join(err, fmt.Errorf("prune history: %w", herr))
	}
	if n > 0 {
		c.logger.Info("expired history records removed", slog.Int64("count", n))
	}
	return removed, err
}

func (c *Cleaner) sweepDirs(ctx context.Context, cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(c.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		fi, err := e.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}

		info, err := c.store.BuildInfo(ctx, id)
		switch {
		case errors.Is(err, buildmgr.ErrBuildNotFound):
		case err != nil:
			c.logger.Warn("cleanup: load build failed", logging.BuildID(id), logging.Error(err))
			continue
		case !info.Progress.State.Terminal():
			continue
		}

		dir := filepath.Join(c.root, id)
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn("cleanup: remove failed", logging.Path(dir), logging.Error(err))
			continue
		}
		removed = append(removed, id)
		c.logger.Info("expired artifacts removed", logging.BuildID(id), logging.Path(dir))
	}
	return removed, nil
}
