// Package progress estimates how far along running builds are by reading
// the step counters the build tool prints into each build log.
package progress

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
	"github.com/vyvo/fwbuild/pkg/logging"
	"github.com/vyvo/fwbuild/pkg/scheduler"
)

// DefaultInterval is how often estimates are refreshed.
const DefaultInterval = 3 * time.Second

// stepPattern matches "[12/345]" and tolerates noise such as colour codes
// inside the brackets.
var stepPattern = regexp.MustCompile(`\[\D*(\d+)\D*/\D*(\d+)\D*\]`)

// Store is the slice of buildmgr.Manager the estimator needs.
type Store interface {
	RunningBuildIDs(ctx context.Context) ([]string, error)
	BuildInfo(ctx context.Context, id string) (buildmgr.BuildInfo, error)
	UpdateBuildProgressPercent(ctx context.Context, id string, percent int) error
	LogPath(id string) string
}

// Estimator periodically updates the progress percent of running builds.
type Estimator struct {
	store   Store
	logger  *slog.Logger
	readLog func(path string) ([]byte, error)
}

// New returns an Estimator reporting through store.
func New(store Store, logger *slog.Logger) *Estimator {
	return &Estimator{store: store, logger: logging.OrDefault(logger), readLog: os.ReadFile}
}

// Task wraps Refresh for the scheduler.
func (e *Estimator) Task(interval time.Duration) scheduler.Task {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return scheduler.Task{Name: "progress", Period: interval, Action: e.Refresh}
}

// Refresh computes and stores a percent for every running build. A failure
// for one build is logged and does not stop the others.
func (e *Estimator) Refresh(ctx context.Context) error {
	ids, err := e.store.RunningBuildIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		percent, err := e.Calculate(ctx, id)
		if err != nil {
			e.logger.Warn("progress estimate failed", logging.BuildID(id), logging.Error(err))
			continue
		}
		if err := e.store.UpdateBuildProgressPercent(ctx, id, percent); err != nil {
			e.logger.Warn("progress update failed", logging.BuildID(id), logging.Error(err))
			continue
		}
		e.logger.Debug("progress updated", logging.BuildID(id), logging.Percent(percent))
	}
	return nil
}

// Calculate returns the current percent for one build.
func (e *Estimator) Calculate(ctx context.Context, id string) (int, error) {
	info, err := e.store.BuildInfo(ctx, id)
	if err != nil {
		return 0, err
	}
	switch info.Progress.State {
	case buildmgr.StatePending:
		return 0, nil
	case buildmgr.StateSuccess:
		return 100, nil
	}

	path := e.store.LogPath(id)
	data, err := e.readLog(path)
	if errors.Is(err, fs.ErrNotExist) {
		e.logger.Warn("build log not found", logging.BuildID(id), logging.Path(path))
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return EstimatePercent(string(data)), nil
}

// EstimatePercent maps the last "[completed/total]" counter in log to a
// percent. Setup steps (total < 20) count as 1%, the short configure run
// (total < 200) fills 1-5%, and the compile run fills 5-100%.
func EstimatePercent(log string) int {
	matches := stepPattern.FindAllStringSubmatch(log, -1)
	if len(matches) == 0 {
		return 0
	}
	last := matches[len(matches)-1]
	completed, err1 := strconv.Atoi(last[1])
	total, err2 := strconv.Atoi(last[2])
	if err1 != nil || err2 != nil {
		return 0
	}
	switch {
	case total < 20:
		return 1
	case total < 200:
		return completed*4/total + 1
	default:
		return completed*95/total + 5
	}
}
