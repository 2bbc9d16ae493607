package cleaner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
)

func TestSweepRemovesOnlyExpiredTerminalBuilds(t *testing.T) {
	root := t.TempDir()
	mgr := buildmgr.NewMemManager(root, 8)
	ctx := context.Background()

	submit := func() string {
		id, err := mgr.SubmitBuild(ctx, buildmgr.BuildInfo{Vehicle: "copter", Board: "MatekH743"})
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(mgr.ArtifactsDirPath(id), 0o755))
		return id
	}
	finished := submit()
	_, err := mgr.ClaimBuild(ctx, finished)
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateBuildState(ctx, finished, buildmgr.StateSuccess))

	running := submit()
	_, err = mgr.ClaimBuild(ctx, running)
	require.NoError(t, err)

	orphan := filepath.Join(root, "orphan")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))

	fc := clockwork.NewFakeClockAt(time.Now().Add(48 * time.Hour))
	c := New(root, 24*time.Hour, mgr, fc, nil)

	removed, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{finished, "orphan"}, removed)
	assert.NoDirExists(t, mgr.ArtifactsDirPath(finished))
	assert.DirExists(t, mgr.ArtifactsDirPath(running), "running builds are kept")
	assert.FileExists(t, filepath.Join(root, "stray.txt"))
}

func TestSweepKeepsRecentDirectories(t *testing.T) {
	root := t.TempDir()
	mgr := buildmgr.NewMemManager(root, 1)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "recent"), 0o755))

	c := New(root, 24*time.Hour, mgr, clockwork.NewFakeClockAt(time.Now()), nil)
	removed, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.DirExists(t, filepath.Join(root, "recent"))
}

func TestSweepMissingRootOrDisabled(t *testing.T) {
	mgr := buildmgr.NewMemManager(t.TempDir(), 1)

	removed, err := New(filepath.Join(t.TempDir(), "absent"), time.Hour, mgr, nil, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, removed)

	removed, err = New(t.TempDir(), 0, mgr, nil, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, removed)
}

type recordingPruner struct {
	cutoffs []time.Time
	err     error
}

func (p *recordingPruner) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	return 3, p.err
}

func TestSweepPrunesHistoryWithSameCutoff(t *testing.T) {
	mgr := buildmgr.NewMemManager(t.TempDir(), 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pruner := &recordingPruner{}

	// A missing artifacts root must not skip the history prune.
	c := New(filepath.Join(t.TempDir(), "absent"), 24*time.Hour, mgr, clockwork.NewFakeClockAt(now), nil).WithHistory(pruner)
	_, err := c.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, pruner.cutoffs, 1)
	assert.True(t, pruner.cutoffs[0].Equal(now.Add(-24*time.Hour)))

	pruner.err = errors.New("db down")
	_, err = c.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune history")
}

func TestSweepDisabledSkipsHistory(t *testing.T) {
	pruner := &recordingPruner{}
	c := New(t.TempDir(), 0, buildmgr.NewMemManager(t.TempDir(), 1), nil, nil).WithHistory(pruner)
	_, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pruner.cutoffs)
}
