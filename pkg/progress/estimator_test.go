package progress

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
)

func TestEstimatePercent(t *testing.T) {
	cases := []struct {
		name string
		log  string
		want int
	}{
		{"setup phase", "[3/10] Creating build dir\n", 1},
		{"configure phase", "[50/150] Compiling libraries/AP_HAL\n", 2},
		{"compile phase", "[500/1000] Compiling ArduCopter/mode.cpp\n", 52},
		{"no counter", "Setting vehicle to: copter\nRunning waf configure\n", 0},
		{"last match wins", "[3/10] a\n[50/150] b\n[999/1000] c\n", 99},
		{"noise inside brackets", "[ 300 / 1000 ]\n", 33},
		{"empty", "", 0},
		{"zero total", "[0/0]\n", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EstimatePercent(tc.log))
		})
	}
}

func newStoreWithBuild(t *testing.T) (*buildmgr.MemManager, string) {
	t.Helper()
	m := buildmgr.NewMemManager(t.TempDir(), 4)
	id, err := m.SubmitBuild(context.Background(), buildmgr.BuildInfo{
		Vehicle: "copter",
		Board:   "MatekH743",
		Remote:  buildmgr.RemoteInfo{Name: "ardupilot", URL: "https://github.com/ArduPilot/ardupilot.git"},
		GitHash: "0123456789abcdef0123456789abcdef01234567",
	})
	require.NoError(t, err)
	return m, id
}

func writeLog(t *testing.T, m *buildmgr.MemManager, id, content string) {
	t.Helper()
	path := m.LogPath(id)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCalculatePendingSkipsLog(t *testing.T) {
	m, id := newStoreWithBuild(t)
	e := New(m, nil)
	reads := 0
	e.readLog = func(string) ([]byte, error) {
		reads++
		return []byte("[500/1000]"), nil
	}

	got, err := e.Calculate(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
	assert.Zero(t, reads)
}

func TestCalculateSuccessIgnoresLog(t *testing.T) {
	m, id := newStoreWithBuild(t)
	ctx := context.Background()
	ok, err := m.ClaimBuild(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.UpdateBuildState(ctx, id, buildmgr.StateSuccess))
	writeLog(t, m, id, "[3/10]\n")

	got, err := New(m, nil).Calculate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
}

func TestCalculateRunningReadsLog(t *testing.T) {
	m, id := newStoreWithBuild(t)
	ctx := context.Background()
	_, err := m.ClaimBuild(ctx, id)
	require.NoError(t, err)

	e := New(m, nil)
	got, err := e.Calculate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, got, "missing log is not an error")

	writeLog(t, m, id, "[1/5] setup\n[500/1000] compile\n")
	got, err = e.Calculate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 52, got)
}

func TestRefreshUpdatesRunningBuilds(t *testing.T) {
	m, id := newStoreWithBuild(t)
	ctx := context.Background()
	_, err := m.ClaimBuild(ctx, id)
	require.NoError(t, err)
	writeLog(t, m, id, "[50/150]\n")

	require.NoError(t, New(m, nil).Refresh(ctx))
	info, err := m.BuildInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Progress.Percent)
}
