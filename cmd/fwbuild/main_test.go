package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
	"github.com/vyvo/fwbuild/pkg/history"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	assert.Equal(t, 0, execute(cmd))
	assert.Contains(t, out.String(), "fwbuild dev")
}

func TestRootRegistersCommands(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"version", "worker", "mirror", "submit", "run"})
}

func TestSubmitRequiresVehicleAndBoard(t *testing.T) {
	cmd := newRootCmd()
	var errOut bytes.Buffer
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"submit", "--board", "MatekH743"})

	assert.Equal(t, 1, execute(cmd))
	assert.Contains(t, errOut.String(), "vehicle")
}

func TestSubmitWithoutRedisFails(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "fwbuild.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("workdir: "+dir+"\n"), 0o644))

	cmd := newRootCmd()
	var errOut bytes.Buffer
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"--config", cfgPath, "submit", "--vehicle", "copter", "--board", "MatekH743"})

	assert.Equal(t, 1, execute(cmd))
	assert.Contains(t, errOut.String(), "redis_url")
}

func TestOpsRouter(t *testing.T) {
	mgr := buildmgr.NewMemManager(t.TempDir(), 4)
	id, err := mgr.SubmitBuild(testContext(t), buildmgr.BuildInfo{
		Vehicle: "copter",
		Board:   "MatekH743",
		Remote:  buildmgr.RemoteInfo{Name: "ardupilot", URL: "https://github.com/ArduPilot/ardupilot.git"},
		GitHash: "master",
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "fwbuild_test_total"}))
	srv := httptest.NewServer(newOpsRouter(reg, mgr, nil, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Contains(t, body.String(), "fwbuild_test_total")

	resp, err = http.Get(srv.URL + "/builds/" + id)
	require.NoError(t, err)
	var payload struct {
		Build buildmgr.BuildInfo `json:"build"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	resp.Body.Close()
	assert.Equal(t, buildmgr.StatePending, payload.Build.Progress.State)
	assert.Equal(t, "MatekH743", payload.Build.Board)

	resp, err = http.Get(srv.URL + "/builds/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOpsRouterToken(t *testing.T) {
	mgr := buildmgr.NewMemManager(t.TempDir(), 1)
	srv := httptest.NewServer(newOpsRouter(prometheus.NewRegistry(), mgr, nil, "s3cret"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/builds/running")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/builds/running", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type stubHistory struct {
	recs      []history.Record
	lastLimit int
}

func (h *stubHistory) Get(_ context.Context, id string) (history.Record, error) {
	for _, r := range h.recs {
		if r.ID == id {
			return r, nil
		}
	}
	return history.Record{}, buildmgr.ErrBuildNotFound
}

func (h *stubHistory) List(_ context.Context, limit int) ([]history.Record, error) {
	h.lastLimit = limit
	return h.recs, nil
}

func TestOpsRouterHistory(t *testing.T) {
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hist := &stubHistory{recs: []history.Record{{
		ID:         "b1",
		Vehicle:    "copter",
		Board:      "MatekH743",
		State:      buildmgr.StateSuccess,
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
	}}}
	srv := httptest.NewServer(newOpsRouter(prometheus.NewRegistry(), buildmgr.NewMemManager(t.TempDir(), 1), hist, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/builds/history?limit=5")
	require.NoError(t, err)
	var list struct {
		Builds []history.Record `json:"builds"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Builds, 1)
	assert.Equal(t, "b1", list.Builds[0].ID)
	assert.Equal(t, 5, hist.lastLimit)

	resp, err = http.Get(srv.URL + "/builds/history?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/builds/history/b1")
	require.NoError(t, err)
	var one struct {
		Build history.Record `json:"build"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&one))
	resp.Body.Close()
	assert.Equal(t, buildmgr.StateSuccess, one.Build.State)

	resp, err = http.Get(srv.URL + "/builds/history/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOpsRouterWithoutHistory(t *testing.T) {
	srv := httptest.NewServer(newOpsRouter(prometheus.NewRegistry(), buildmgr.NewMemManager(t.TempDir(), 1), nil, ""))
	defer srv.Close()

	// Without a history store the path falls through to the live build lookup.
	resp, err := http.Get(srv.URL + "/builds/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueLengthGauge(t *testing.T) {
	mgr := buildmgr.NewMemManager(t.TempDir(), 4)
	for i := 0; i < 2; i++ {
		_, err := mgr.SubmitBuild(context.Background(), buildmgr.BuildInfo{Vehicle: "copter", Board: "MatekH743"})
		require.NoError(t, err)
	}

	reg := prometheus.NewRegistry()
	gauge := queueLengthGauge(mgr, nil)
	require.NoError(t, registerCollector(reg, gauge))
	require.NoError(t, registerCollector(reg, gauge))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "fwbuild_queue_length", families[0].GetName())
	assert.Equal(t, 2.0, families[0].GetMetric()[0].GetGauge().GetValue())
}

// testContext mirrors testing.T.Context (Go 1.24): a context that is
// canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
