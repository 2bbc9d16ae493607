package gitsrc_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/fwbuild/pkg/gitsrc"
	"github.com/vyvo/fwbuild/pkg/gitsrc/gitsrctest"
)

func opsIn(calls []gitsrctest.Call, dir string) []string {
	var ops []string
	for _, c := range calls {
		if c.Dir == dir {
			ops = append(ops, c.Op)
		}
	}
	return ops
}

func TestCheckoutCommitSequence(t *testing.T) {
	f := gitsrctest.New()
	dir := filepath.Join(t.TempDir(), "build_src")
	f.AddRepo(dir, commitA)
	ws := gitsrc.NewWorkspace(dir, f, nil)

	got, err := ws.CheckoutCommit(context.Background(), "ardupilot", commitA,
		gitsrc.CheckoutOptions{Force: true, HardReset: true, CleanTree: true})
	require.NoError(t, err)
	assert.Equal(t, commitA, got)
	assert.Equal(t, []string{"has-commit", "checkout", "reset", "clean"}, opsIn(f.Calls(), dir))
	assert.Equal(t, commitA, f.Head(dir))
}

func TestCheckoutCommitOptionalSteps(t *testing.T) {
	f := gitsrctest.New()
	dir := filepath.Join(t.TempDir(), "build_src")
	f.AddRepo(dir, commitA)
	ws := gitsrc.NewWorkspace(dir, f, nil)

	_, err := ws.CheckoutCommit(context.Background(), "ardupilot", commitA, gitsrc.CheckoutOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"has-commit", "checkout"}, opsIn(f.Calls(), dir))
}

func TestCheckoutCommitFetchesExactlyOnce(t *testing.T) {
	f := gitsrctest.New()
	dir := filepath.Join(t.TempDir(), "build_src")
	f.AddRepo(dir, commitA)
	ws := gitsrc.NewWorkspace(dir, f, nil)

	_, err := ws.CheckoutCommit(context.Background(), "ardupilot", commitC,
		gitsrc.CheckoutOptions{Force: true, HardReset: true, CleanTree: true})
	require.ErrorIs(t, err, gitsrc.ErrRefResolution)
	require.ErrorIs(t, err, gitsrc.ErrCommitNotFound)
	assert.Equal(t, 1, f.CountOp("fetch"))
	assert.Equal(t, 0, f.CountOp("checkout"))
}

func TestCheckoutCommitUnknownSymbolicRef(t *testing.T) {
	f := gitsrctest.New()
	dir := filepath.Join(t.TempDir(), "build_src")
	f.AddRepo(dir, commitA)
	ws := gitsrc.NewWorkspace(dir, f, nil)

	_, err := ws.CheckoutCommit(context.Background(), "ardupilot", "refs/tags/nope", gitsrc.CheckoutOptions{})
	require.ErrorIs(t, err, gitsrc.ErrRefNotFound)
	assert.Equal(t, 0, f.CountOp("fetch"))
}

func TestSyncSubmodules(t *testing.T) {
	f := gitsrctest.New()
	dir := t.TempDir()
	f.AddRepo(dir)
	ws := gitsrc.NewWorkspace(dir, f, nil)

	require.NoError(t, ws.SyncSubmodules(context.Background()))
	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "submodule-update", calls[0].Op)
	assert.Equal(t, []string{"true", "true", "true"}, calls[0].Args)
}
